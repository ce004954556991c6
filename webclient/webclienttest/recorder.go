package webclienttest

import (
	"sync"
	"testing"
	"time"

	"github.com/seb7887/netclient/webclient"
)

// Recorder collects everything delivered to the receivers it hands out.
type Recorder struct {
	mu       sync.Mutex
	states   []webclient.StateEvent
	data     []*webclient.RequestData
	active   int
	overlaps int
	changed  chan struct{}

	// OnData, when set, runs after a snapshot is recorded.
	OnData func(*webclient.RequestData)
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{}, 1)}
}

func (r *Recorder) enter() {
	r.mu.Lock()
	r.active++
	if r.active > 1 {
		r.overlaps++
	}
	r.mu.Unlock()
}

func (r *Recorder) leave() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// State is a webclient.StateReceiver.
func (r *Recorder) State(ev webclient.StateEvent) {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	r.states = append(r.states, ev)
	r.mu.Unlock()
}

// Data is a webclient.DataReceiver.
func (r *Recorder) Data(d *webclient.RequestData) {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	r.data = append(r.data, d)
	hook := r.OnData
	r.mu.Unlock()
	if hook != nil {
		hook(d)
	}
}

// States returns the recorded target states in delivery order.
func (r *Recorder) States() []webclient.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]webclient.State, len(r.states))
	for i, ev := range r.states {
		out[i] = ev.To
	}
	return out
}

// Events returns the recorded state events.
func (r *Recorder) Events() []webclient.StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webclient.StateEvent(nil), r.states...)
}

// Snapshots returns the recorded snapshots in delivery order.
func (r *Recorder) Snapshots() []*webclient.RequestData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webclient.RequestData(nil), r.data...)
}

// Terminals returns the snapshots with Done set.
func (r *Recorder) Terminals() []*webclient.RequestData {
	var out []*webclient.RequestData
	for _, d := range r.Snapshots() {
		if d.Done {
			out = append(out, d)
		}
	}
	return out
}

// Content concatenates the content of every snapshot.
func (r *Recorder) Content() string {
	var b []byte
	for _, d := range r.Snapshots() {
		b = append(b, d.Content...)
	}
	return string(b)
}

// Overlaps counts receiver invocations that started while another one of
// this recorder was still running.
func (r *Recorder) Overlaps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlaps
}

// WaitFor polls until cond holds, failing t after timeout.
func (r *Recorder) WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for !cond() {
		select {
		case <-r.changed:
		case <-time.After(5 * time.Millisecond):
		case <-deadline.C:
			t.Fatalf("condition not met within %s", timeout)
		}
	}
}

// WaitTerminals waits until n terminal snapshots were delivered.
func (r *Recorder) WaitTerminals(t testing.TB, n int, timeout time.Duration) []*webclient.RequestData {
	t.Helper()
	r.WaitFor(t, timeout, func() bool { return len(r.Terminals()) >= n })
	return r.Terminals()
}

// WaitState waits until state s was delivered.
func (r *Recorder) WaitState(t testing.TB, s webclient.State, timeout time.Duration) {
	t.Helper()
	r.WaitFor(t, timeout, func() bool {
		for _, got := range r.States() {
			if got == s {
				return true
			}
		}
		return false
	})
}
