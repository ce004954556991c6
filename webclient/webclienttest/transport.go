// Package webclienttest provides a scripted transport, receiver recorders and
// metric assertions for testing code built on webclient.
package webclienttest

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/seb7887/netclient/webclient"
)

// Response scripts one round trip of a MockTransport.
type Response struct {
	StatusCode int
	Status     string
	Version    string
	Headers    webclient.Headers
	Cookies    webclient.Cookies

	// Chunks are emitted one snapshot each. With no chunks a single snapshot
	// without content is emitted.
	Chunks [][]byte

	// Delay is waited before the first chunk, or until the context ends.
	Delay time.Duration

	// Hold blocks the round trip until it is closed or the context ends.
	Hold <-chan struct{}

	// Err is returned after the chunks. With NoHead set nothing is emitted.
	Err    error
	NoHead bool

	// Close ends keep-alive after this response.
	Close bool
}

// MockTransport is a scripted webclient.Transport. It records every call.
type MockTransport struct {
	mu sync.Mutex

	// DialErrs fail the first len(DialErrs) handshakes in order.
	DialErrs []error

	// DialFunc, when set, replaces the scripted handshake.
	DialFunc func(ctx context.Context, req *webclient.Request) error

	// Responses are used in order; the last one repeats. Response is used
	// when Responses is empty.
	Responses []Response
	Response  Response

	// RoundTripFunc, when set, replaces the scripted round trip.
	RoundTripFunc func(ctx context.Context, req *webclient.Request, emit func(*webclient.RequestData)) error

	// Unhealthy makes Healthy report false.
	Unhealthy bool

	// CloseErr is returned by Close.
	CloseErr error

	// Target is the URL the transport was built for.
	Target *url.URL

	Requests []*webclient.Request

	dials      int
	roundTrips int
	closes     int
	aborts     int
	keepAlive  bool
}

// Dial implements webclient.Transport.
func (m *MockTransport) Dial(ctx context.Context, req *webclient.Request) error {
	m.mu.Lock()
	m.dials++
	n := m.dials
	fn := m.DialFunc
	var scripted error
	if n <= len(m.DialErrs) {
		scripted = m.DialErrs[n-1]
	}
	m.keepAlive = true
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return scripted
}

// RoundTrip implements webclient.Transport.
func (m *MockTransport) RoundTrip(ctx context.Context, req *webclient.Request, emit func(*webclient.RequestData)) error {
	m.mu.Lock()
	m.roundTrips++
	m.Requests = append(m.Requests, req)
	fn := m.RoundTripFunc
	resp := m.Response
	if len(m.Responses) > 0 {
		i := min(m.roundTrips, len(m.Responses)) - 1
		resp = m.Responses[i]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req, emit)
	}

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if resp.Hold != nil {
		select {
		case <-resp.Hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	m.keepAlive = !resp.Close
	m.mu.Unlock()

	if !resp.NoHead {
		head := &webclient.RequestData{
			Version:       resp.Version,
			StatusCode:    resp.StatusCode,
			StatusMessage: resp.Status,
			Headers:       resp.Headers,
			SetCookies:    resp.Cookies,
		}
		if head.Version == "" {
			head.Version = "HTTP/1.1"
		}
		if head.StatusCode == 0 {
			head.StatusCode = 200
			head.StatusMessage = "OK"
		}
		if len(resp.Chunks) == 0 {
			emit(head.Progress(nil))
		}
		for _, chunk := range resp.Chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			emit(head.Progress(append([]byte(nil), chunk...)))
		}
	}
	return resp.Err
}

// Close implements webclient.Transport.
func (m *MockTransport) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.keepAlive = false
	return m.CloseErr
}

// Abort implements webclient.Transport.
func (m *MockTransport) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborts++
	m.keepAlive = false
}

// KeepAlive implements webclient.KeepAliver.
func (m *MockTransport) KeepAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepAlive
}

// Healthy implements webclient.HealthChecker.
func (m *MockTransport) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.Unhealthy
}

// SetUnhealthy flips the result of Healthy.
func (m *MockTransport) SetUnhealthy(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Unhealthy = v
}

// Dials returns the number of handshake attempts.
func (m *MockTransport) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// RoundTrips returns the number of round trips.
func (m *MockTransport) RoundTrips() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roundTrips
}

// Closes returns the number of graceful closes.
func (m *MockTransport) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Aborts returns the number of hard closes.
func (m *MockTransport) Aborts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborts
}

// LastRequest returns the most recent request, or nil.
func (m *MockTransport) LastRequest() *webclient.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil
	}
	return m.Requests[len(m.Requests)-1]
}

// Builder hands out MockTransports to a webclient.Factory and remembers them.
type Builder struct {
	mu      sync.Mutex
	build   func(target *url.URL) *MockTransport
	created []*MockTransport
}

// NewBuilder returns a Builder calling build for every new connection. A nil
// build yields default MockTransports.
func NewBuilder(build func(target *url.URL) *MockTransport) *Builder {
	if build == nil {
		build = func(*url.URL) *MockTransport { return &MockTransport{} }
	}
	return &Builder{build: build}
}

// Constructor is the webclient.TransportConstructor to register.
func (b *Builder) Constructor() webclient.TransportConstructor {
	return func(target *url.URL) (webclient.Transport, error) {
		t := b.build(target)
		t.Target = target
		b.mu.Lock()
		b.created = append(b.created, t)
		b.mu.Unlock()
		return t, nil
	}
}

// Created returns the transports built so far.
func (b *Builder) Created() []*MockTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*MockTransport(nil), b.created...)
}

// Register installs b on f for every scheme.
func (b *Builder) Register(f *webclient.Factory, schemes ...string) error {
	for _, s := range schemes {
		if err := f.Register(s, b.Constructor()); err != nil {
			return err
		}
	}
	return nil
}
