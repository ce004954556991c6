package webclient

import (
	"errors"
	"fmt"
	"sync"
	"weak"

	"github.com/seb7887/netclient/wp"
	"go.uber.org/zap"
)

// notification is one pending receiver invocation. Receivers are captured when
// the notification is queued, so a later setter never redirects it.
type notification struct {
	state   *StateEvent
	onState StateReceiver

	data   *RequestData
	onData DataReceiver
}

// mailbox is the FIFO of notifications of one connection. At most one drain
// task per connection is queued on the dispatcher at any time, so receivers of
// a connection never run concurrently and run in queue order.
type mailbox struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queue   []notification
	running bool
	sealed  bool
}

func (m *mailbox) init() {
	m.idle = sync.NewCond(&m.mu)
}

// push queues n and reports whether the caller must schedule a drain.
func (m *mailbox) push(n notification) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sealed {
		return false
	}
	m.queue = append(m.queue, n)
	if m.running {
		return false
	}
	m.running = true
	return true
}

// next pops the head of the queue. When the queue is empty the drain ends.
func (m *mailbox) next() (notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 || m.sealed {
		m.queue = nil
		m.running = false
		m.idle.Broadcast()
		return notification{}, false
	}
	n := m.queue[0]
	m.queue[0] = notification{}
	m.queue = m.queue[1:]
	return n, true
}

// abandon drops the queue after the dispatcher refused the drain task.
func (m *mailbox) abandon() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := len(m.queue)
	m.queue = nil
	m.running = false
	m.idle.Broadcast()
	return dropped
}

// seal waits for the current drain to finish and rejects every later push.
func (m *mailbox) seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.running {
		m.idle.Wait()
	}
	m.sealed = true
	m.queue = nil
}

// post queues n on the connection's mailbox and schedules a drain if none is
// pending. It must not be called while holding c.mu.
func (c *Connection) post(n notification) {
	if c.mbox.push(n) {
		c.schedule()
	}
}

// schedule submits the drain task. The task holds only a weak reference, so
// a queued drain does not keep an abandoned connection alive.
//
// The calling goroutine never waits for queue space: it may be a receiver
// running on the very worker that owns c.id. A full queue hands the submit to
// a goroutine; the mailbox keeps a single drain pending so order is kept.
func (c *Connection) schedule() {
	ref := weak.Make(c)
	task := func() { drain(ref) }
	err := c.env.dispatcher.TrySubmit(c.id, task)
	if errors.Is(err, wp.ErrQueueFull) {
		go func() {
			if err := c.env.dispatcher.Submit(c.id, task); err != nil {
				c.rejected(err)
			}
		}()
		return
	}
	if err != nil {
		c.rejected(err)
	}
}

func (c *Connection) rejected(err error) {
	dropped := c.mbox.abandon()
	c.log.Warn("dispatcher rejected notifications",
		zap.Int("dropped", dropped), zap.Error(err))
}

func drain(ref weak.Pointer[Connection]) {
	c := ref.Value()
	if c == nil {
		return
	}
	for {
		n, ok := c.mbox.next()
		if !ok {
			return
		}
		c.deliver(n)
	}
}

// deliver runs one receiver. A panicking receiver is logged and counted; the
// connection and the dispatcher carry on.
func (c *Connection) deliver(n notification) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrCallbackPanic, r)
			c.log.Error("receiver panicked", zap.Error(err))
			c.env.metrics.IncrementCallbackPanics()
		}
	}()

	switch {
	case n.state != nil:
		c.env.publish(*n.state)
		if n.onState != nil {
			n.onState(*n.state)
		}
	case n.data != nil:
		if n.onData != nil {
			c.env.stats.recordRecv(len(n.data.Content))
			n.onData(n.data)
		}
	}
}
