package webclient

import (
	"context"
	"errors"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/seb7887/netclient/idgen"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// StateReceiver is notified of every accepted state transition.
type StateReceiver func(StateEvent)

// DataReceiver is notified of every response snapshot.
type DataReceiver func(*RequestData)

// Connection is a reusable handle to one network channel. Configure it with
// the setters, then Send. Results arrive asynchronously on the receivers, which
// run on the runtime's dispatcher and never concurrently for one connection.
type Connection struct {
	id        string
	key       string
	scheme    string
	env       *env
	transport Transport
	log       *zap.Logger

	// ctx lives as long as the connection; every I/O goroutine derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	state     State
	target    *url.URL
	headers   Headers
	method    string
	body      []byte
	onState   StateReceiver
	onData    DataReceiver
	inFlight  bool
	reqCancel context.CancelFunc
	reqDone   chan struct{}
	dialed    bool
	closing   bool
	down      bool
	needDrain bool

	pooled    atomic.Bool
	idleSince atomic.Time
	wg        sync.WaitGroup
	mbox      mailbox

	shutdownOnce sync.Once
	shutdownErr  error
}

func newConnection(e *env, target *url.URL, t Transport) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:        idgen.NewULID(),
		key:       TargetKey(target),
		scheme:    strings.ToLower(target.Scheme),
		env:       e,
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
		state:     Connecting,
		target:    cloneURL(target),
	}
	c.log = e.logger.Named("connection").With(
		zap.String("conn_id", c.id),
		zap.String("target", c.key),
	)
	c.mbox.init()

	// An abandoned connection still owns a socket; release it once the
	// connection is unreachable.
	runtime.AddCleanup(c, func(t Transport) { t.Abort() }, t)
	return c
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// Key returns the pool key of the connection's target.
func (c *Connection) Key() string { return c.key }

// State returns the current state. A connection closed before it ever dialed
// stays in Connecting; use Closed to tell it apart from one still dialing.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// URL returns the current target.
func (c *Connection) URL() *url.URL {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneURL(c.target)
}

// Headers returns a copy of the configured request headers.
func (c *Connection) Headers() Headers {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headers.Clone()
}

// Method returns the configured request type.
func (c *Connection) Method() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.method
}

// Body returns a copy of the configured request body.
func (c *Connection) Body() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneBytes(c.body)
}

// InFlight reports whether a request has been accepted and has not delivered
// its terminal snapshot yet.
func (c *Connection) InFlight() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inFlight
}

// configurable must be called with c.mu held.
func (c *Connection) configurable() error {
	if c.inFlight {
		return ErrRequestInFlight
	}
	if c.closedLocked() {
		return ErrConnectionClosed
	}
	return nil
}

func (c *Connection) closedLocked() bool {
	return c.down || c.closing || c.state == Closing || c.state.Terminal()
}

// SetURL points the connection at rawURL. The scheme, host and port must
// match the connection's transport; only the request target may change.
func (c *Connection) SetURL(rawURL string) error {
	u, err := ParseTarget(rawURL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	if TargetKey(u) != c.key {
		return ErrTargetMismatch
	}
	c.target = u
	return nil
}

// SetHeader sets a single request header, replacing previous values.
func (c *Connection) SetHeader(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	c.headers.Set(key, value)
	return nil
}

// SetHeaders replaces the request headers with h, or merges h into them when
// merge is set. Merged keys replace existing ones.
func (c *Connection) SetHeaders(h Headers, merge bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	if merge {
		c.headers.Merge(h)
	} else {
		c.headers = h.Clone()
	}
	return nil
}

// SetRequestType sets the request method.
func (c *Connection) SetRequestType(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	c.method = method
	return nil
}

// SetBody sets the request body. The slice is copied.
func (c *Connection) SetBody(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	c.body = cloneBytes(body)
	return nil
}

// SetStateReceiver installs the state receiver. Nil removes it.
func (c *Connection) SetStateReceiver(fn StateReceiver) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	c.onState = fn
	return nil
}

// SetDataReceiver installs the data receiver. Nil removes it.
func (c *Connection) SetDataReceiver(fn DataReceiver) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}
	c.onData = fn
	return nil
}

// Send starts the configured request. A nil error means the request was
// accepted: its outcome is reported through the data receiver, ending with
// exactly one snapshot that has Done set. The first Send also starts the
// handshake.
func (c *Connection) Send() error {
	c.mu.Lock()
	if c.closedLocked() {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.inFlight {
		c.mu.Unlock()
		return ErrRequestInFlight
	}
	if c.target == nil {
		c.mu.Unlock()
		return ErrNoTarget
	}
	if c.method == "" {
		c.mu.Unlock()
		return ErrNoMethod
	}

	req := &Request{
		ID:      idgen.NewUUID(),
		Method:  c.method,
		URL:     c.target.String(),
		Headers: c.headers.Clone(),
		Body:    cloneBytes(c.body),
	}
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	needDial := !c.dialed

	c.inFlight = true
	c.dialed = true
	c.reqCancel = cancel
	c.reqDone = done
	onData := c.onData
	c.wg.Add(1)
	c.mu.Unlock()

	c.env.stats.recordSend(req.Headers.WireSize() + len(req.Body))
	c.log.Debug("request accepted",
		zap.String("request_id", req.ID),
		zap.String("method", req.Method),
		zap.String("url", req.URL))

	go c.run(ctx, cancel, done, req, onData, needDial)
	return nil
}

// Closed reports whether the connection no longer accepts requests: Close or
// Shutdown was called, or the state machine reached Closed or Disconnected.
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closedLocked()
}

// Close starts a graceful close and returns without waiting for it. An
// in-flight request is cancelled and ends with ErrConnectionClosed. Closing a
// connection that never dialed only marks it closed: no transition is
// reported and State stays Connecting. Close is idempotent and never blocks,
// so receivers may call it on any connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closedLocked() {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	cancelReq := c.reqCancel
	if c.state == Connected {
		c.transitionLocked(Closing)
		c.startCloseLocked(c.reqDone)
	}
	c.unlockAndFlush()

	// A running dial loop observes the cancellation and ends in Disconnected.
	if cancelReq != nil {
		cancelReq()
	}
	return nil
}

// Shutdown closes the connection, waits for its I/O to stop and for pending
// notifications to be delivered, then seals it: no receiver runs after
// Shutdown returns. It must not be called from a receiver of the same
// connection; use Close there.
func (c *Connection) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown()
	})
	return c.shutdownErr
}

func (c *Connection) shutdown() error {
	_ = c.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	timeout := c.env.cfg.Connection.ShutdownTimeout
	select {
	case <-done:
	case <-time.After(timeout):
		err = &ConnectionError{
			Op:     "close",
			Target: c.key,
			Err:    context.DeadlineExceeded,
			Cause:  "closed",
		}
		c.log.Warn("graceful close timed out, aborting", zap.Duration("timeout", timeout))
		c.cancel()
		c.transport.Abort()
		<-done
	}
	c.cancel()
	c.transport.Abort()

	c.mu.Lock()
	c.down = true
	c.onState = nil
	c.onData = nil
	c.mu.Unlock()

	c.mbox.seal()
	c.log.Debug("connection shut down", zap.Stringer("state", c.State()))
	return err
}

// IsShutdown reports whether Shutdown has completed.
func (c *Connection) IsShutdown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.down
}

// transitionLocked moves the state machine and queues the notification.
// Illegal moves are refused and logged. c.mu must be held.
func (c *Connection) transitionLocked(to State) bool {
	from := c.state
	if !CanTransition(from, to) {
		c.log.Warn("illegal state transition refused",
			zap.Stringer("from", from), zap.Stringer("to", to))
		return false
	}
	c.state = to
	c.env.metrics.RecordStateTransition(c.scheme, to.String())
	c.log.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))

	ev := &StateEvent{
		Conn:   c,
		ConnID: c.id,
		Target: c.key,
		From:   from,
		To:     to,
		At:     time.Now(),
	}
	c.enqueueLocked(notification{state: ev, onState: c.onState})
	return true
}

// transition is transitionLocked for callers that do not hold c.mu.
func (c *Connection) transition(to State) bool {
	c.mu.Lock()
	ok := c.transitionLocked(to)
	c.unlockAndFlush()
	return ok
}

func (c *Connection) enqueueLocked(n notification) {
	if c.mbox.push(n) {
		c.needDrain = true
	}
}

// unlockAndFlush releases c.mu and schedules a drain if one became due while
// it was held. Submitting may block, so it never happens under c.mu.
func (c *Connection) unlockAndFlush() {
	need := c.needDrain
	c.needDrain = false
	c.mu.Unlock()
	if need {
		c.schedule()
	}
}

// startCloseLocked runs the close handshake in the background once wait (the
// in-flight request, if any) has finished. c.mu must be held and the state
// must already be Closing.
func (c *Connection) startCloseLocked(wait <-chan struct{}) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if wait != nil {
			<-wait
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.env.cfg.Connection.ShutdownTimeout)
		defer cancel()
		if err := c.transport.Close(ctx); err != nil {
			c.log.Debug("close handshake failed", zap.Error(err))
			c.transport.Abort()
		}
		c.transition(Closed)
	}()
}

func (c *Connection) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, req *Request, onData DataReceiver, needDial bool) {
	defer c.wg.Done()
	defer close(done)
	defer cancel()

	if needDial {
		if err := c.dial(ctx, req); err != nil {
			c.finish(req, onData, nil, err)
			return
		}
	}

	var last *RequestData
	emit := func(d *RequestData) {
		d.RequestID = req.ID
		d.Done = false
		d.Err = nil
		last = d
		c.post(notification{data: d, onData: onData})
	}
	err := c.transport.RoundTrip(ctx, req, emit)
	c.finish(req, onData, last, err)
}

// dial runs the handshake loop: every failed attempt passes through Retry,
// and the last one ends in Disconnected.
func (c *Connection) dial(ctx context.Context, req *Request) error {
	cfg := c.env.cfg.Connection
	for attempt := 1; ; attempt++ {
		start := time.Now()
		dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		err := c.transport.Dial(dctx, req)
		cancel()

		if err == nil && ctx.Err() == nil {
			c.env.metrics.RecordDialAttempt(c.key, "success")
			c.log.Debug("connected", zap.Int("attempt", attempt), zap.Duration("took", time.Since(start)))
			if c.transition(Connected) {
				return nil
			}
			err = ErrConnectionClosed
		}
		if err == nil {
			err = ctx.Err()
		}

		c.env.metrics.RecordDialAttempt(c.key, "failure")
		c.log.Debug("dial attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		c.transport.Abort()
		c.transition(Retry)

		if attempt >= cfg.MaxAttempts || ctx.Err() != nil {
			c.transition(Disconnected)
			return &ConnectionError{
				Op:       "dial",
				Target:   c.key,
				Attempts: attempt,
				Err:      errors.Join(ErrDialExhausted, err),
				Cause:    "dial_exhausted",
			}
		}

		delay := c.env.backoff.Next(attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.transition(Disconnected)
			return &ConnectionError{
				Op:       "dial",
				Target:   c.key,
				Attempts: attempt,
				Err:      errors.Join(ErrDialExhausted, ctx.Err()),
				Cause:    "dial_exhausted",
			}
		}
		if !c.transition(Connecting) {
			return &ConnectionError{Op: "dial", Target: c.key, Attempts: attempt, Err: ErrConnectionClosed, Cause: "closed"}
		}
	}
}

// finish delivers the terminal snapshot for req and moves the state machine
// according to how the round trip ended.
func (c *Connection) finish(req *Request, onData DataReceiver, last *RequestData, err error) {
	term := &RequestData{RequestID: req.ID}
	if last != nil {
		term = last.Progress(nil)
	}
	term.Done = true

	keepAlive := true
	if ka, ok := c.transport.(KeepAliver); ok {
		keepAlive = ka.KeepAlive()
	}

	c.mu.Lock()
	closing := c.closing
	state := c.state

	var next State = -1
	switch {
	case err == nil && keepAlive:
	case err == nil:
		// the peer ended the exchange
		next = Closing
	case closing:
		term.Err = &ConnectionError{Op: "receive", Target: c.key, Err: errors.Join(ErrConnectionClosed, err), Cause: "closed"}
		if state == Connected {
			next = Closing
		}
	case errors.Is(err, ErrDialExhausted):
		term.Err = err
	case errors.Is(err, ErrProtocol):
		term.Err = &ConnectionError{Op: "receive", Target: c.key, Err: err, Cause: "protocol"}
		next = Closing
	case keepAlive && !errors.Is(err, ErrConnectionLost):
		// rejected before reaching the wire; the channel is still usable
		term.Err = &ConnectionError{Op: "send", Target: c.key, Err: err, Cause: "policy"}
	default:
		term.Err = &ConnectionError{Op: "receive", Target: c.key, Err: errors.Join(ErrConnectionLost, err), Cause: "lost"}
		next = Disconnected
	}

	c.inFlight = false
	c.reqCancel = nil
	c.reqDone = nil
	c.enqueueLocked(notification{data: term, onData: onData})

	if next >= 0 && state == Connected {
		c.transitionLocked(next)
		switch next {
		case Closing:
			c.closing = true
			c.startCloseLocked(nil)
		case Disconnected:
			c.transport.Abort()
		}
	}
	c.unlockAndFlush()

	if term.Err != nil {
		c.log.Debug("request failed", zap.String("request_id", req.ID), zap.Error(term.Err))
	}
}

// healthy reports whether the connection can serve another request. With
// probe set, transports implementing HealthChecker are asked as well.
func (c *Connection) healthy(probe bool) bool {
	c.mu.RLock()
	ok := c.state == Connected && !c.inFlight && !c.closing && !c.down
	c.mu.RUnlock()
	if !ok || !probe {
		return ok
	}
	if hc, isHC := c.transport.(HealthChecker); isHC {
		return hc.Healthy()
	}
	return true
}

// reset clears request configuration and receivers before the connection is
// pooled.
func (c *Connection) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = nil
	c.method = ""
	c.body = nil
	c.onState = nil
	c.onData = nil
	c.idleSince.Store(time.Now())
}

// markLost records a channel found dead while idle.
func (c *Connection) markLost() {
	c.mu.Lock()
	if c.state == Connected {
		c.transitionLocked(Disconnected)
	}
	c.unlockAndFlush()
	c.transport.Abort()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	cp := *u
	if u.User != nil {
		user := *u.User
		cp.User = &user
	}
	return &cp
}
