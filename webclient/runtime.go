package webclient

import (
	"fmt"
	"sync"

	"github.com/seb7887/netclient/backoff"
	"github.com/seb7887/netclient/eventbus"
	"github.com/seb7887/netclient/observability"
	"github.com/seb7887/netclient/wp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// env is what every connection of a runtime shares.
type env struct {
	cfg        Config
	backoff    backoff.Backoff
	dispatcher *wp.Pool
	stats      *Stats
	metrics    *observability.MetricsCollector
	logger     *zap.Logger
	bus        eventbus.Bus
}

func (e *env) publish(ev StateEvent) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(StateTopic, ev); err != nil {
		e.logger.Debug("state event not published", zap.String("conn_id", ev.ConnID), zap.Error(err))
	}
}

// Runtime owns the transport factory, the connection pool, the usage stats and
// the dispatcher that runs receivers. Independent runtimes share nothing.
type Runtime struct {
	env     *env
	factory *Factory
	pool    *Pool

	mu     sync.Mutex
	closed bool
}

// Option configures a Runtime.
type Option interface {
	apply(*Runtime)
}

type optionFunc func(*Runtime)

func (f optionFunc) apply(r *Runtime) {
	f(r)
}

// WithConfig sets the runtime configuration.
func WithConfig(cfg Config) Option {
	return optionFunc(func(r *Runtime) {
		r.env.cfg = cfg
	})
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(r *Runtime) {
		if l != nil {
			r.env.logger = l
		}
	})
}

// WithMetrics mirrors stats, state transitions and pool activity to Prometheus.
func WithMetrics(m *observability.MetricsCollector) Option {
	return optionFunc(func(r *Runtime) {
		r.env.metrics = m
	})
}

// WithEventBus publishes every delivered state change on StateTopic.
func WithEventBus(bus eventbus.Bus) Option {
	return optionFunc(func(r *Runtime) {
		r.env.bus = bus
	})
}

// WithBackoff overrides the handshake backoff built from the configuration.
func WithBackoff(b backoff.Backoff) Option {
	return optionFunc(func(r *Runtime) {
		r.env.backoff = b
	})
}

// NewRuntime builds a runtime. Register transports on Factory before use.
func NewRuntime(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		env: &env{
			cfg:    DefaultConfig(),
			logger: zap.NewNop(),
		},
	}
	for _, opt := range opts {
		opt.apply(r)
	}

	e := r.env
	e.cfg = e.cfg.withDefaults()
	if e.backoff == nil {
		b, err := backoff.New(e.cfg.Connection.Backoff)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		e.backoff = b
	}
	e.stats = newStats(e.metrics)

	dispatchLog := e.logger.Named("dispatch")
	e.dispatcher = wp.NewPool(e.cfg.Dispatch.Workers, e.cfg.Dispatch.Queue,
		wp.WithPanicHandler(func(key string, recovered any) {
			dispatchLog.Error("dispatch task panicked",
				zap.String("conn_id", key),
				zap.Error(fmt.Errorf("%w: %v", ErrCallbackPanic, recovered)))
		}))

	r.factory = newFactory(e)
	r.pool = newPool(r.factory, e.cfg.Pool, e.logger, e.metrics)

	e.logger.Debug("runtime started",
		zap.Int("workers", e.cfg.Dispatch.Workers),
		zap.Int("pool_capacity", e.cfg.Pool.Capacity),
		zap.Duration("idle_ttl", e.cfg.Pool.IdleTTL))
	return r, nil
}

// Factory returns the transport registry.
func (r *Runtime) Factory() *Factory { return r.factory }

// Pool returns the connection pool.
func (r *Runtime) Pool() *Pool { return r.pool }

// Stats returns the usage counters.
func (r *Runtime) Stats() *Stats { return r.env.stats }

// Config returns the effective configuration.
func (r *Runtime) Config() Config { return r.env.cfg }

// Logger returns the runtime logger.
func (r *Runtime) Logger() *zap.Logger { return r.env.logger }

// Metrics returns the Prometheus collector, nil when none was configured.
func (r *Runtime) Metrics() *observability.MetricsCollector { return r.env.metrics }

// Acquire is shorthand for Pool().Acquire.
func (r *Runtime) Acquire(rawURL string) (*Connection, error) {
	return r.pool.Acquire(rawURL)
}

// Release is shorthand for Pool().Release.
func (r *Runtime) Release(c *Connection) {
	r.pool.Release(c)
}

// Request acquires a connection for rawURL, configures it and sends. On
// failure the connection goes back to the pool and the error is returned.
// On success the caller owns the connection and must Release it, typically
// from onData once a snapshot with Done set arrives.
func (r *Runtime) Request(rawURL string, headers Headers, method string, body []byte, onData DataReceiver, onState StateReceiver) (*Connection, error) {
	c, err := r.pool.Acquire(rawURL)
	if err != nil {
		return nil, err
	}
	err = multierr.Combine(
		c.SetHeaders(headers, false),
		c.SetRequestType(method),
		c.SetBody(body),
		c.SetDataReceiver(onData),
		c.SetStateReceiver(onState),
	)
	if err == nil {
		err = c.Send()
	}
	if err != nil {
		r.pool.Release(c)
		return nil, err
	}
	return c, nil
}

// Close tears the pool down and stops the dispatcher once queued
// notifications have run. Connections still held by callers must be shut down
// by them first; their later notifications are dropped. The event bus is left
// open.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.pool.Close()
	r.env.dispatcher.Stop()
	r.env.logger.Debug("runtime closed", zap.Error(err))
	return err
}
