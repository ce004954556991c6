package policy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/seb7887/netclient/observability"
	"go.uber.org/zap"
)

// CircuitState is the state of one breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures CircuitBreakerPolicy. Zero values take the
// defaults noted on each field.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the failure percentage that opens the circuit. Default: 50.
	ErrorThreshold int `mapstructure:"error_threshold"`

	// MinRequests must be seen before the threshold is evaluated. Default: 10.
	MinRequests int `mapstructure:"min_requests"`

	// Interval clears the closed-state counters periodically. Zero keeps them
	// until the next state change.
	Interval time.Duration `mapstructure:"interval"`

	// SleepWindow is how long the circuit stays open. Default: 5s.
	SleepWindow time.Duration `mapstructure:"sleep_window"`

	// SuccessThreshold successes in half-open close the circuit. Default: 2.
	SuccessThreshold int `mapstructure:"success_threshold"`

	// HalfOpenProbes caps concurrent requests while half-open. Default: 1.
	HalfOpenProbes int `mapstructure:"half_open_probes"`

	// ShouldTrip overrides failure detection. By default transport errors and
	// 5xx responses count, while rejections by inner policies and requests the
	// caller cancelled do not.
	ShouldTrip func(*http.Response, error) bool `mapstructure:"-"`

	Metrics *observability.MetricsCollector `mapstructure:"-"`
	Logger  *zap.Logger                     `mapstructure:"-"`
}

// CircuitBreakerPolicy fails fast for peers that keep failing. Breakers are
// kept per Key and shared by every connection to that peer.
type CircuitBreakerPolicy struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewCircuitBreakerPolicy(cfg CircuitBreakerConfig) *CircuitBreakerPolicy {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 50
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 10
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = 5 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Logger = cfg.Logger.Named("breaker")
	return &CircuitBreakerPolicy{cfg: cfg, breakers: make(map[string]*breaker)}
}

func (p *CircuitBreakerPolicy) Execute(ctx context.Context, req *http.Request, next Executor) (*http.Response, error) {
	b := p.breaker(Key(req))

	probe, ok := b.allow(time.Now())
	if !ok {
		return nil, &Rejection{Policy: "circuit_breaker", Key: b.key, Err: ErrCircuitOpen}
	}

	resp, err := next(ctx, req)
	b.record(time.Now(), probe, p.failed(ctx, resp, err))
	return resp, err
}

// State returns the state of the breaker for key, as built by Key.
func (p *CircuitBreakerPolicy) State(key string) CircuitState {
	p.mu.Lock()
	b, ok := p.breakers[key]
	p.mu.Unlock()
	if !ok {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (p *CircuitBreakerPolicy) breaker(key string) *breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[key]
	if !ok {
		b = &breaker{key: key, cfg: &p.cfg, since: time.Now()}
		p.breakers[key] = b
	}
	return b
}

func (p *CircuitBreakerPolicy) failed(ctx context.Context, resp *http.Response, err error) bool {
	if p.cfg.ShouldTrip != nil {
		return p.cfg.ShouldTrip(resp, err)
	}
	switch {
	case err == nil:
		return resp != nil && resp.StatusCode >= http.StatusInternalServerError
	case Rejected(err):
		return false
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

type breaker struct {
	key string
	cfg *CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	since     time.Time
	requests  int
	failures  int
	successes int
	probes    int
}

// allow reports whether a request may go out, and whether it is a half-open
// probe.
func (b *breaker) allow(now time.Time) (probe, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if now.Sub(b.since) < b.cfg.SleepWindow {
			return false, false
		}
		b.setState(StateHalfOpen, now)
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return false, false
		}
		b.probes++
		return true, true
	default:
		if b.cfg.Interval > 0 && now.Sub(b.since) >= b.cfg.Interval {
			b.since = now
			b.requests, b.failures = 0, 0
		}
		return false, true
	}
}

func (b *breaker) record(now time.Time, probe, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probes--
		if b.state != StateHalfOpen {
			return
		}
		if failed {
			b.setState(StateOpen, now)
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed, now)
		}
		return
	}

	if b.state != StateClosed {
		return
	}
	b.requests++
	if !failed {
		return
	}
	b.failures++
	if b.requests >= b.cfg.MinRequests && b.failures*100 >= b.cfg.ErrorThreshold*b.requests {
		b.setState(StateOpen, now)
	}
}

// setState must be called with b.mu held.
func (b *breaker) setState(to CircuitState, now time.Time) {
	b.cfg.Logger.Info("circuit state changed",
		zap.String("key", b.key),
		zap.Stringer("from", b.state),
		zap.Stringer("to", to),
		zap.Int("requests", b.requests),
		zap.Int("failures", b.failures),
	)
	b.state = to
	b.since = now
	b.requests, b.failures, b.successes = 0, 0, 0
	b.cfg.Metrics.SetCircuitBreakerState(b.key, int(to))
}
