package policy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/seb7887/netclient/observability"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// BulkheadConfig configures BulkheadPolicy.
type BulkheadConfig struct {
	// MaxConcurrent caps requests on the wire. Default: 100.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// PerHost keeps one limit per Key instead of a global one.
	PerHost bool `mapstructure:"per_host"`

	// MaxWait lets a request queue for a slot this long before it is
	// rejected. Zero rejects immediately.
	MaxWait time.Duration `mapstructure:"max_wait"`

	Metrics *observability.MetricsCollector `mapstructure:"-"`
}

// BulkheadPolicy limits how many connections have a request on the wire at
// once. A connection carries one request at a time, so this caps busy
// connections per peer, or overall.
type BulkheadPolicy struct {
	cfg    BulkheadConfig
	global *compartment

	mu    sync.Mutex
	byKey map[string]*compartment
}

type compartment struct {
	sem    *semaphore.Weighted
	active atomic.Int64
}

func NewBulkheadPolicy(cfg BulkheadConfig) *BulkheadPolicy {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	p := &BulkheadPolicy{cfg: cfg}
	if cfg.PerHost {
		p.byKey = make(map[string]*compartment)
	} else {
		p.global = p.newCompartment()
	}
	return p
}

func (p *BulkheadPolicy) Execute(ctx context.Context, req *http.Request, next Executor) (*http.Response, error) {
	key := Key(req)
	c := p.compartment(key)

	if err := p.acquire(ctx, c); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.cfg.Metrics.IncrementBulkheadRejections(key)
		return nil, &Rejection{Policy: "bulkhead", Key: key, Err: ErrBulkheadFull}
	}
	c.active.Inc()
	defer func() {
		c.active.Dec()
		c.sem.Release(1)
	}()

	return next(ctx, req)
}

func (p *BulkheadPolicy) acquire(ctx context.Context, c *compartment) error {
	if p.cfg.MaxWait <= 0 {
		if c.sem.TryAcquire(1) {
			return nil
		}
		return ErrBulkheadFull
	}
	wctx, cancel := context.WithTimeout(ctx, p.cfg.MaxWait)
	defer cancel()
	return c.sem.Acquire(wctx, 1)
}

// ActiveRequests returns the requests on the wire for key. With a global
// limit the key is ignored.
func (p *BulkheadPolicy) ActiveRequests(key string) int {
	if p.global != nil {
		return int(p.global.active.Load())
	}
	p.mu.Lock()
	c, ok := p.byKey[key]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return int(c.active.Load())
}

func (p *BulkheadPolicy) compartment(key string) *compartment {
	if p.global != nil {
		return p.global
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byKey[key]
	if !ok {
		c = p.newCompartment()
		p.byKey[key] = c
	}
	return c
}

func (p *BulkheadPolicy) newCompartment() *compartment {
	return &compartment{sem: semaphore.NewWeighted(int64(p.cfg.MaxConcurrent))}
}
