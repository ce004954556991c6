package webclient

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seb7887/netclient/observability"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"ws":    "80",
	"https": "443",
	"wss":   "443",
}

// ParseTarget parses rawURL and checks it names a scheme and a host.
func ParseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q needs a scheme and a host", ErrInvalidURL, rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// TargetKey normalizes u to scheme://host:port, lower-cased, with the
// scheme's default port filled in. Connections are pooled by this key.
func TargetKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		port = defaultPorts[scheme]
	}
	if port == "" {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

// Pool keeps idle connections per target key for reuse. Idle lists are LIFO:
// the most recently released connection is handed out first.
type Pool struct {
	factory *Factory
	cfg     PoolConfig
	log     *zap.Logger
	metrics *observability.MetricsCollector

	mu     sync.Mutex
	shards map[string]*shard
	closed bool

	discards    sync.WaitGroup
	stopJanitor chan struct{}
	janitorDone chan struct{}
}

type shard struct {
	mu     sync.Mutex
	idle   []*Connection
	closed bool
}

func newPool(f *Factory, cfg PoolConfig, logger *zap.Logger, metrics *observability.MetricsCollector) *Pool {
	p := &Pool{
		factory: f,
		cfg:     cfg,
		log:     logger.Named("pool"),
		metrics: metrics,
		shards:  make(map[string]*shard),
	}
	if cfg.Janitor && cfg.IdleTTL > 0 {
		p.stopJanitor = make(chan struct{})
		p.janitorDone = make(chan struct{})
		go p.janitor(cfg.IdleTTL / 2)
	}
	return p
}

func (p *Pool) shard(key string, create bool) *shard {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.shards[key]
	if !ok && create {
		s = &shard{}
		p.shards[key] = s
	}
	return s
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) expired(c *Connection, now time.Time) bool {
	return p.cfg.IdleTTL > 0 && now.Sub(c.idleSince.Load()) > p.cfg.IdleTTL
}

// Acquire returns an idle connection for rawURL's target, or a new one when
// none is usable. The connection is pointed at rawURL with its request
// configuration and receivers reset. Release it when done.
func (p *Pool) Acquire(rawURL string) (*Connection, error) {
	u, err := ParseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	if p.isClosed() {
		return nil, ErrRuntimeClosed
	}
	key := TargetKey(u)

	if s := p.shard(key, false); s != nil {
		for {
			c, stale, left := p.pop(s)
			p.discard(stale, "expired")
			p.metrics.SetPoolIdle(key, left)
			if c == nil {
				break
			}
			if !c.healthy(true) {
				c.markLost()
				p.discard([]*Connection{c}, "unhealthy")
				continue
			}
			c.pooled.Store(false)
			if err := c.SetURL(u.String()); err != nil {
				p.discard([]*Connection{c}, "unhealthy")
				continue
			}
			p.metrics.RecordPoolAcquire(key, "reused")
			p.log.Debug("connection reused", zap.String("target", key), zap.String("conn_id", c.ID()))
			return c, nil
		}
	}

	c, err := p.factory.Create(u)
	if err != nil {
		return nil, err
	}
	if p.isClosed() {
		_ = c.Shutdown()
		return nil, ErrRuntimeClosed
	}
	p.metrics.RecordPoolAcquire(key, "created")
	return c, nil
}

// pop takes the newest unexpired connection off s. Expired entries met on
// the way are returned for shutdown outside the lock.
func (p *Pool) pop(s *shard) (*Connection, []*Connection, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var stale []*Connection
	for len(s.idle) > 0 {
		last := len(s.idle) - 1
		c := s.idle[last]
		s.idle[last] = nil
		s.idle = s.idle[:last]
		if p.expired(c, now) {
			stale = append(stale, c)
			continue
		}
		return c, stale, len(s.idle)
	}
	return nil, stale, 0
}

// Release hands c back to the pool. Healthy connections are kept while the
// target is below capacity; others are shut down in the background. Releasing
// a connection twice is a no-op. Release may be called from a receiver.
func (p *Pool) Release(c *Connection) {
	if c == nil {
		return
	}
	if !c.pooled.CompareAndSwap(false, true) {
		p.log.Debug("double release ignored", zap.String("conn_id", c.ID()))
		return
	}
	c.reset()

	if !c.healthy(false) {
		p.discard([]*Connection{c}, "unhealthy")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard([]*Connection{c}, "closed")
		return
	}
	s, ok := p.shards[c.key]
	if !ok {
		s = &shard{}
		p.shards[c.key] = s
	}
	p.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		// Close took this shard after the check above
		s.mu.Unlock()
		p.discard([]*Connection{c}, "closed")
		return
	}
	if len(s.idle) >= p.cfg.Capacity {
		s.mu.Unlock()
		p.discard([]*Connection{c}, "capacity")
		return
	}
	s.idle = append(s.idle, c)
	n := len(s.idle)
	s.mu.Unlock()

	p.metrics.SetPoolIdle(c.key, n)
}

// discard shuts connections down in the background. Shutdowns started before
// Close are awaited by it; later ones run on their own.
func (p *Pool) discard(conns []*Connection, reason string) {
	if len(conns) == 0 {
		return
	}
	p.mu.Lock()
	tracked := !p.closed
	if tracked {
		p.discards.Add(len(conns))
	}
	p.mu.Unlock()

	for _, c := range conns {
		p.log.Debug("connection discarded",
			zap.String("target", c.key), zap.String("conn_id", c.id), zap.String("reason", reason))
		p.metrics.RecordPoolEviction(c.key, reason)
		go func(c *Connection) {
			if tracked {
				defer p.discards.Done()
			}
			if err := c.Shutdown(); err != nil {
				p.log.Debug("shutdown of discarded connection failed", zap.Error(err))
			}
		}(c)
	}
}

// Len returns the number of idle connections for a key as built by TargetKey.
func (p *Pool) Len(key string) int {
	s := p.shard(key, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idle)
}

// Keys lists the targets that currently have idle connections.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	shards := make(map[string]*shard, len(p.shards))
	for k, s := range p.shards {
		shards[k] = s
	}
	p.mu.Unlock()

	keys := make([]string, 0, len(shards))
	for k, s := range shards {
		s.mu.Lock()
		n := len(s.idle)
		s.mu.Unlock()
		if n > 0 {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Idle returns the idle count per target.
func (p *Pool) Idle() map[string]int {
	out := make(map[string]int)
	for _, k := range p.Keys() {
		out[k] = p.Len(k)
	}
	return out
}

// Sweep evicts expired idle connections and returns how many were evicted.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	shards := make(map[string]*shard, len(p.shards))
	for k, s := range p.shards {
		shards[k] = s
	}
	p.mu.Unlock()

	now := time.Now()
	evicted := 0
	for key, s := range shards {
		s.mu.Lock()
		var stale []*Connection
		kept := s.idle[:0]
		for _, c := range s.idle {
			if p.expired(c, now) {
				stale = append(stale, c)
				continue
			}
			kept = append(kept, c)
		}
		clear(s.idle[len(kept):])
		s.idle = kept
		n := len(kept)
		s.mu.Unlock()

		p.discard(stale, "expired")
		p.metrics.SetPoolIdle(key, n)
		evicted += len(stale)
	}
	return evicted
}

func (p *Pool) janitor(every time.Duration) {
	defer close(p.janitorDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.log.Debug("janitor evicted idle connections", zap.Int("count", n))
			}
		case <-p.stopJanitor:
			return
		}
	}
}

// Close shuts every idle connection down in parallel, waits for background
// shutdowns and stops the janitor. Later Acquire calls fail with
// ErrRuntimeClosed and later releases are discarded.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	shards := p.shards
	p.shards = make(map[string]*shard)
	p.mu.Unlock()

	if p.stopJanitor != nil {
		close(p.stopJanitor)
		<-p.janitorDone
	}

	var conns []*Connection
	for key, s := range shards {
		s.mu.Lock()
		s.closed = true
		conns = append(conns, s.idle...)
		s.idle = nil
		s.mu.Unlock()
		p.metrics.SetPoolIdle(key, 0)
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Shutdown(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("shutdown %s: %w", c.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	p.discards.Wait()

	p.log.Debug("pool closed", zap.Int("connections", len(conns)))
	return errs
}
