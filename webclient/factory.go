package webclient

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
)

// Factory maps URL schemes to transport constructors and creates connections.
// It is safe for concurrent use.
type Factory struct {
	env *env

	mu     sync.RWMutex
	ctors  map[string]TransportConstructor
	frozen bool
}

func newFactory(e *env) *Factory {
	return &Factory{
		env:   e,
		ctors: make(map[string]TransportConstructor),
	}
}

// Register adds ctor for scheme, replacing any previous constructor for the
// same scheme.
func (f *Factory) Register(scheme string, ctor TransportConstructor) error {
	if scheme == "" || ctor == nil {
		return fmt.Errorf("%w: empty scheme or nil constructor", ErrConfiguration)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen {
		return ErrFactoryFrozen
	}
	f.ctors[strings.ToLower(scheme)] = ctor
	return nil
}

// Freeze rejects every later Register call.
func (f *Factory) Freeze() {
	f.mu.Lock()
	f.frozen = true
	f.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (f *Factory) Frozen() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.frozen
}

// Schemes lists the registered schemes in sorted order.
func (f *Factory) Schemes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for s := range f.ctors {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Create builds a new, not yet dialed connection for target.
func (f *Factory) Create(target *url.URL) (*Connection, error) {
	if target == nil {
		return nil, ErrNoTarget
	}
	scheme := strings.ToLower(target.Scheme)

	f.mu.RLock()
	ctor, ok := f.ctors[scheme]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownScheme, target.Scheme)
	}

	t, err := ctor(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s transport: %w", ErrConfiguration, scheme, err)
	}
	return newConnection(f.env, target, t), nil
}

// CreateURL parses rawURL and calls Create.
func (f *Factory) CreateURL(rawURL string) (*Connection, error) {
	u, err := ParseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Create(u)
}
