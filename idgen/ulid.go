package idgen

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

var (
	ulidMu        sync.RWMutex
	ulidGenerator = func() string {
		// ulid.Make draws from a process-wide monotonic entropy source that is
		// safe for concurrent use, so IDs created in the same millisecond still sort.
		return ulid.Make().String()
	}
)

// NewULID returns a lexicographically sortable identifier. Connections use it as
// their ID, so log lines and pool listings order by creation time.
func NewULID() string {
	ulidMu.RLock()
	gen := ulidGenerator
	ulidMu.RUnlock()
	return gen()
}

// UseULID replaces the generator, typically with a deterministic one in tests.
// It returns a function restoring the previous generator.
func UseULID(fn func() string) (restore func()) {
	ulidMu.Lock()
	prev := ulidGenerator
	ulidGenerator = fn
	ulidMu.Unlock()

	return func() {
		ulidMu.Lock()
		ulidGenerator = prev
		ulidMu.Unlock()
	}
}
