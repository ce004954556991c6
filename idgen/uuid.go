package idgen

import (
	"sync"

	"github.com/google/uuid"
)

var (
	uuidMu        sync.RWMutex
	uuidGenerator = func() string {
		return uuid.New().String()
	}
)

// NewUUID returns a random (v4) UUID. Used for per-request identifiers.
func NewUUID() string {
	uuidMu.RLock()
	gen := uuidGenerator
	uuidMu.RUnlock()
	return gen()
}

// UseUUID replaces the generator and returns a function restoring the previous one.
func UseUUID(fn func() string) (restore func()) {
	uuidMu.Lock()
	prev := uuidGenerator
	uuidGenerator = fn
	uuidMu.Unlock()

	return func() {
		uuidMu.Lock()
		uuidGenerator = prev
		uuidMu.Unlock()
	}
}
