package webclient

import (
	"context"
	"net/url"
)

// Transport performs the wire I/O of one Connection. A Connection calls its
// transport from one goroutine at a time, except Close and Abort, which may
// race with a RoundTrip that is being cancelled.
type Transport interface {
	// Dial performs the handshake. req is the request that triggered it, so
	// protocols that negotiate headers up front can use them.
	Dial(ctx context.Context, req *Request) error

	// RoundTrip sends req and streams the response through emit, one call per
	// received chunk. It must not set Done on emitted snapshots: the Connection
	// appends the terminal snapshot itself. Cancellation of ctx must abort it.
	RoundTrip(ctx context.Context, req *Request, emit func(*RequestData)) error

	// Close performs the graceful close handshake, bounded by ctx.
	Close(ctx context.Context) error

	// Abort releases the channel immediately. It must be idempotent and must
	// not reference the owning Connection.
	Abort()
}

// KeepAliver is implemented by transports that can tell whether the channel is
// still usable after a round trip. Transports without it are assumed reusable.
type KeepAliver interface {
	KeepAlive() bool
}

// HealthChecker is implemented by transports that can cheaply probe an idle
// channel. The pool calls it before handing out an idle connection.
type HealthChecker interface {
	Healthy() bool
}

// TransportConstructor builds the transport for a target URL.
type TransportConstructor func(target *url.URL) (Transport, error)
