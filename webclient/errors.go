package webclient

import (
	"errors"
	"fmt"
)

// Sentinel errors that can be checked using errors.Is
var (
	// ErrConfiguration is the root of every synchronous configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrNoTarget is returned by Send when no URL was set.
	ErrNoTarget = fmt.Errorf("%w: no target url", ErrConfiguration)

	// ErrNoMethod is returned by Send when no request type was set.
	ErrNoMethod = fmt.Errorf("%w: no request type", ErrConfiguration)

	// ErrUnknownScheme is returned when no transport is registered for a URL scheme.
	ErrUnknownScheme = fmt.Errorf("%w: unknown scheme", ErrConfiguration)

	// ErrInvalidURL is returned when a target cannot be parsed.
	ErrInvalidURL = fmt.Errorf("%w: invalid url", ErrConfiguration)

	// ErrRequestInFlight is returned by setters and Send while a request is in flight.
	ErrRequestInFlight = errors.New("request in flight")

	// ErrConnectionClosed is returned once a connection is closing, closed,
	// disconnected or shut down. In-flight requests cancelled by Close end with it.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTargetMismatch is returned by SetURL when a connection that already
	// dialed is pointed at another scheme, host or port.
	ErrTargetMismatch = errors.New("url targets a different endpoint")

	// ErrFactoryFrozen is returned by Register after Freeze.
	ErrFactoryFrozen = errors.New("factory is frozen")

	// ErrProtocol marks malformed or unexpected response framing.
	ErrProtocol = errors.New("protocol error")

	// ErrDialExhausted is reported when every handshake attempt failed.
	ErrDialExhausted = errors.New("connection attempts exhausted")

	// ErrConnectionLost is reported when the channel drops mid-request.
	ErrConnectionLost = errors.New("connection lost")

	// ErrCallbackPanic wraps a value recovered from a receiver.
	ErrCallbackPanic = errors.New("receiver panicked")

	// ErrRuntimeClosed is returned by a runtime after Close.
	ErrRuntimeClosed = errors.New("runtime closed")
)

// ConnectionError provides context about a failure reported asynchronously by
// a connection, through RequestData.Err.
type ConnectionError struct {
	// Op is the phase that failed: "dial", "send", "receive" or "close".
	Op string

	// Target is the normalized pool key of the connection.
	Target string

	// Attempts is the number of handshake attempts made (dial failures only).
	Attempts int

	// Err is the underlying error.
	Err error

	// Cause categorizes the error: "dial_exhausted", "protocol", "lost",
	// "closed", "policy".
	Cause string
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("netclient: %s %s failed after %d attempt(s): %s (cause: %s)",
			e.Op, e.Target, e.Attempts, e.Err, e.Cause)
	}
	return fmt.Sprintf("netclient: %s %s failed: %s (cause: %s)", e.Op, e.Target, e.Err, e.Cause)
}

// Unwrap returns the underlying error, allowing errors.Is and errors.As to work.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
