package webclient

// Request is the snapshot of a Connection's configuration handed to the
// transport for one Send.
type Request struct {
	// ID identifies this request in logs, spans and the X-Request-Id header.
	ID string

	// Method is the request type (GET, POST, ... for HTTP; TEXT or BINARY for
	// WebSocket).
	Method string

	URL     string
	Headers Headers
	Body    []byte
}

// RequestData is an immutable snapshot of response progress delivered to a
// data receiver. Receivers must not modify it.
//
// For every accepted Send exactly one RequestData has Done set, and it is the
// last one delivered for that request.
type RequestData struct {
	// RequestID matches Request.ID.
	RequestID string

	Version       string
	StatusCode    int
	StatusMessage string
	Headers       Headers
	SetCookies    Cookies

	// Content holds only the bytes received since the previous snapshot.
	Content []byte

	// Done marks the last snapshot for the request.
	Done bool

	// Err is set on a terminal snapshot when the request failed. It wraps one
	// of ErrProtocol, ErrConnectionLost, ErrDialExhausted or ErrConnectionClosed,
	// usually inside a *ConnectionError.
	Err error
}

// Failed reports whether the request ended with an error.
func (d *RequestData) Failed() bool {
	return d.Err != nil
}

// Progress returns a copy of d carrying the same response metadata with new
// content. Transports call it to emit successive chunks.
func (d *RequestData) Progress(content []byte) *RequestData {
	next := *d
	next.Headers = d.Headers.Clone()
	next.SetCookies = d.SetCookies.Clone()
	next.Content = content
	next.Done = false
	next.Err = nil
	return &next
}
