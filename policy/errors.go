package policy

import (
	"errors"
	"fmt"
)

var (
	ErrCircuitOpen        = errors.New("circuit open")
	ErrBulkheadFull       = errors.New("too many requests in flight")
	ErrTimeout            = errors.New("round trip timed out")
	ErrMaxRetriesExceeded = errors.New("retries exhausted")
)

// Rejection is returned by a policy that refused a request before it reached
// the socket.
type Rejection struct {
	Policy string
	Key    string
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s refused request to %s: %v", r.Policy, r.Key, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Rejected reports whether err carries a *Rejection.
func Rejected(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}
