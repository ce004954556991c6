package policy

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// TimeoutConfig configures TimeoutPolicy.
type TimeoutConfig struct {
	// Request bounds writing the request and reading the response head,
	// retries included. Streaming the body afterwards is not covered.
	// Default: 30s.
	Request time.Duration `mapstructure:"request"`
}

// TimeoutPolicy puts a deadline on the round trip. Only its own deadline is
// reported as ErrTimeout; a caller's cancellation or deadline passes through.
type TimeoutPolicy struct {
	limit time.Duration
}

func NewTimeoutPolicy(cfg TimeoutConfig) *TimeoutPolicy {
	if cfg.Request <= 0 {
		cfg.Request = 30 * time.Second
	}
	return &TimeoutPolicy{limit: cfg.Request}
}

func (t *TimeoutPolicy) Execute(ctx context.Context, req *http.Request, next Executor) (*http.Response, error) {
	tctx, cancel := context.WithTimeoutCause(ctx, t.limit, ErrTimeout)
	defer cancel()

	resp, err := next(tctx, req)
	if err != nil && ctx.Err() == nil && context.Cause(tctx) == ErrTimeout {
		return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, t.limit, err)
	}
	return resp, err
}
