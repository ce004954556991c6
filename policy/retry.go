package policy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/seb7887/netclient/backoff"
	"github.com/seb7887/netclient/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RetryConfig configures RetryPolicy.
type RetryConfig struct {
	// MaxAttempts counts the first request too. Default: 3.
	MaxAttempts int

	// Backoff spaces the attempts. Default: exponential with jitter.
	Backoff backoff.Backoff

	// ShouldRetry overrides the decision. By default a response is retried
	// when its status is in RetryableStatusCodes and the server keeps the
	// socket open.
	ShouldRetry func(*http.Response, error) bool

	// RetryableStatusCodes default to 429, 500, 502, 503 and 504.
	RetryableStatusCodes []int

	// RetryNetworkErrors retries failed writes and reads. A connection owns a
	// single socket, so this only helps an executor that can recover it.
	RetryNetworkErrors bool

	// OnlyIdempotent skips retries for POST, PATCH and unknown methods.
	OnlyIdempotent bool

	// MaxRetryAfter caps how long a Retry-After header may delay the next
	// attempt. Zero ignores the header.
	MaxRetryAfter time.Duration

	Metrics *observability.MetricsCollector
	Logger  *zap.Logger
}

// RetryPolicy repeats the round trip on the same socket while the server
// answers with a retryable status and keeps the connection alive.
type RetryPolicy struct {
	cfg RetryConfig
}

func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NewExponentialBackoff()
	}
	if cfg.RetryableStatusCodes == nil {
		cfg.RetryableStatusCodes = []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Logger = cfg.Logger.Named("retry")
	return &RetryPolicy{cfg: cfg}
}

func (r *RetryPolicy) Execute(ctx context.Context, req *http.Request, next Executor) (*http.Response, error) {
	if r.cfg.OnlyIdempotent && !isIdempotent(req.Method) {
		return next(ctx, req)
	}
	if err := makeReplayable(req); err != nil {
		return nil, err
	}

	key := Key(req)
	span := trace.SpanFromContext(ctx)
	for attempt := 1; ; attempt++ {
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := next(ctx, req)
		reason, retry := r.decide(resp, err)
		if !retry {
			return resp, err
		}
		if attempt >= r.cfg.MaxAttempts {
			// the last response goes back untouched so its body is still readable
			if err != nil {
				return resp, errors.Join(err, ErrMaxRetriesExceeded)
			}
			return resp, nil
		}

		wait := r.delay(attempt, resp)
		discard(resp)

		r.cfg.Metrics.IncrementRetryAttempts(req.Method, key, reason)
		r.cfg.Logger.Debug("retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.String("reason", reason),
			zap.Duration("wait", wait),
		)
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("http.retry_attempt", attempt),
			attribute.String("http.retry_reason", reason),
		))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (r *RetryPolicy) decide(resp *http.Response, err error) (reason string, retry bool) {
	if r.cfg.ShouldRetry != nil {
		if err == nil && resp != nil {
			reason = observability.StatusCodeToReason(resp.StatusCode)
		} else {
			reason = "network_error"
		}
		return reason, r.cfg.ShouldRetry(resp, err)
	}
	if err != nil {
		return "network_error", r.cfg.RetryNetworkErrors && !Rejected(err)
	}
	if resp == nil || resp.Close {
		return "", false
	}
	if !slices.Contains(r.cfg.RetryableStatusCodes, resp.StatusCode) {
		return "", false
	}
	return observability.StatusCodeToReason(resp.StatusCode), true
}

// delay is the backoff for this attempt, stretched to the server's
// Retry-After when that is longer and within MaxRetryAfter.
func (r *RetryPolicy) delay(attempt int, resp *http.Response) time.Duration {
	wait := r.cfg.Backoff.Next(attempt - 1)
	if r.cfg.MaxRetryAfter <= 0 || resp == nil {
		return wait
	}
	after, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now())
	if !ok {
		return wait
	}
	return min(max(wait, after), r.cfg.MaxRetryAfter)
}

func retryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0), true
	}
	return 0, false
}

// makeReplayable makes sure req.GetBody can rebuild the body.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	buf, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

// discard drains resp so the socket is positioned at the next response.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete,
		http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
