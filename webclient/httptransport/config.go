package httptransport

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/seb7887/netclient/backoff"
	"github.com/seb7887/netclient/observability"
	"github.com/seb7887/netclient/policy"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultChunkSize = 32 * 1024

// Config configures the HTTP transport and the policies wrapped around every
// round trip.
type Config struct {
	// ChunkSize is the maximum content size of one snapshot. Default: 32 KiB.
	ChunkSize int `mapstructure:"chunk_size"`

	// RequestTimeout bounds writing a request and reading the response head.
	// Zero disables the timeout policy.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxConcurrent caps requests on the wire per host. Zero disables the
	// bulkhead.
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// BulkheadWait lets a request queue this long for a bulkhead slot.
	BulkheadWait time.Duration `mapstructure:"bulkhead_wait"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Retry          RetryConfig          `mapstructure:"retry"`

	// Tracing wraps round trips in OpenTelemetry spans.
	Tracing bool `mapstructure:"tracing"`

	// InsecureSkipVerify disables certificate verification for https.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// CircuitBreakerConfig enables a per-host circuit breaker.
type CircuitBreakerConfig struct {
	Enabled                     bool `mapstructure:"enabled"`
	policy.CircuitBreakerConfig `mapstructure:",squash"`
}

// RetryConfig enables retrying on retryable status codes.
type RetryConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	MaxAttempts    int            `mapstructure:"max_attempts"`
	Backoff        backoff.Config `mapstructure:"backoff"`
	OnlyIdempotent bool           `mapstructure:"only_idempotent"`
	MaxRetryAfter  time.Duration  `mapstructure:"max_retry_after"`
}

// Defaults returns the dotted-key defaults under prefix, for cfgmng.WithDefaults.
func Defaults(prefix string) map[string]any {
	return map[string]any{
		prefix + ".chunk_size":                        defaultChunkSize,
		prefix + ".request_timeout":                   30 * time.Second,
		prefix + ".max_concurrent":                    0,
		prefix + ".bulkhead_wait":                     0,
		prefix + ".circuit_breaker.enabled":           false,
		prefix + ".circuit_breaker.error_threshold":   50,
		prefix + ".circuit_breaker.min_requests":      10,
		prefix + ".circuit_breaker.sleep_window":      5 * time.Second,
		prefix + ".circuit_breaker.success_threshold": 2,
		prefix + ".circuit_breaker.half_open_probes":  1,
		prefix + ".circuit_breaker.interval":          0,
		prefix + ".retry.enabled":                     false,
		prefix + ".retry.max_attempts":                3,
		prefix + ".retry.only_idempotent":             true,
		prefix + ".retry.max_retry_after":             10 * time.Second,
		prefix + ".tracing":                           false,
		prefix + ".insecure_skip_verify":              false,
	}
}

type options struct {
	logger   *zap.Logger
	metrics  *observability.MetricsCollector
	tracer   trace.TracerProvider
	tls      *tls.Config
	dialer   *net.Dialer
	clientID string
}

// Option configures the transports built by NewConstructor.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records round trip, retry, breaker and bulkhead metrics.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracerProvider enables tracing with provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithTLSConfig sets the TLS configuration for https targets.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d *net.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClientID sends id as X-Client-Id on every request.
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}
