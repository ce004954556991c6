package wstransport

import (
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	defaultChunkSize    = 32 * 1024
	defaultCloseTimeout = 5 * time.Second
)

// Config configures the WebSocket transport.
type Config struct {
	// ChunkSize is the maximum content size of one snapshot. Default: 32 KiB.
	ChunkSize int `mapstructure:"chunk_size"`

	// ReadLimit caps the size of one incoming message. Zero means no limit.
	ReadLimit int64 `mapstructure:"read_limit"`

	// CloseTimeout bounds waiting for the peer's close frame. Default: 5s.
	CloseTimeout time.Duration `mapstructure:"close_timeout"`

	Subprotocols       []string `mapstructure:"subprotocols"`
	EnableCompression  bool     `mapstructure:"enable_compression"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
}

// Defaults returns the dotted-key defaults under prefix, for cfgmng.WithDefaults.
func Defaults(prefix string) map[string]any {
	return map[string]any{
		prefix + ".chunk_size":           defaultChunkSize,
		prefix + ".read_limit":           0,
		prefix + ".close_timeout":        defaultCloseTimeout,
		prefix + ".enable_compression":   false,
		prefix + ".insecure_skip_verify": false,
	}
}

type options struct {
	logger *zap.Logger
	tls    *tls.Config
	dialer *net.Dialer
}

// Option configures the transports built by NewConstructor.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTLSConfig sets the TLS configuration for wss targets.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d *net.Dialer) Option {
	return func(o *options) { o.dialer = d }
}
