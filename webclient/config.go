package webclient

import (
	"runtime"
	"time"

	"github.com/seb7887/netclient/backoff"
	"github.com/seb7887/netclient/logging"
)

// Config is the runtime configuration. Zero fields fall back to DefaultConfig.
type Config struct {
	// ClientID identifies this process to servers (X-Client-Id on HTTP).
	ClientID string `mapstructure:"client_id"`

	Pool       PoolConfig       `mapstructure:"pool"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Log        logging.Config   `mapstructure:"log"`
}

// PoolConfig bounds the idle connections kept per target.
type PoolConfig struct {
	// Capacity is the maximum number of idle connections per target.
	Capacity int `mapstructure:"capacity"`

	// IdleTTL evicts connections idle for longer. Zero keeps them forever.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`

	// Janitor runs a background sweep every IdleTTL/2.
	Janitor bool `mapstructure:"janitor"`
}

// ConnectionConfig drives the handshake and teardown of each connection.
type ConnectionConfig struct {
	// MaxAttempts is the handshake budget, the first attempt included.
	MaxAttempts int `mapstructure:"max_attempts"`

	// Backoff spaces the attempts.
	Backoff backoff.Config `mapstructure:"backoff"`

	// DialTimeout bounds a single handshake attempt.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// ShutdownTimeout bounds the graceful close performed by Close and Shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatchConfig sizes the worker pool running receivers.
type DispatchConfig struct {
	Workers int `mapstructure:"workers"`
	Queue   int `mapstructure:"queue"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		Pool: PoolConfig{
			Capacity: 4,
			IdleTTL:  90 * time.Second,
			Janitor:  true,
		},
		Connection: ConnectionConfig{
			MaxAttempts: 3,
			Backoff: backoff.Config{
				Kind:    backoff.KindExponential,
				Initial: 100 * time.Millisecond,
				Max:     5 * time.Second,
				Factor:  2,
				Jitter:  true,
			},
			DialTimeout:     10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Dispatch: DispatchConfig{
			Workers: runtime.NumCPU(),
			Queue:   256,
		},
		Log: logging.DefaultConfig(),
	}
}

// Defaults returns the dotted-key defaults, for cfgmng.WithDefaults.
func Defaults() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		"client_id":                   d.ClientID,
		"pool.capacity":               d.Pool.Capacity,
		"pool.idle_ttl":               d.Pool.IdleTTL,
		"pool.janitor":                d.Pool.Janitor,
		"connection.max_attempts":     d.Connection.MaxAttempts,
		"connection.backoff.kind":     string(d.Connection.Backoff.Kind),
		"connection.backoff.initial":  d.Connection.Backoff.Initial,
		"connection.backoff.max":      d.Connection.Backoff.Max,
		"connection.backoff.factor":   d.Connection.Backoff.Factor,
		"connection.backoff.jitter":   d.Connection.Backoff.Jitter,
		"connection.dial_timeout":     d.Connection.DialTimeout,
		"connection.shutdown_timeout": d.Connection.ShutdownTimeout,
		"dispatch.workers":            d.Dispatch.Workers,
		"dispatch.queue":              d.Dispatch.Queue,
		"log.level":                   d.Log.Level,
		"log.format":                  d.Log.Format,
		"log.output":                  d.Log.Output,
		"log.file.path":               d.Log.File.Path,
		"log.file.max_size_mb":        d.Log.File.MaxSizeMB,
		"log.file.max_backups":        d.Log.File.MaxBackups,
		"log.file.max_age_days":       d.Log.File.MaxAgeDays,
		"log.file.compress":           d.Log.File.Compress,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Pool.Capacity <= 0 {
		c.Pool.Capacity = d.Pool.Capacity
	}
	if c.Pool.IdleTTL < 0 {
		c.Pool.IdleTTL = 0
	}
	if c.Connection.MaxAttempts <= 0 {
		c.Connection.MaxAttempts = d.Connection.MaxAttempts
	}
	if c.Connection.DialTimeout <= 0 {
		c.Connection.DialTimeout = d.Connection.DialTimeout
	}
	if c.Connection.ShutdownTimeout <= 0 {
		c.Connection.ShutdownTimeout = d.Connection.ShutdownTimeout
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = d.Dispatch.Workers
	}
	if c.Dispatch.Queue <= 0 {
		c.Dispatch.Queue = d.Dispatch.Queue
	}
	return c
}
