package backoff

import (
	"fmt"
	"time"
)

// Backoff defines a strategy for calculating the delay between connection attempts.
// Implementations must be safe for concurrent use: a single strategy is shared by
// every connection created by a runtime.
type Backoff interface {
	// Next calculates the delay before the next attempt.
	// The retry parameter is the number of attempts that already failed minus one (0-indexed).
	Next(retry int) time.Duration
}

// Func adapts an ordinary function to the Backoff interface.
type Func func(retry int) time.Duration

// Next calls f(retry).
func (f Func) Next(retry int) time.Duration {
	return f(retry)
}

// None never waits between attempts. Mostly useful in tests.
var None Backoff = Func(func(int) time.Duration { return 0 })

// Kind names a backoff strategy in configuration files.
type Kind string

const (
	KindConstant    Kind = "constant"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
	KindNone        Kind = "none"
)

// Config describes a backoff strategy in a form that can be loaded from configuration.
type Config struct {
	Kind    Kind          `mapstructure:"kind"`
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
	Factor  float64       `mapstructure:"factor"`
	Jitter  bool          `mapstructure:"jitter"`
}

// New builds the strategy described by cfg.
// An empty Kind selects exponential backoff with the package defaults.
func New(cfg Config) (Backoff, error) {
	switch cfg.Kind {
	case "", KindExponential:
		b := NewExponentialBackoff()
		if cfg.Initial > 0 {
			b.Initial = cfg.Initial
		}
		if cfg.Max > 0 {
			b.Max = cfg.Max
		}
		if cfg.Factor > 0 {
			b.Factor = cfg.Factor
		}
		b.Jitter = cfg.Jitter
		return b, nil
	case KindConstant:
		return NewConstantBackoff(cfg.Initial), nil
	case KindLinear:
		b := NewLinearBackoff(cfg.Initial)
		b.Max = cfg.Max
		return b, nil
	case KindNone:
		return None, nil
	default:
		return nil, fmt.Errorf("backoff: unknown kind %q", cfg.Kind)
	}
}
