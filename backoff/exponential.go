package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// ExponentialBackoff waits Initial * Factor^retry, capped at Max. With Jitter
// the wait is drawn uniformly from [0, that], so connections to a peer that
// just came back do not reconnect in lockstep.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration

	// Factor defaults to 2.
	Factor float64
	Jitter bool
}

// NewExponentialBackoff returns 100ms doubling up to 30s, with jitter.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  true,
	}
}

func (e *ExponentialBackoff) Next(retry int) time.Duration {
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}

	d := float64(e.Initial) * math.Pow(factor, float64(max(retry, 0)))
	if e.Max > 0 {
		d = min(d, float64(e.Max))
	}
	if e.Jitter {
		d *= rand.Float64()
	}
	return time.Duration(d)
}
