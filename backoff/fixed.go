package backoff

import "time"

// ConstantBackoff waits Interval before every reconnect.
type ConstantBackoff struct {
	Interval time.Duration
}

func NewConstantBackoff(interval time.Duration) *ConstantBackoff {
	return &ConstantBackoff{Interval: interval}
}

func (c *ConstantBackoff) Next(int) time.Duration { return c.Interval }

// LinearBackoff waits Interval more after every failed attempt: Interval,
// 2*Interval, 3*Interval... up to Max when Max is positive.
type LinearBackoff struct {
	Interval time.Duration
	Max      time.Duration
}

func NewLinearBackoff(interval time.Duration) *LinearBackoff {
	return &LinearBackoff{Interval: interval}
}

func (l *LinearBackoff) Next(retry int) time.Duration {
	d := l.Interval * time.Duration(max(retry, 0)+1)
	if l.Max > 0 {
		d = min(d, l.Max)
	}
	return d
}
