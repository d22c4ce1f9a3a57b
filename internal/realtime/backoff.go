package realtime

import (
	"math"
	"time"
)

// Backoff is the reconnect schedule of a channel.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	// JitterFactor scales the uniform jitter added on top of the capped delay.
	JitterFactor float64
	// FallbackAfter is the retry count at which fallback polling switches on.
	FallbackAfter int
}

// DefaultBackoff is 1s doubling up to 30s, with up to 10% jitter, and
// fallback polling after 3 consecutive failures.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:          time.Second,
		Factor:        2,
		Max:           30 * time.Second,
		JitterFactor:  0.1,
		FallbackAfter: 3,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.JitterFactor < 0 {
		b.JitterFactor = 0
	}
	if b.FallbackAfter <= 0 {
		b.FallbackAfter = d.FallbackAfter
	}
	return b
}

// BaseDelay is min(Max, Base * Factor^retryCount), without jitter.
func (b Backoff) BaseDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := float64(b.Base) * math.Pow(b.Factor, float64(retryCount))
	if delay > float64(b.Max) || math.IsInf(delay, 1) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}

// Delay applies jitter to BaseDelay. u must be in [0, 1).
func (b Backoff) Delay(retryCount int, u float64) time.Duration {
	base := b.BaseDelay(retryCount)
	return base + time.Duration(float64(base)*b.JitterFactor*u)
}
