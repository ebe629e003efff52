package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry defaults.
const (
	DefaultMultiplier  = 2.0
	DefaultMaxInterval = time.Hour
)

// RetryPolicy computes the wait before the next attempt:
// base * Multiplier^(attempt-1), capped at MaxInterval.
type RetryPolicy struct {
	Multiplier  float64
	MaxInterval time.Duration
}

// DefaultRetryPolicy returns the doubling policy capped at one hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Multiplier: DefaultMultiplier, MaxInterval: DefaultMaxInterval}
}

// Delay returns the backoff after the given failed attempt (1-based). A
// larger hint, such as a receiver's Retry-After, wins.
func (p RetryPolicy) Delay(base time.Duration, attempt int, hint time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = DefaultMultiplier
	}
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = DefaultMaxInterval
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          mult,
		MaxInterval:         maxInterval,
	}
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return max(d, hint)
}
