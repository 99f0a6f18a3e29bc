package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetrySettings shapes the backoff applied after consecutive retryable
// failures of a group.
type RetrySettings struct {
	// InitialInterval is the wait after the first failure.
	InitialInterval time.Duration
	// MaxInterval caps the wait between attempts.
	MaxInterval time.Duration
	Multiplier  float64
	// RandomizationFactor spreads each wait by +/- this fraction.
	RandomizationFactor float64
	// MaxAttempts is the number of consecutive failures after which the
	// failing batch is dropped and reported as failed. 0 retries forever.
	MaxAttempts int
}

func DefaultRetrySettings() RetrySettings {
	return RetrySettings{
		InitialInterval:     time.Second,
		MaxInterval:         5 * time.Minute,
		Multiplier:          backoff.DefaultMultiplier,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

func (rs RetrySettings) newBackOff(clock backoff.Clock) *backoff.ExponentialBackOff {
	// Do not use NewExponentialBackOff, it would call Reset before the
	// intervals below are applied.
	b := &backoff.ExponentialBackOff{
		InitialInterval:     rs.InitialInterval,
		RandomizationFactor: rs.RandomizationFactor,
		Multiplier:          rs.Multiplier,
		MaxInterval:         rs.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	b.Reset()
	return b
}

// nextDelay returns the wait before the next attempt, honoring the
// server supplied hint when it is longer.
func nextDelay(b *backoff.ExponentialBackOff, hint time.Duration) time.Duration {
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = b.MaxInterval
	}
	if hint > delay {
		delay = hint
	}
	return delay
}
