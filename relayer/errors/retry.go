package errors

import (
	"math"
	"time"
)

// BackoffPolicy configures the delay between retries of a failed record
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoffPolicy returns the default backoff policy
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before the next attempt after `attempt` failures.
// attempt <= 1 yields InitialDelay; the result never exceeds MaxDelay.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	if attempt <= 1 {
		return capDelay(p.InitialDelay, p.MaxDelay)
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func capDelay(delay, max time.Duration) time.Duration {
	if max > 0 && delay > max {
		return max
	}
	return delay
}
