package lock

import "time"

// DefaultJitterFactor is the proportion of the delay added as random jitter
// when a RetryConfig does not set one.
const DefaultJitterFactor = 0.5

// RetryConfig describes an exponential-backoff retry policy. The Redis
// locker uses it for acquisition retries; the wiki client uses the same
// policy shape for upstream fetches.
type RetryConfig struct {
	// MaxAttempts caps the total number of attempts.
	MaxAttempts int

	// InitialDelay is the delay before the first retry; each further retry
	// doubles it.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter spreads retries out with a random additive component so callers
	// waiting on the same resource do not retry in lockstep.
	Jitter bool

	// JitterFactor is the maximum fraction of the delay added as jitter.
	// Zero or negative means DefaultJitterFactor.
	JitterFactor float64
}

// GetJitterFactor returns the configured jitter factor, or the default when
// unset.
func (c RetryConfig) GetJitterFactor() float64 {
	if c.JitterFactor <= 0 {
		return DefaultJitterFactor
	}

	return c.JitterFactor
}

// DefaultRetryConfig is the policy the cache locker starts from.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
		JitterFactor: DefaultJitterFactor,
	}
}
