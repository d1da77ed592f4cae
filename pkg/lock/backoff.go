package lock

import (
	"time"

	mathrand "math/rand"
)

// CalculateBackoff returns how long to sleep before the given attempt.
// Attempts are 1-indexed for retries: attempt 0 is the initial try and gets
// no delay, attempt n waits InitialDelay·2^(n−1) capped at MaxDelay, plus
// jitter in [0, delay·JitterFactor) when enabled.
func CalculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := cfg.InitialDelay << (attempt - 1)
	if delay > cfg.MaxDelay || delay < cfg.InitialDelay {
		// The shift overflows for large attempts; either way the cap applies.
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		//nolint:gosec // jitter needs no cryptographic randomness
		delay += time.Duration(mathrand.Float64() * float64(delay) * cfg.GetJitterFactor())
	}

	return delay
}
