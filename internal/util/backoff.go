package util

import (
	"math"
	"time"
)

// CalculateExponentialBackoff computes baseDelay * multiplier^attempt, capped
// at maxDelay. attempt is zero-based.
func CalculateExponentialBackoff(attempt int, baseDelay, maxDelay time.Duration, multiplier float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if multiplier <= 1 {
		multiplier = 2
	}

	backoff := float64(baseDelay) * math.Pow(multiplier, float64(attempt))
	if backoff > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(backoff)
}

// Jitter adds a time-seeded pseudo-random offset in [0, max). Avoids pulling
// in math/rand for a non-security use.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(max))
}
