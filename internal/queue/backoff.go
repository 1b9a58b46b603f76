package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// fullJitter returns a random delay in [0, min(base*2^(attempt-1), limit)].
func fullJitter(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	ceil := float64(base) * math.Pow(2, float64(attempt-1))
	if limit > 0 && ceil > float64(limit) {
		ceil = float64(limit)
	}
	return time.Duration(rand.Float64() * ceil) //nolint:gosec // jitter does not need crypto rand
}
