package recovery

import (
	"math"
	"math/rand"
	"time"
)

// Backoff tuning. delay = min(base · multiplier^attempt, max) with additive
// jitter uniformly drawn from [−jitterFactor·delay, +jitterFactor·delay],
// clamped to ≥ 0.
const (
	backoffBase       = 1000 * time.Millisecond
	backoffMultiplier = 2.0
	backoffMax        = 30 * time.Second
	jitterFactor      = 0.2
)

// Backoff computes the retry delay for the given attempt (0-based).
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(backoffBase) * math.Pow(backoffMultiplier, float64(attempt))
	if delay > float64(backoffMax) {
		delay = float64(backoffMax)
	}

	jitter := (rand.Float64()*2 - 1) * jitterFactor * delay
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
