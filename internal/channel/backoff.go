package channel

import (
	"math"
	"time"
)

// retryDelay returns the exponential backoff delay before the next delivery
// attempt, capped at max.
func retryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if max > 0 && d > max {
		d = max
	}
	return d
}
