package outbox

import "time"

// Default retry schedule.
const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 300 * time.Second
)

// Backoff returns the delay after the attempt-th consecutive failure:
// min(base × 2^(attempt−1), max). Attempts below 1 are treated as 1.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}
