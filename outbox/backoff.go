package outbox

import "time"

// Backoff returns an exponential delay: base * 2^min(attempts, 10), capped at
// max. Monotonic in attempts.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	delay := base * (1 << uint(attempts))
	if delay > max {
		return max
	}
	return delay
}
