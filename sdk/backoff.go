package sdk

import "time"

// Backoff returns the delay before reconnect attempt n (counting from zero):
// min(base*2^n + jitter*base, limit). jitter is expected in [0, 1).
func Backoff(n int, base, limit time.Duration, jitter float64) time.Duration {
	n = min(max(n, 0), 30)
	d := base<<n + time.Duration(jitter*float64(base))
	if d <= 0 || d > limit {
		return limit
	}
	return d
}
