package queue

import (
	"time"

	"github.com/deadonfilm/enrich-cli/internal/resilience"
)

// Backoff returns the delay before retry number attempt (starting at 1):
// base × 2^(attempt-1), capped at max. A zero base retries immediately.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return resilience.ExponentialBackoff(attempt, base, max, 2)
}
