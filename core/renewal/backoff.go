package renewal

import (
	"math"
	"time"
)

// backoffDelay computes the exponential retry delay for the given attempt
// (1-based): base doubled per failed attempt, capped at max. Overflow falls
// back to max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	shift := uint(attempt - 1)
	if shift >= 62 {
		return max
	}

	factor := int64(1) << shift
	if factor > math.MaxInt64/int64(base) {
		return max
	}

	delay := base * time.Duration(factor)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
