package outbox

import (
	"math"
	"time"
)

const maxShift = 62

// Backoff returns base * 2^(attempts-1), capped at limit. attempts is the
// number of failures so far (1 for the first retry).
func Backoff(base, limit time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	} else if shift > maxShift {
		shift = maxShift
	}
	multiplier := int64(1) << shift

	d := time.Duration(math.MaxInt64)
	if int64(base) <= math.MaxInt64/multiplier {
		d = time.Duration(int64(base) * multiplier)
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
