package dlq

import (
	"math"
	"math/rand"
	"time"
)

// backoffFor computes base·2^(attempt-1), capped at maxBackoff, with an
// optional uniform ±25% jitter. attempt is 1-indexed (the first retry after
// the initial failure uses attempt=1). This is the same exponential-backoff
// shape as the teacher's retry.calculateBackoff, generalized from a
// multiplier/initial-backoff pair to the spec's literal base/max_backoff
// terms and a fixed ±25% jitter band (§8) instead of a configurable
// fraction.
func backoffFor(base, maxBackoff time.Duration, attempt int, jitter bool) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	if jitter {
		// uniform in [0.75, 1.25] * d, per §8's jitter invariant.
		d *= 0.75 + rand.Float64()*0.5 //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(d)
}
