package worker

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter doubles the base delay per attempt, caps it at max, and
// randomizes within [wait/2, wait) to spread retries across workers.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
