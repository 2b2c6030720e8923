package alfred

import (
	"math/rand"
	"time"
)

// RetryBackoff returns the delay for attempt i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
//
// Used by the daemon reconnect loop. Model calls are deliberately not
// retried anywhere: a failed turn surfaces to the operator, who restates
// the instruction. The rate limiter honors Retry-After instead, so the
// restated call does not hit the same quota window.
func RetryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
