package dispatch

import (
	"math/rand"
	"time"
)

// NextRetryDelay computes the wait before retry number `attempts` (1-based):
// base * 2^attempts seconds, capped, with proportional jitter so a burst of
// failures does not retry in lockstep.
func NextRetryDelay(attempts int, base, cap time.Duration, jitterFrac float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}

	if jitterFrac > 0 {
		span := float64(delay) * jitterFrac
		delay += time.Duration((rand.Float64()*2 - 1) * span)
		if delay < 0 {
			delay = 0
		}
	}

	if delay > cap {
		delay = cap
	}
	return delay
}
