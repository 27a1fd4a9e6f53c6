package backoff

import (
	"math/rand"
	"time"
)

// Schedule maps the number of attempts already executed to the delay before
// the next one becomes eligible.
type Schedule func(attempt int) time.Duration

// Exponential returns base<<attempt capped at cap, with jitter in
// [-25%, +25%) of the capped delay. Ignoring jitter the delays are
// non-decreasing across attempts.
func Exponential(base, cap time.Duration) Schedule {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		d := base
		// Shift with overflow guard; 1<<20 steps is already past any cap.
		for i := 0; i < attempt && i < 20; i++ {
			d *= 2
			if d >= cap {
				d = cap
				break
			}
		}
		if d > cap {
			d = cap
		}
		return jitter(d)
	}
}

// Fixed returns the same delay for every attempt.
func Fixed(d time.Duration) Schedule {
	return func(int) time.Duration { return jitter(d) }
}

// Default mirrors the email pipeline's policy: 1 minute doubling per retry,
// capped at 15 minutes.
func Default() Schedule {
	return Exponential(time.Minute, 15*time.Minute)
}

// jitter spreads d by ±25% so contending retries don't thunder together.
func jitter(d time.Duration) time.Duration {
	if d < 2 {
		return d
	}
	return d - d/4 + time.Duration(rand.Int63n(int64(d/2)))
}
