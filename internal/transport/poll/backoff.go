package poll

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the wait before the next pull. With no failures it is the
// plain interval; each consecutive failure doubles it up to the ceiling, with jitter
// over the upper half.
type Backoff struct {
	interval time.Duration
	ceiling  time.Duration
}

// NewBackoff builds a Backoff. A ceiling below interval is raised to interval.
func NewBackoff(interval, ceiling time.Duration) Backoff {
	if ceiling < interval {
		ceiling = interval
	}
	return Backoff{interval: interval, ceiling: ceiling}
}

// Delay returns the wait after the given number of consecutive failures.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return b.interval
	}
	delay := float64(b.interval) * math.Pow(2, float64(failures))
	if delay > float64(b.ceiling) {
		delay = float64(b.ceiling)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}
