package api

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays without overflowing at high
// attempt counts. The agent is intended to be long-running; during an
// extended service issue the attempt counter can grow unbounded, so once
// the exponential curve has saturated the cap we draw uniformly from
// [0.8*cap, cap] instead of exponentiating further.
type Backoff struct {
	maxBackoff    float64
	logVal        float64
	randomBetween func(low, high float64) float64
}

// DefaultMaxBackoff is the retry delay cap used for all dispatch
// service operations.
const DefaultMaxBackoff = 30 * time.Second

// NewBackoff creates a Backoff with the given delay cap
func NewBackoff(maxBackoff time.Duration) *Backoff {
	return &Backoff{
		maxBackoff: maxBackoff.Seconds(),
		logVal:     math.Log2(maxBackoff.Seconds()),
		randomBetween: func(low, high float64) float64 {
			return low + rand.Float64()*(high-low)
		},
	}
}

// Delay returns the backoff delay for the given zero-based attempt
func (b *Backoff) Delay(attempt int) time.Duration {
	var seconds float64
	if float64(attempt) <= b.logVal*2 {
		seconds = math.Min(b.maxBackoff, b.randomBetween(0, 1)*math.Exp2(float64(attempt)))
	} else {
		seconds = b.randomBetween(0.8*b.maxBackoff, b.maxBackoff)
	}
	return time.Duration(seconds * float64(time.Second))
}

// DelayWithLowerBound returns the backoff delay for the attempt, raised
// to at least the service-supplied retry-after hint. A small jitter (up
// to 20% of the bound) is added on top of the bound to avoid a fleet of
// workers retry-storming in lock-step.
func (b *Backoff) DelayWithLowerBound(attempt int, retryAfterSeconds int) time.Duration {
	delay := b.Delay(attempt)
	if retryAfterSeconds <= 0 {
		return delay
	}
	lowerBound := time.Duration(retryAfterSeconds) * time.Second
	if delay >= lowerBound {
		return delay
	}
	jitter := b.randomBetween(0, 0.2*lowerBound.Seconds())
	return lowerBound + time.Duration(jitter*float64(time.Second))
}

// sleep waits for the given duration, returning early with false when
// the interrupt channel is closed. A nil interrupt never fires.
func sleep(d time.Duration, interrupt <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-interrupt:
		return false
	}
}
