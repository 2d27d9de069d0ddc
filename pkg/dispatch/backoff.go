package dispatch

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy computes the delay before submission retry attempt n
// (1-indexed; attempt 1 is the first retry after the initial failure).
// Strategies are stateless and safe for concurrent use.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff waits the same interval before every retry.
type ConstantBackoff struct {
	Interval time.Duration
}

func (c ConstantBackoff) Delay(_ int) time.Duration {
	return c.Interval
}

// ExponentialBackoff doubles the delay each attempt, capped at Max.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// JitterBackoff draws a random delay in [0, min(Initial*2^(attempt-1),
// Max)]. Full jitter keeps simultaneous retries from herding.
type JitterBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (j JitterBackoff) Delay(attempt int) time.Duration {
	base := float64(j.Initial) * math.Pow(2, float64(attempt-1))
	if j.Max > 0 && base > float64(j.Max) {
		base = float64(j.Max)
	}
	return time.Duration(rand.Float64() * base)
}

// DefaultBackoff is the submission retry default: full jitter over an
// exponential base of 500ms, capped at 10s.
func DefaultBackoff() BackoffStrategy {
	return JitterBackoff{Initial: 500 * time.Millisecond, Max: 10 * time.Second}
}
