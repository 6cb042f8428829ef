package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy computes restart delays. With Max <= Base the delay is constant.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, e.g. 0.2 for +/- 20%
}

func (p Policy) Delay(attempt int) time.Duration {
	if p.Max <= p.Base {
		return jitter(p.Base, p.Jitter)
	}
	return ExponentialJitter(p.Base, p.Max, attempt, p.Jitter)
}

func ExponentialJitter(base, max time.Duration, attempt int, fraction float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	mul := math.Pow(2, float64(attempt-1))
	d := min(time.Duration(float64(base)*mul), max)
	return jitter(d, fraction)
}

func jitter(d time.Duration, fraction float64) time.Duration {
	j := time.Duration(float64(d) * fraction)
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int64N(int64(2*j)))
}
