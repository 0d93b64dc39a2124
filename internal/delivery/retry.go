package delivery

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy computes the wait before the next attempt of a task.
type RetryPolicy struct {
	Base      time.Duration
	Max       time.Duration
	JitterPct float64 // +/- fraction applied to the delay, 0 disables; the result never exceeds Max
	// Rand returns values in [0,1). Defaults to math/rand; fix it for a
	// deterministic schedule.
	Rand func() float64
}

// Delay returns Base*2^(attempt-1) with jitter applied, capped at Max. attempt
// is 1-based: the attempt that just failed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt && (p.Max <= 0 || d < p.Max); i++ {
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.JitterPct <= 0 {
		return d
	}

	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	// jitter: +/- JitterPct
	j := 1 + (r()*2-1)*p.JitterPct
	if j < 0.1 {
		j = 0.1
	}
	if jittered := float64(d) * j; jittered >= math.MaxInt64 {
		d = math.MaxInt64
	} else {
		d = time.Duration(jittered)
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}
