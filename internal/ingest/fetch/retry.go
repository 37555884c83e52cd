package fetch

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of a single page request. Delay grows
// exponentially from BaseDelay up to MaxDelay, with up to JitterFrac of
// random jitter added so synchronized workers do not hammer a recovering
// server in lockstep.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64
}

// DefaultRetryPolicy matches the engine-wide defaults; per-source
// max_retries overrides MaxAttempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		JitterFrac:  0.2,
	}
}

// Delay returns how long to sleep before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.JitterFrac > 0 {
		jitter := time.Duration(rand.Float64() * p.JitterFrac * float64(d))
		d += jitter
	}
	return d
}
