// Package backoff provides the exponential retry delay policy shared by the
// sync state machine and the realtime reconnect scheduler. Both follow the
// same curve so a flaky backend is retried at one rate, not two.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes retry delays: Base doubled per attempt, capped at Cap,
// with a ±Jitter fraction of randomization to avoid thundering herds.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// Default returns the standard policy: 1s base, 30s cap, ±10% jitter.
func Default() Policy {
	return Policy{
		Base:   time.Second,
		Cap:    30 * time.Second,
		Jitter: 0.1,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	if d > p.Cap {
		d = p.Cap
	}

	if p.Jitter > 0 {
		// Scale by a factor in [1-Jitter, 1+Jitter].
		factor := 1 + (rand.Float64()*2-1)*p.Jitter
		d = time.Duration(float64(d) * factor)
	}

	return d
}
