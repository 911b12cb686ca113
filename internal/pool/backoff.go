package pool

import (
	"time"
)

// BackoffPolicy bounds worker re-creation after a failure. The delay before
// attempt n (zero based) is Base * 2^n, capped at Cap.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff is three attempts starting at one second.
var DefaultBackoff = BackoffPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 3}

// Delay returns the sleep before the given attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}
