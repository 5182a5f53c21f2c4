package channel

import "time"

// Backoff computes reconnect delays as min(Base*2^attempt, Cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is 1s doubling up to 10s.
var DefaultBackoff = Backoff{Base: time.Second, Cap: 10 * time.Second}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}
