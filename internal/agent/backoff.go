// ABOUTME: Exponential reconnect delay with jitter, reset after a successful handshake.

package agent

import (
	"math/rand/v2"
	"time"
)

type backoff struct {
	min, max time.Duration
	next     time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max, next: min}
}

// Next returns the delay to wait now and doubles the following one.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	// up to 20% jitter, never below min
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j))
	}
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *backoff) Reset() {
	b.next = b.min
}
