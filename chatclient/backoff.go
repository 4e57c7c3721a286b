package chatclient

import (
	"math/rand/v2"
	"time"
)

// backoff produces exponentially growing reconnect delays with jitter,
// capped at max. Not safe for concurrent use.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, max: max}
}

// next returns the delay before the upcoming attempt and advances the counter.
func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}

	// Up to 25% jitter so a fleet of clients does not redial in lockstep.
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	return d + jitter
}

func (b *backoff) reset() {
	b.attempt = 0
}
