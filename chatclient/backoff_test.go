package chatclient

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)

	for i := 0; i < 10; i++ {
		d := b.next()
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", i, d)
		}
		// Jitter adds at most 25% on top of the capped base.
		if d > time.Second+time.Second/4 {
			t.Fatalf("attempt %d: delay %v exceeds cap with jitter", i, d)
		}
	}
	if b.attempt == 0 {
		t.Fatalf("attempt counter never advanced")
	}
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)

	for i := 0; i < 6; i++ {
		b.next()
	}
	b.reset()

	d := b.next()
	// Back to the base (plus at most 25% jitter).
	if d > 125*time.Millisecond {
		t.Fatalf("after reset: delay %v, want <= 125ms", d)
	}
}

func TestBackoffDefaultsOnBadInput(t *testing.T) {
	b := newBackoff(0, -1)
	if b.base <= 0 || b.max < b.base {
		t.Fatalf("defaults not applied: base=%v max=%v", b.base, b.max)
	}
}
