package feed

import (
	"testing"
	"time"
)

func TestBackoffGrowsToCap(t *testing.T) {
	b := Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2}

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := b.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}

	for attempt := 0; attempt < 8; attempt++ {
		base := Backoff{Initial: b.Initial, Max: b.Max, Multiplier: b.Multiplier}.Delay(attempt)
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			if d > base {
				t.Fatalf("Delay(%d) = %v exceeds un-jittered %v", attempt, d, base)
			}
			if float64(d) < 0.8*float64(base) {
				t.Fatalf("Delay(%d) = %v below jitter floor of %v", attempt, d, base)
			}
			if d > b.Max {
				t.Fatalf("Delay(%d) = %v exceeds cap", attempt, d)
			}
		}
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}
	if got := b.Delay(-3); got != time.Second {
		t.Errorf("Delay(-3) = %v, want initial", got)
	}
}

func TestBackoffDegenerateMultiplier(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 0.5}
	if got := b.Delay(4); got != time.Second {
		t.Errorf("multiplier below 1 must clamp to constant delay, got %v", got)
	}
}
