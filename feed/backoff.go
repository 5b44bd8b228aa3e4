package feed

import (
	"math"
	"math/rand"
	"time"

	"coinflow/config"
)

// Backoff computes reconnect delays: exponential growth from Initial to a
// hard Max, with up to Jitter fraction subtracted at random so synchronized
// clients do not reconnect in lockstep.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// NewBackoff builds a Backoff from configuration.
func NewBackoff(cfg config.BackoffConfig) Backoff {
	return Backoff{
		Initial:    cfg.InitialDelay,
		Max:        cfg.MaxDelay,
		Multiplier: cfg.Multiplier,
		Jitter:     cfg.Jitter,
	}
}

// Delay returns the wait before reconnect attempt n (0-based). The value
// never exceeds Max and never drops below (1-Jitter) of the exponential
// step.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	d := float64(b.Initial) * math.Pow(multiplier, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d -= rand.Float64() * b.Jitter * d
	}
	return time.Duration(d)
}
