// Package retry provides capped exponential backoff shared by the
// registration machine and the stream session supervisor.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential delays. The jitter factor is drawn once
// per Backoff, so one session's delays never shrink between attempts while
// different sessions still spread out.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	factor     float64
}

// New returns a Backoff whose delays are scaled down by a random fraction in
// [0, jitter).
func New(initial, max time.Duration, multiplier float64, jitter float64) *Backoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	if multiplier < 1 {
		multiplier = 2
	}
	if multiplier > 1000 {
		multiplier = 1000
	}
	factor := 0.0
	if jitter > 0 {
		if jitter >= 1 {
			jitter = 0.99
		}
		factor = rand.Float64() * jitter
	}
	return &Backoff{Initial: initial, Max: max, Multiplier: multiplier, factor: factor}
}

// Delay returns the wait before retry number attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if math.IsInf(raw, 0) || raw > float64(b.Max) {
		raw = float64(b.Max)
	}
	return time.Duration(raw * (1 - b.factor))
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
