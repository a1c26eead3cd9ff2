package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff holds reconnect timing.
type Backoff struct {
	InitialWait time.Duration // Wait before the first retry
	MaxWait     time.Duration // Upper bound of any wait
	Multiplier  float64       // Growth per attempt
	Jitter      float64       // Jitter factor (0-1)

	attempt int
}

// NewBackoff returns a Backoff doubling from initial up to max with 10% jitter.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		InitialWait: initial,
		MaxWait:     max,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Next returns the wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	wait := float64(b.InitialWait) * math.Pow(b.Multiplier, float64(b.attempt-1))
	if b.MaxWait > 0 && wait > float64(b.MaxWait) {
		wait = float64(b.MaxWait)
	}
	if b.Jitter > 0 {
		jitter := wait * b.Jitter * (rand.Float64()*2 - 1)
		wait += jitter
	}
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait)
}

// Attempts returns how many waits were handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset starts over from InitialWait.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Wait sleeps for Next or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
