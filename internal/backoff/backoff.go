// Package backoff computes retry delays: exponential growth from an initial
// delay with proportional jitter, capped at a maximum.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes the delay curve. Attempts count from 1.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the fraction of the computed delay added at random, 0 to 1.
	Jitter float64
}

// Default suits provider and bus retries: quick first retry, capped growth.
func Default() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Gentle spaces attempts further apart for endpoints that rate limit.
func Gentle() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: time.Minute, Factor: 2.5, Jitter: 0.2}
}

// Delay returns the wait before the given attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1))
	d += d * p.Jitter * random
	if cap := float64(p.Max); d > cap {
		d = cap
	}
	return time.Duration(d)
}

// Sleep waits out the attempt's delay. It returns ctx.Err() when the
// context ends first.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	return Wait(ctx, p.Delay(attempt))
}

// Wait blocks for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
