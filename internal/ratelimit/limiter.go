// Package ratelimit implements the single global token bucket shared by
// every ML read and CA write (spec.md §4.8, §5). It wraps
// golang.org/x/time/rate with a secondary rolling-minute guard, since
// rate.Limiter alone only bounds burst+refill, not a independent per-minute
// ceiling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// BucketCapacity and RefillPerSecond give the ≤9 req/s burst of
	// spec.md §4.8.
	BucketCapacity   = 9
	RefillPerSecond  = 9
	// SustainedPerMinute is the secondary ≤540 req/min guard.
	SustainedPerMinute = 540
)

// Limiter is the process-wide singleton created at startup and passed
// explicitly to the ML and CA HTTP clients (spec.md §9 "Design Notes").
type Limiter struct {
	burst *rate.Limiter

	mu       sync.Mutex
	window   time.Time
	count    int
	perMinute int
}

// New constructs the shared limiter with the spec's default dimensions.
func New() *Limiter {
	return NewWithConfig(RefillPerSecond, BucketCapacity, SustainedPerMinute)
}

// NewWithConfig allows an operator-tunable rate-limit interval (spec.md §6
// "a rate-limit interval").
func NewWithConfig(refillPerSecond, burstCapacity, perMinute int) *Limiter {
	return &Limiter{
		burst:     rate.NewLimiter(rate.Limit(refillPerSecond), burstCapacity),
		perMinute: perMinute,
	}
}

// Wait blocks until a token is available under both the burst bucket and
// the sustained per-minute guard. Acquisition is FIFO-fair on the burst
// bucket (spec.md §5); the per-minute guard is checked after, so it never
// reorders waiters relative to each other.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.burst.Wait(ctx); err != nil {
		return err
	}
	return l.waitSustained(ctx)
}

func (l *Limiter) waitSustained(ctx context.Context) error {
	for {
		wait, ok := l.tryReserveSustained()
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Limiter) tryReserveSustained() (wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.window.IsZero() || now.Sub(l.window) >= time.Minute {
		l.window = now
		l.count = 0
	}
	if l.count < l.perMinute {
		l.count++
		return 0, true
	}
	return time.Minute - now.Sub(l.window), false
}

// Tokens reports the current burst-bucket token estimate, for metrics
// (internal/metrics gauges the backpressure signal of spec.md §5).
func (l *Limiter) Tokens() float64 {
	return l.burst.Tokens()
}
