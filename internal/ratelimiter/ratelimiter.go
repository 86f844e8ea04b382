// Package ratelimiter implements the token-bucket limiter that governs
// outbound order/cancel traffic to the destination venue: one bucket, one
// token per outbound order or cancel, continuous refill rather than bursty
// per-window resets.
package ratelimiter

import (
	"context"
	"sync"
	"time"

	"crossmm/internal/clock"
)

// Status is a point-in-time snapshot of the bucket's state.
type Status struct {
	Tokens      float64
	Capacity    float64
	RefillRate  float64
	Utilization float64 // 1 - tokens/capacity
}

// TokenBucket is a continuous-refill token bucket. Safe for concurrent use.
type TokenBucket struct {
	mu       sync.Mutex
	clock    clock.Clock
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// New creates a bucket with the given capacity and refill rate, starting
// full. A nil clock uses the real wall clock.
func New(capacity, ratePerSecond float64, c clock.Clock) *TokenBucket {
	if c == nil {
		c = clock.Real{}
	}
	return &TokenBucket{
		clock:    c,
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: c.Now(),
	}
}

func (tb *TokenBucket) refillLocked() {
	now := tb.clock.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now
	}
}

// TryAcquire refills based on elapsed time, then deducts n tokens if
// available. Returns whether the deduction succeeded.
func (tb *TokenBucket) TryAcquire(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Wait blocks cooperatively until n tokens can be deducted, waking at a
// granularity bounded by 100ms, or returns ctx.Err() if cancelled first.
func (tb *TokenBucket) Wait(ctx context.Context, n float64) error {
	for {
		tb.mu.Lock()
		tb.refillLocked()
		if tb.tokens >= n {
			tb.tokens -= n
			tb.mu.Unlock()
			return nil
		}

		deficit := n - tb.tokens
		wait := time.Duration(deficit / tb.rate * float64(time.Second))
		if wait > 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Status returns a snapshot useful for metrics/logging.
func (tb *TokenBucket) Status() Status {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()

	util := 0.0
	if tb.capacity > 0 {
		util = 1 - tb.tokens/tb.capacity
	}
	return Status{
		Tokens:      tb.tokens,
		Capacity:    tb.capacity,
		RefillRate:  tb.rate,
		Utilization: util,
	}
}
