// Package ratelimit implements the per-key token-bucket limiters shared
// by the HTTP/LLM proxies and the tool-call guardrail, per spec.md §4.K.
//
// Grounded on pkg/kernel's limiter: kept the token-bucket
// math and the Limiter interface shape, dropped BackpressurePolicy's
// RPM/TPM/Burst struct in favor of the broker's simpler per-minute rate
// (the broker has no token-cost notion distinct from request count).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter abstracts the storage backing a rate limit decision so callers
// can swap the in-process bucket for the Redis-backed one without
// changing call sites.
type Limiter interface {
	// Allow reports whether key may perform one more action against a
	// limit of ratePerMinute, with burst capacity equal to ratePerMinute.
	Allow(ctx context.Context, key string, ratePerMinute int) (bool, error)
}

// ErrNoLimiter is returned by Check when no Limiter is configured; the
// broker fails closed rather than silently skipping the check.
var ErrNoLimiter = fmt.Errorf("ratelimit: no limiter configured")

// Check runs limiter.Allow and turns a false/err result into a uniform
// error, mirroring pkg/kernel's EvaluateBackpressure helper.
func Check(ctx context.Context, limiter Limiter, key string, ratePerMinute int) error {
	if limiter == nil {
		return ErrNoLimiter
	}
	allowed, err := limiter.Allow(ctx, key, ratePerMinute)
	if err != nil {
		return fmt.Errorf("ratelimit: check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("ratelimit: exceeded for %s", key)
	}
	return nil
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(ratePerMinute int) *tokenBucket {
	capacity := float64(ratePerMinute)
	if capacity <= 0 {
		capacity = 1
	}
	return &tokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: capacity / 60.0,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// InMemoryLimiter is a process-local fixed-capacity token bucket per key,
// suitable for single-instance deployments.
type InMemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewInMemoryLimiter builds an empty InMemoryLimiter.
func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{buckets: make(map[string]*tokenBucket)}
}

// Allow implements Limiter.
func (l *InMemoryLimiter) Allow(_ context.Context, key string, ratePerMinute int) (bool, error) {
	l.mu.Lock()
	tb, ok := l.buckets[key]
	if !ok {
		tb = newTokenBucket(ratePerMinute)
		l.buckets[key] = tb
	}
	l.mu.Unlock()
	return tb.allow(), nil
}
