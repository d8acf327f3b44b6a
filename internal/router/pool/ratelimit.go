package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateQueueFull is returned by RateLimiter.Wait when too many callers are
// already queued for a slot.
var ErrRateQueueFull = errors.New("rate limiter wait queue is full")

// RateLimiter smooths admissions to a per-minute rate. It is a leaky bucket
// with burst 1: one slot opens every interval, so a burst of arrivals is
// spread out instead of admitted at once. Callers queue for the next slot up
// to a bounded number of waiters and fail fast beyond that.
type RateLimiter struct {
	limiter    *rate.Limiter
	perMinute  int
	maxWaiters int32
	waiters    atomic.Int32
}

// NewRateLimiter creates a limiter that admits perMinute calls per minute.
// maxWaiters bounds the number of goroutines allowed to queue for a slot.
func NewRateLimiter(perMinute, maxWaiters int) *RateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	if maxWaiters < 1 {
		maxWaiters = 1
	}
	interval := time.Minute / time.Duration(perMinute)
	return &RateLimiter{
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		perMinute:  perMinute,
		maxWaiters: int32(maxWaiters),
	}
}

// Wait blocks until the next slot opens or ctx is done. Returns
// ErrRateQueueFull immediately when the waiter queue is saturated.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l.waiters.Add(1) > l.maxWaiters {
		l.waiters.Add(-1)
		return ErrRateQueueFull
	}
	defer l.waiters.Add(-1)
	return l.limiter.Wait(ctx)
}

// Allow takes a slot without blocking, reporting whether one was available
func (l *RateLimiter) Allow() bool {
	return l.limiter.Allow()
}

// Saturated reports whether the next admission would have to wait
func (l *RateLimiter) Saturated() bool {
	return l.limiter.Tokens() < 1
}

// Waiting returns the number of queued callers
func (l *RateLimiter) Waiting() int {
	return int(l.waiters.Load())
}

// PerMinute returns the configured admission rate
func (l *RateLimiter) PerMinute() int {
	return l.perMinute
}
