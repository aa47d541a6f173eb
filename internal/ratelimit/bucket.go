// Package ratelimit implements the per-endpoint token bucket and the shared
// backoff gate endpoint workers coordinate through.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TokenBucket is a continuously refilling token bucket. Capacity refills at
// max/window. Unlike x/time/rate it accepts downward corrections from
// server rate-limit headers via SetTokens.
type TokenBucket struct {
	mu     sync.Mutex
	max    float64
	window time.Duration
	tokens float64
	last   time.Time
	now    func() time.Time
}

// NewTokenBucket builds a full bucket of max tokens refilling over window.
func NewTokenBucket(max int, window time.Duration) (*TokenBucket, error) {
	if max <= 0 {
		return nil, fmt.Errorf("max tokens must be positive, got %d", max)
	}
	if window <= 0 {
		return nil, fmt.Errorf("refill window must be positive, got %s", window)
	}
	b := &TokenBucket{
		max:    float64(max),
		window: window,
		tokens: float64(max),
		now:    time.Now,
	}
	b.last = b.now()
	return b, nil
}

// Acquire blocks until a token is available or the context is done. Each
// successful return consumes exactly one token.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := b.timeUntilToken()
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// SetTokens corrects the bucket from server feedback. Corrections only ever
// lower the balance; a value above the current balance is ignored, and
// negative values clamp to zero.
func (b *TokenBucket) SetTokens(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()

	v := float64(n)
	if v < 0 {
		v = 0
	}
	if v < b.tokens {
		b.tokens = v
	}
}

// Tokens returns the current whole-token balance.
func (b *TokenBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return int(b.tokens)
}

// refill credits tokens for the time elapsed since the last refill.
// Callers must hold the mutex.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now
	b.tokens += b.max * (float64(elapsed) / float64(b.window))
	if b.tokens > b.max {
		b.tokens = b.max
	}
}

// timeUntilToken returns how long until one whole token accrues.
// Callers must hold the mutex.
func (b *TokenBucket) timeUntilToken() time.Duration {
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	perToken := float64(b.window) / b.max
	return time.Duration(missing * perToken)
}
