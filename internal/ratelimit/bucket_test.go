package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock lets tests drive refill deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBucket(t *testing.T, max int, window time.Duration) (*TokenBucket, *fakeClock) {
	t.Helper()
	b, err := NewTokenBucket(max, window)
	require.NoError(t, err)
	clk := newFakeClock()
	b.now = clk.Now
	b.last = clk.Now()
	return b, clk
}

func TestNewTokenBucketValidates(t *testing.T) {
	_, err := NewTokenBucket(0, time.Minute)
	require.Error(t, err)
	_, err = NewTokenBucket(10, 0)
	require.Error(t, err)
}

func TestAcquireConsumesOneToken(t *testing.T) {
	b, _ := newTestBucket(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Acquire(ctx))
	}
	require.Zero(t, b.Tokens())
}

func TestAcquireBlocksWhenEmpty(t *testing.T) {
	b, err := NewTokenBucket(1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Acquire(ctx), context.DeadlineExceeded)
}

func TestRefillIsContinuousAndCapped(t *testing.T) {
	b, clk := newTestBucket(t, 60, time.Minute)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		require.NoError(t, b.Acquire(ctx))
	}
	require.Zero(t, b.Tokens())

	// One second refills one token at 60 tokens/minute.
	clk.Advance(time.Second)
	require.Equal(t, 1, b.Tokens())

	// Idling never overfills past max.
	clk.Advance(time.Hour)
	require.Equal(t, 60, b.Tokens())
}

func TestSetTokensOnlyLowers(t *testing.T) {
	b, _ := newTestBucket(t, 100, time.Minute)

	// Corrections above the balance are ignored.
	b.SetTokens(500)
	require.Equal(t, 100, b.Tokens())

	b.SetTokens(10)
	require.Equal(t, 10, b.Tokens())

	// Negative feedback clamps to zero, never below.
	b.SetTokens(-5)
	require.Zero(t, b.Tokens())
}

func TestSetTokensLowersRefilledEstimate(t *testing.T) {
	b, clk := newTestBucket(t, 100, time.Minute)
	b.SetTokens(0)

	clk.Advance(30 * time.Second)
	require.Equal(t, 50, b.Tokens())

	b.SetTokens(20)
	require.Equal(t, 20, b.Tokens())
}

func TestGateHoldAndWait(t *testing.T) {
	g := NewBackoffGate()

	// An open gate returns immediately.
	require.NoError(t, g.Wait(context.Background()))

	g.HoldFor(30 * time.Millisecond)
	start := time.Now()
	require.NoError(t, g.Wait(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestGateNeverShortens(t *testing.T) {
	g := NewBackoffGate()
	far := time.Now().Add(time.Hour)
	g.Hold(far)
	g.Hold(time.Now().Add(time.Millisecond))

	g.mu.Lock()
	until := g.until
	g.mu.Unlock()
	require.Equal(t, far, until)
}

func TestGateWaitHonorsContext(t *testing.T) {
	g := NewBackoffGate()
	g.HoldFor(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
}
