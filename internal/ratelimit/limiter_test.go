package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock advances only when told to.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(t *testing.T, blockFor time.Duration) (*Limiter, *fakeClock, *MemoryWindowStore) {
	t.Helper()
	store := NewMemoryWindowStore()
	t.Cleanup(store.Close)
	clock := &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewLimiter(store, blockFor, testLogger()).WithClock(clock.Now)
	return limiter, clock, store
}

func TestAllowUnderLimit(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, 15*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(ctx, "client-a", 5, time.Minute), "request %d should pass", i+1)
	}
}

func TestSixthRequestDeniedAndBlocked(t *testing.T) {
	limiter, clock, _ := newTestLimiter(t, 15*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(ctx, "client-a", 5, time.Minute))
	}
	assert.False(t, limiter.Allow(ctx, "client-a", 5, time.Minute), "sixth request inside the window must be denied")
	assert.True(t, limiter.IsBlocked(ctx, "client-a"))

	// The window itself would clear after a minute, but the block
	// outlives it.
	clock.Advance(2 * time.Minute)
	assert.False(t, limiter.Allow(ctx, "client-a", 5, time.Minute))
	assert.True(t, limiter.IsBlocked(ctx, "client-a"))

	// Past the block duration the identifier recovers.
	clock.Advance(14 * time.Minute)
	assert.False(t, limiter.IsBlocked(ctx, "client-a"))
	assert.True(t, limiter.Allow(ctx, "client-a", 5, time.Minute))
}

func TestWindowSlides(t *testing.T) {
	limiter, clock, _ := newTestLimiter(t, 15*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(ctx, "client-a", 5, time.Minute))
		clock.Advance(10 * time.Second)
	}
	// 50s elapsed; the first hit leaves the window 10s from now.
	clock.Advance(11 * time.Second)
	assert.True(t, limiter.Allow(ctx, "client-a", 5, time.Minute))
}

func TestIdentifiersAreIndependent(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, 15*time.Minute)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		limiter.Allow(ctx, "noisy", 5, time.Minute)
	}
	assert.True(t, limiter.IsBlocked(ctx, "noisy"))
	assert.True(t, limiter.Allow(ctx, "quiet", 5, time.Minute))
}

func TestExplicitBlockAndUnblock(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, 15*time.Minute)
	ctx := context.Background()

	limiter.Block(ctx, "client-a", time.Hour)
	assert.False(t, limiter.Allow(ctx, "client-a", 100, time.Minute))

	limiter.Unblock(ctx, "client-a")
	assert.True(t, limiter.Allow(ctx, "client-a", 100, time.Minute))
}

// failingStore simulates a dead window store.
type failingStore struct{}

func (failingStore) CountInWindow(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, errors.New("store down")
}
func (failingStore) RecordHit(context.Context, string, time.Time, time.Duration) error {
	return errors.New("store down")
}
func (failingStore) SetBlock(context.Context, string, time.Time) error { return errors.New("store down") }
func (failingStore) BlockedUntil(context.Context, string, time.Time) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("store down")
}
func (failingStore) ClearBlock(context.Context, string) error { return errors.New("store down") }

func TestFailsOpenOnStoreErrors(t *testing.T) {
	limiter := NewLimiter(failingStore{}, 15*time.Minute, testLogger())
	ctx := context.Background()

	// A broken store must never deny traffic.
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow(ctx, "client-a", 1, time.Minute))
	}
	assert.False(t, limiter.IsBlocked(ctx, "client-a"))
}
