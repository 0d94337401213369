package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(ceiling int, window time.Duration) (*Limiter, *time.Time) {
	l := New(nil, Config{Ceiling: ceiling, Window: window})
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestTryAcquireAllowsUpToCeiling(t *testing.T) {
	l, _ := newTestLimiter(3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.TryAcquire(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3-i-1, d.Remaining)
	}

	d, err := l.TryAcquire(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestTryAcquireIsolatesTenants(t *testing.T) {
	l, _ := newTestLimiter(1, time.Hour)
	ctx := context.Background()

	d, err := l.TryAcquire(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.TryAcquire(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "org-1 is exhausted")

	d, err = l.TryAcquire(ctx, "org-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "org-2 has its own counter")
}

func TestTryAcquireSlidingWindowRollover(t *testing.T) {
	l, clock := newTestLimiter(2, time.Hour)
	ctx := context.Background()

	d, _ := l.TryAcquire(ctx, "org-1")
	require.True(t, d.Allowed)

	*clock = clock.Add(30 * time.Minute)
	d, _ = l.TryAcquire(ctx, "org-1")
	require.True(t, d.Allowed)

	d, _ = l.TryAcquire(ctx, "org-1")
	require.False(t, d.Allowed)

	// 31 more minutes: the first request has aged out, the second has not.
	*clock = clock.Add(31 * time.Minute)
	d, _ = l.TryAcquire(ctx, "org-1")
	assert.True(t, d.Allowed)

	d, _ = l.TryAcquire(ctx, "org-1")
	assert.False(t, d.Allowed)
}

func TestTryAcquireRetryAfterTracksOldest(t *testing.T) {
	l, clock := newTestLimiter(1, time.Hour)
	ctx := context.Background()

	d, _ := l.TryAcquire(ctx, "org-1")
	require.True(t, d.Allowed)

	*clock = clock.Add(20 * time.Minute)
	d, _ = l.TryAcquire(ctx, "org-1")
	require.False(t, d.Allowed)
	assert.Equal(t, 40*time.Minute, d.RetryAfter)
}

func TestTryAcquireConcurrentCallersNeverOversubscribe(t *testing.T) {
	l := New(nil, Config{Ceiling: 5, Window: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.TryAcquire(ctx, "org-1")
			require.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
}

func TestUsageCountsLiveSlots(t *testing.T) {
	l, clock := newTestLimiter(10, time.Hour)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := l.TryAcquire(ctx, "org-1")
		require.NoError(t, err)
	}

	count, err := l.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	*clock = clock.Add(2 * time.Hour)
	count, err = l.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestConfigDefaults(t *testing.T) {
	l := New(nil, Config{})
	assert.Equal(t, 10, l.cfg.Ceiling)
	assert.Equal(t, time.Hour, l.cfg.Window)
}
