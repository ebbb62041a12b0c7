package consent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowLimiterEnforcesMax(t *testing.T) {
	clock := newFakeClock()
	l := NewWindowLimiter(3, time.Minute).WithClock(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "sess-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWindowLimiterIsPerSession(t *testing.T) {
	clock := newFakeClock()
	l := NewWindowLimiter(1, time.Minute).WithClock(clock)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "sess-1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "sess-1")
	assert.False(t, ok)

	// A different session has its own window.
	ok, _ = l.Allow(ctx, "sess-2")
	assert.True(t, ok)
}

func TestWindowLimiterSlides(t *testing.T) {
	clock := newFakeClock()
	l := NewWindowLimiter(2, time.Minute).WithClock(clock)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "sess-1")
	require.True(t, ok)
	clock.Advance(30 * time.Second)
	ok, _ = l.Allow(ctx, "sess-1")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "sess-1")
	require.False(t, ok)

	// The first stamp falls out of the window; one slot opens.
	clock.Advance(31 * time.Second)
	ok, _ = l.Allow(ctx, "sess-1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "sess-1")
	assert.False(t, ok)
}

func TestRejectedAttemptsDoNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewWindowLimiter(1, time.Minute).WithClock(clock)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "sess-1")
	require.True(t, ok)

	// Hammering while blocked must not push the reset further out.
	for i := 0; i < 10; i++ {
		clock.Advance(5 * time.Second)
		ok, _ = l.Allow(ctx, "sess-1")
		assert.False(t, ok)
	}
	clock.Advance(11 * time.Second)
	ok, _ = l.Allow(ctx, "sess-1")
	assert.True(t, ok)
}

func TestBucketLimiterAllowsBurst(t *testing.T) {
	l := NewBucketLimiter(5, time.Minute)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, "sess-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "sess-other")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBucketLimiterCloseIsIdempotentAndNonFatal(t *testing.T) {
	l := NewBucketLimiter(1, time.Minute)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)

	l.Close()
	l.Close()

	// Only the eviction goroutine stops; the limiter keeps answering.
	ok, err = l.Allow(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
