package window

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestAllow_UnderLimit(t *testing.T) {
	l := New(Config{Max: 5, Window: time.Minute})

	for i := range 5 {
		remaining, _, ok := l.Allow("chat", base)
		assert.True(t, ok, "event %d should pass", i+1)
		assert.Equal(t, 4-i, remaining)
	}
}

func TestAllow_OverLimit(t *testing.T) {
	l := New(Config{Max: 2, Window: time.Minute})

	for range 2 {
		_, _, ok := l.Allow("chat", base)
		require.True(t, ok)
	}

	remaining, resetAt, ok := l.Allow("chat", base.Add(time.Second))
	assert.False(t, ok)
	assert.Zero(t, remaining)
	assert.True(t, resetAt.After(base))
}

func TestAllow_IndependentKeys(t *testing.T) {
	l := New(Config{Max: 1, Window: time.Minute})

	_, _, ok := l.Allow("a", base)
	assert.True(t, ok)
	_, _, ok = l.Allow("b", base)
	assert.True(t, ok)
	_, _, ok = l.Allow("a", base)
	assert.False(t, ok)
}

func TestAllow_SlidingWeight(t *testing.T) {
	l := New(Config{Max: 10, Window: time.Minute})

	for range 10 {
		_, _, ok := l.Allow("chat", base)
		require.True(t, ok)
	}

	// A quarter into the next window, 75% of the previous count still applies.
	next := base.Add(75 * time.Second)
	allowed := 0
	for range 10 {
		if _, _, ok := l.Allow("chat", next); ok {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)

	// Two windows later everything is forgotten.
	allowed = 0
	for range 10 {
		if _, _, ok := l.Allow("chat", base.Add(3*time.Minute)); ok {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestAllow_Disabled(t *testing.T) {
	l := New(Config{})
	for range 100 {
		_, _, ok := l.Allow("chat", base)
		require.True(t, ok)
	}
}

func TestWait(t *testing.T) {
	t.Run("passes immediately under limit", func(t *testing.T) {
		l := New(Config{Max: 1, Window: time.Minute})
		require.NoError(t, l.Wait(context.Background(), "chat"))
	})

	t.Run("blocks until window slides", func(t *testing.T) {
		l := New(Config{Max: 2, Window: 100 * time.Millisecond})
		start := time.Now()
		for range 3 {
			require.NoError(t, l.Wait(context.Background(), "chat"))
		}
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		l := New(Config{Max: 1, Window: time.Hour})
		require.NoError(t, l.Wait(context.Background(), "chat"))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, l.Wait(ctx, "chat"), context.DeadlineExceeded)
	})
}

func TestCleanup(t *testing.T) {
	l := New(Config{Max: 1, Window: time.Minute})
	l.Allow("old", base)
	l.Allow("fresh", base.Add(2*time.Minute))

	l.Cleanup(base.Add(2*time.Minute + time.Second))
	assert.Equal(t, 1, l.Len())
}

func TestStartCleanup(t *testing.T) {
	l := New(Config{Max: 1, Window: 10 * time.Millisecond})
	_, _, ok := l.Allow("chat", time.Now())
	require.True(t, ok)
	require.Equal(t, 1, l.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartCleanup(ctx)

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
}
