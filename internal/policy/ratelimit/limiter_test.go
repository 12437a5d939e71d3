package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowIsPerKey(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})

	require.True(t, l.Allow("bar-a"))
	require.False(t, l.Allow("bar-a"))
	require.True(t, l.Allow("bar-b"))
	require.Equal(t, 2, l.Len())

	l.Forget("bar-a")
	require.True(t, l.Allow("bar-a"))
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("bar"))
	}
}

func TestLimiterWaitDelays(t *testing.T) {
	t.Parallel()

	// 10 requests per second with burst 1 spaces tokens 100ms apart.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "start"))
	begin := time.Now()
	require.NoError(t, l.Wait(ctx, "start"))
	require.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "start"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "start"))
}
