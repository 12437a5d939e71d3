package sinks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/progresswatch/internal/progress"
)

type captureSink struct {
	mu      sync.Mutex
	updates []progress.Update
	closed  bool
}

func (c *captureSink) Consume(_ context.Context, batch []progress.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, batch...)
	return nil
}

func (c *captureSink) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) Updates() []progress.Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]progress.Update(nil), c.updates...)
}

func barUpdate(id string, n, total float64) progress.Update {
	return progress.Update{
		Kind: progress.UpdateSnapshot,
		Bar:  progress.BarState{RequestID: "R", BarID: id, N: n, Total: total},
	}
}

func TestThrottleSinkHoldsRapidUpdates(t *testing.T) {
	t.Parallel()

	next := &captureSink{}
	sink := NewThrottleSink(next, time.Hour, nil)
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, []progress.Update{barUpdate("a", 1, 10)}))
	require.NoError(t, sink.Consume(ctx, []progress.Update{barUpdate("a", 2, 10), barUpdate("b", 1, 10)}))
	require.NoError(t, sink.Consume(ctx, []progress.Update{barUpdate("a", 3, 10)}))

	got := next.Updates()
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Bar.BarID)
	require.Equal(t, "b", got[1].Bar.BarID)
	require.Equal(t, 1, sink.Pending())

	require.NoError(t, sink.Close(ctx))
	got = next.Updates()
	require.Len(t, got, 3)
	require.InDelta(t, 3, got[2].Bar.N, 1e-9)
	require.True(t, next.closed)
}

func TestThrottleSinkAlwaysForwardsCompletion(t *testing.T) {
	t.Parallel()

	next := &captureSink{}
	sink := NewThrottleSink(next, time.Hour, nil)
	ctx := context.Background()

	done := barUpdate("a", 10, 10)
	done.Bar.Completed = true
	done.Completed = true
	require.NoError(t, sink.Consume(ctx, []progress.Update{barUpdate("a", 1, 10), barUpdate("a", 5, 10), done}))

	got := next.Updates()
	require.Len(t, got, 2)
	require.True(t, got[1].Completed)
	require.Zero(t, sink.Pending())
}

func TestThrottleSinkReleasesHeldUpdateWhenDue(t *testing.T) {
	t.Parallel()

	next := &captureSink{}
	sink := NewThrottleSink(next, 20*time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, []progress.Update{barUpdate("a", 1, 10), barUpdate("a", 2, 10)}))
	require.Len(t, next.Updates(), 1)

	require.Eventually(t, func() bool {
		_ = sink.Consume(ctx, []progress.Update{barUpdate("other", 0, 1)})
		for _, u := range next.Updates() {
			if u.Bar.BarID == "a" && u.Bar.N == 2 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestThrottleSinkReleasesHeldUpdateWithoutFollowUpBatch(t *testing.T) {
	t.Parallel()

	next := &captureSink{}
	sink := NewThrottleSink(next, 50*time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, []progress.Update{barUpdate("B", 1, 10)}))
	require.NoError(t, sink.Consume(ctx, []progress.Update{barUpdate("B", 7, 10)}))
	require.Len(t, next.Updates(), 1)
	require.Equal(t, 1, sink.Pending())

	require.Eventually(t, func() bool {
		got := next.Updates()
		return len(got) == 2 && got[1].Bar.N == 7
	}, time.Second, 10*time.Millisecond)
	require.Zero(t, sink.Pending())
	require.NoError(t, sink.Close(ctx))
	require.Len(t, next.Updates(), 2)
}

func TestThrottleSinkCloseStopsReleaseTimers(t *testing.T) {
	t.Parallel()

	next := &captureSink{}
	sink := NewThrottleSink(next, 30*time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, []progress.Update{barUpdate("B", 1, 10), barUpdate("B", 2, 10)}))
	require.NoError(t, sink.Close(ctx))
	require.Len(t, next.Updates(), 2)

	time.Sleep(90 * time.Millisecond)
	require.Len(t, next.Updates(), 2)
}

func TestThrottleSinkDisabled(t *testing.T) {
	t.Parallel()

	next := &captureSink{}
	sink := NewThrottleSink(next, 0, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Consume(context.Background(), []progress.Update{barUpdate("a", float64(i), 10)}))
	}
	require.Len(t, next.Updates(), 5)
}
