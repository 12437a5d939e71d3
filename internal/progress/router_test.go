package progress

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingRenderer struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recordingRenderer) Render(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingRenderer) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestRouter() (*Router, *recordingRenderer) {
	renderer := &recordingRenderer{}
	store := NewStore(fixedClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
	return NewRouter(store, renderer, nil), renderer
}

func snapshot(requestID, barID string, n, total float64) Snapshot {
	return Snapshot{RequestID: requestID, BarID: barID, N: n, Total: total}
}

func TestRouteFinalRatioMatchesLastSnapshot(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter()
	for n := 0; n <= 7; n++ {
		_, err := router.Route(snapshot("R", "B", float64(n), 10))
		require.NoError(t, err)
	}

	bar, ok := router.Store().Get("B")
	require.True(t, ok)
	require.InDelta(t, 0.7, bar.Ratio(), 1e-9)
	require.InDelta(t, 70, bar.Percent(), 1e-9)
	require.False(t, bar.Completed)

	_, err := router.Route(snapshot("R", "B", 10, 10))
	require.NoError(t, err)
	bar, _ = router.Store().Get("B")
	require.InDelta(t, 100, bar.Percent(), 1e-9)
	require.True(t, bar.Completed)
}

func TestRouteDuplicateTerminalSnapshotIncrementsSummaryOnce(t *testing.T) {
	t.Parallel()

	router, renderer := newTestRouter()
	router.StartRequest("R1", 2)

	first, err := router.Route(snapshot("R1", "child", 10, 10))
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.True(t, first[0].Completed)
	require.Equal(t, UpdateAggregate, first[1].Kind)

	second, err := router.Route(snapshot("R1", "child", 10, 10))
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.False(t, second[0].Completed)

	summary, ok := router.Store().Get("R1")
	require.True(t, ok)
	require.InDelta(t, 1, summary.N, 1e-9)
	require.InDelta(t, 2, summary.Total, 1e-9)
	require.False(t, summary.Completed)
	require.Len(t, renderer.Updates(), 4)
}

func TestRouteThreeChildrenCompleteSummary(t *testing.T) {
	t.Parallel()

	router, renderer := newTestRouter()
	router.StartRequest("R1", 3)

	for step := 1; step <= 10; step++ {
		for child := 1; child <= 3; child++ {
			_, err := router.Route(snapshot("R1", fmt.Sprintf("R1-%d", child), float64(step), 10))
			require.NoError(t, err)
		}
	}

	summary, ok := router.Store().Get("R1")
	require.True(t, ok)
	require.InDelta(t, 3, summary.N, 1e-9)
	require.InDelta(t, 3, summary.Total, 1e-9)
	require.True(t, summary.Completed)
	require.InDelta(t, 1, summary.Ratio(), 1e-9)

	completions := 0
	for _, u := range renderer.Updates() {
		if u.Completed && u.Bar.Summary {
			completions++
		}
	}
	require.Equal(t, 1, completions)
	require.Len(t, router.Store().Request("R1"), 4)
}

func TestRouteUnknownBarLeavesSiblingsUntouched(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter()
	_, err := router.Route(snapshot("R1", "a", 4, 10))
	require.NoError(t, err)
	before, _ := router.Store().Get("a")

	_, err = router.Route(snapshot("R1", "b", 1, 5))
	require.NoError(t, err)

	after, _ := router.Store().Get("a")
	require.Equal(t, before, after)
	created, ok := router.Store().Get("b")
	require.True(t, ok)
	require.Equal(t, "R1", created.RequestID)
	require.InDelta(t, 1, created.N, 1e-9)
	require.Equal(t, 2, router.Store().Len())
}

func TestRouteSingleBarCompletesWithoutSummary(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter()
	updates, err := router.Route(snapshot("solo", "solo", 50, 50))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.True(t, updates[0].Completed)
	require.True(t, updates[0].Bar.Summary)
	require.False(t, updates[0].Bar.Aggregated)
	require.Equal(t, 1, router.Store().Len())
}

func TestRouteChildCompletionBeforeStartCreatesSummary(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter()
	_, err := router.Route(snapshot("R", "c1", 1, 1))
	require.NoError(t, err)

	summary, ok := router.Store().Get("R")
	require.True(t, ok)
	require.InDelta(t, 1, summary.N, 1e-9)
	require.Zero(t, summary.Total)
	require.Zero(t, summary.Ratio())
	require.False(t, summary.Completed)

	update := router.StartRequest("R", 1)
	require.True(t, update.Completed)
	require.True(t, update.Bar.Completed)
}

func TestRouteAggregatedSummaryIgnoresSnapshotCounters(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter()
	router.StartRequest("R", 4)
	prefix := "overall"
	snap := snapshot("R", "R", 3, 10)
	snap.Prefix = &prefix
	snap.Elapsed = 12

	_, err := router.Route(snap)
	require.NoError(t, err)

	summary, _ := router.Store().Get("R")
	require.Zero(t, summary.N)
	require.InDelta(t, 4, summary.Total, 1e-9)
	require.InDelta(t, 12, summary.Elapsed, 1e-9)
	require.Equal(t, "overall", summary.Label())
}

func TestRouteRejectsInvalidSnapshot(t *testing.T) {
	t.Parallel()

	router, renderer := newTestRouter()
	_, err := router.Route(snapshot("R", "B", 12, 10))
	require.ErrorIs(t, err, ErrMalformedSnapshot)
	require.Empty(t, renderer.Updates())
	require.Zero(t, router.Store().Len())
}

func TestDisposeRemovesRequestGroup(t *testing.T) {
	t.Parallel()

	router, renderer := newTestRouter()
	router.StartRequest("R1", 2)
	_, err := router.Route(snapshot("R1", "a", 1, 2))
	require.NoError(t, err)
	_, err = router.Route(snapshot("R2", "b", 1, 2))
	require.NoError(t, err)

	require.Equal(t, 2, router.Dispose("R1"))
	require.Zero(t, router.Dispose("R1"))
	require.Empty(t, router.Store().Request("R1"))
	require.Len(t, router.Store().Bars(), 1)

	disposed := 0
	for _, u := range renderer.Updates() {
		if u.Kind == UpdateDisposed {
			disposed++
		}
	}
	require.Equal(t, 2, disposed)
}

func TestRouteDropsDuplicateTerminalAfterDispose(t *testing.T) {
	t.Parallel()

	router, renderer := newTestRouter()
	router.StartRequest("R1", 1)
	_, err := router.Route(snapshot("R1", "c1", 10, 10))
	require.NoError(t, err)
	require.Equal(t, 2, router.Dispose("R1"))
	rendered := len(renderer.Updates())

	updates, err := router.Route(snapshot("R1", "c1", 10, 10))
	require.ErrorIs(t, err, ErrRequestDisposed)
	require.Empty(t, updates)
	require.Len(t, renderer.Updates(), rendered)
	require.Empty(t, router.Store().Request("R1"))
	_, ok := router.Store().Get("R1")
	require.False(t, ok)

	router.StartRequest("R1", 1)
	_, err = router.Route(snapshot("R1", "c1", 10, 10))
	require.NoError(t, err)
	summary, ok := router.Store().Get("R1")
	require.True(t, ok)
	require.True(t, summary.Completed)
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter()
	prefix := "original"
	snap := snapshot("R", "B", 1, 2)
	snap.Prefix = &prefix
	_, err := router.Route(snap)
	require.NoError(t, err)

	bar, _ := router.Store().Get("B")
	*bar.Prefix = "mutated"
	bar.N = 99

	again, _ := router.Store().Get("B")
	require.Equal(t, "original", *again.Prefix)
	require.InDelta(t, 1, again.N, 1e-9)
}

func TestBarsOrderSummaryFirst(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter()
	_, _ = router.Route(snapshot("R2", "z", 0, 1))
	_, _ = router.Route(snapshot("R1", "b", 0, 1))
	router.StartRequest("R1", 2)
	_, _ = router.Route(snapshot("R1", "a", 0, 1))

	var ids []string
	for _, bar := range router.Store().Bars() {
		ids = append(ids, bar.BarID)
	}
	require.Equal(t, []string{"R1", "a", "b", "z"}, ids)
}
