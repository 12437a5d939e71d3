package sinks

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/progresswatch/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures gauges and counters follow bar updates.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	child := progress.BarState{RequestID: "R1", BarID: "R1-a", N: 4, Total: 8}
	done := child
	done.N = 8
	done.Completed = true
	done.Elapsed = 12
	summary := progress.BarState{RequestID: "R1", BarID: "R1", N: 1, Total: 1, Summary: true, Completed: true}

	batch := []progress.Update{
		{Kind: progress.UpdateSnapshot, Bar: child},
		{Kind: progress.UpdateSnapshot, Bar: done, Completed: true},
		{Kind: progress.UpdateAggregate, Bar: summary, Completed: true},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.barRatio.WithLabelValues("R1", "R1-a")), 1e-9)
	require.InDelta(t, 8.0, testutil.ToFloat64(sink.barItems.WithLabelValues("R1", "R1-a")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.completions.WithLabelValues("child")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.completions.WithLabelValues("summary")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.barsActive))
	require.Equal(t, 1, testutil.CollectAndCount(sink.completionElapsed, "progress_bar_elapsed_seconds"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Update{
		{Kind: progress.UpdateDisposed, Bar: done},
		{Kind: progress.UpdateDisposed, Bar: summary},
	}))
	require.Equal(t, 0, testutil.CollectAndCount(sink.barRatio, "progress_bar_ratio"))
}

func TestPrometheusSinkTracksActiveBars(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	bar := progress.BarState{RequestID: "R", BarID: "B", N: 1, Total: 4}
	require.NoError(t, sink.Consume(context.Background(), []progress.Update{
		{Kind: progress.UpdateSnapshot, Bar: bar},
		{Kind: progress.UpdateSnapshot, Bar: bar},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.barsActive))

	require.NoError(t, sink.Consume(context.Background(), []progress.Update{
		{Kind: progress.UpdateDisposed, Bar: bar},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.barsActive))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
