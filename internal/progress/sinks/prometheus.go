package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/progresswatch/internal/progress"
)

// PrometheusSink exports bar state via Prometheus. It owns per-bar ratio
// gauges and completion counters; disposed bars drop their series.
type PrometheusSink struct {
	barRatio    *prometheus.GaugeVec
	barItems    *prometheus.GaugeVec
	completions *prometheus.CounterVec
	barsActive  prometheus.Gauge
	completionElapsed *prometheus.HistogramVec

	tracker *barTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		barRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "progress_bar_ratio",
			Help: "Latest n/total per bar (0 while the total is unknown).",
		}, []string{"request_id", "bar_id"}),
		barItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "progress_bar_items",
			Help: "Latest n per bar.",
		}, []string{"request_id", "bar_id"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_bar_completions_total",
			Help: "Bars that latched completion, partitioned by role.",
		}, []string{"role"}),
		barsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_bars_active",
			Help: "Bars currently tracked and not yet completed.",
		}),
		completionElapsed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_bar_elapsed_seconds",
			Help:    "Producer-reported elapsed time at completion.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"role"}),
		tracker: newBarTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.barRatio,
		s.barItems,
		s.completions,
		s.barsActive,
		s.completionElapsed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Update) error {
	for _, u := range batch {
		s.consumeUpdate(u)
	}
	return nil
}

func (s *PrometheusSink) consumeUpdate(u progress.Update) {
	bar := u.Bar
	if u.Kind == progress.UpdateDisposed {
		s.barRatio.DeleteLabelValues(bar.RequestID, bar.BarID)
		s.barItems.DeleteLabelValues(bar.RequestID, bar.BarID)
		if s.tracker.forget(bar.BarID) {
			s.barsActive.Dec()
		}
		return
	}
	s.barRatio.WithLabelValues(bar.RequestID, bar.BarID).Set(bar.Ratio())
	s.barItems.WithLabelValues(bar.RequestID, bar.BarID).Set(bar.N)
	if !bar.Completed && s.tracker.start(bar.BarID) {
		s.barsActive.Inc()
	}
	if u.Completed {
		role := roleLabel(bar)
		s.completions.WithLabelValues(role).Inc()
		if bar.Elapsed > 0 {
			s.completionElapsed.WithLabelValues(role).Observe(bar.Elapsed)
		}
		if s.tracker.forget(bar.BarID) {
			s.barsActive.Dec()
		}
	}
}

func roleLabel(bar progress.BarState) string {
	if bar.Summary {
		return "summary"
	}
	return "child"
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type barTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newBarTracker() *barTracker {
	return &barTracker{active: make(map[string]struct{})}
}

func (t *barTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *barTracker) forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
