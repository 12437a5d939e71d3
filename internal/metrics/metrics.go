// Package metrics exposes Prometheus collectors for the progress client.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionOpen             *prometheus.GaugeVec
	connectionLossesTotal      *prometheus.CounterVec
	reconnectAttemptsTotal     *prometheus.CounterVec
	snapshotsTotal             *prometheus.CounterVec
	decodeFailuresTotal        *prometheus.CounterVec
	commandsTotal              *prometheus.CounterVec
	renderDroppedTotal         prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		connectionOpen = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "progress_connection_open",
				Help: "1 while the named transport is OPEN, 0 otherwise.",
			},
			[]string{"source"},
		)

		connectionLossesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_connection_losses_total",
				Help: "Transitions out of OPEN, labeled by transport.",
			},
			[]string{"source"},
		)

		reconnectAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_reconnect_attempts_total",
				Help: "Scheduled reconnect attempts, labeled by transport.",
			},
			[]string{"source"},
		)

		snapshotsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_snapshots_total",
				Help: "Snapshots routed into the bar store, labeled by transport.",
			},
			[]string{"source"},
		)

		decodeFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_decode_failures_total",
				Help: "Inbound frames dropped because they could not be decoded.",
			},
			[]string{"source"},
		)

		commandsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_commands_total",
				Help: "Commands issued, labeled by strategy, command and result.",
			},
			[]string{"strategy", "command", "result"},
		)

		renderDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "progress_render_dropped_total",
				Help: "Bar updates dropped by the render hub under backpressure.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetConnectionOpen flips the per-transport open gauge.
func SetConnectionOpen(source string, open bool) {
	Init()
	v := 0.0
	if open {
		v = 1
	}
	connectionOpen.WithLabelValues(source).Set(v)
}

// ObserveConnectionLoss counts a transition out of OPEN.
func ObserveConnectionLoss(source string) {
	Init()
	connectionLossesTotal.WithLabelValues(source).Inc()
}

// ObserveReconnectAttempt counts a reconnect attempt.
func ObserveReconnectAttempt(source string) {
	Init()
	reconnectAttemptsTotal.WithLabelValues(source).Inc()
}

// ObserveSnapshot counts a routed snapshot.
func ObserveSnapshot(source string) {
	Init()
	snapshotsTotal.WithLabelValues(source).Inc()
}

// ObserveDecodeFailure counts a dropped inbound frame.
func ObserveDecodeFailure(source string) {
	Init()
	decodeFailuresTotal.WithLabelValues(source).Inc()
}

// ObserveCommand records the outcome of one command issue.
func ObserveCommand(strategy, command string, err error) {
	Init()
	result := "accepted"
	if err != nil {
		result = "failed"
	}
	commandsTotal.WithLabelValues(strategy, command, result).Inc()
}

// ObserveRenderDropped counts updates the render hub discarded.
func ObserveRenderDropped(n int64) {
	Init()
	renderDroppedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
