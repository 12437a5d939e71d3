// Package sinks implements concrete bar update consumers: structured logging,
// Prometheus gauges, a terminal UI, completion notifications, and a per-bar
// throttle that wraps any of them. Each sink satisfies the progress.Sink
// interface and is safe for repeated Consume/Close cycles.
package sinks
