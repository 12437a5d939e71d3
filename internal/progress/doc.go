// Package progress turns decoded progress snapshots into bar state. The Router
// upserts per-bar state in a Store, latches completion, rolls child
// completions into the request's summary bar, and hands every change to a
// Renderer. Hub is the non-blocking Renderer that batches updates on a
// background goroutine and fans them out to pluggable sinks.
package progress
