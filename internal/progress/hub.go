package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/metrics"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchUpdates: flush once this many updates queue (default 256).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 50ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize      int
	MaxBatchUpdates int
	MaxBatchWait    time.Duration
	SinkTimeout     time.Duration
	BaseContext     context.Context
	Logger          *zap.Logger
}

const (
	defaultBufferSize      = 1024
	defaultMaxBatchUpdates = 256
	defaultMaxBatchWait    = 50 * time.Millisecond
	defaultSinkTimeout     = 10 * time.Second
	dropLogInterval        = 5 * time.Second
)

// Hub batches bar updates and fans them out to registered sinks. It is safe for
// concurrent use by multiple goroutines. Within a batch only the latest
// routine update of each bar is kept. Routine updates never block callers;
// updates that latch completion wait for buffer space so no sink misses them.
type Hub struct {
	cfg         Config
	sinks       []Sink
	updates     chan Update
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	coalesced   atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the background batching goroutine using
// the supplied sinks. The returned Hub is immediately ready to accept updates.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchUpdates <= 0 {
		cfg.MaxBatchUpdates = defaultMaxBatchUpdates
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		updates:     make(chan Update, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Render enqueues an Update for batching. When the buffer is full a routine
// update is dropped with a rate-limited warning, while a completing update
// waits until there is room or the hub closes.
func (h *Hub) Render(u Update) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if u.Bar.BarID == "" {
		h.logger.Debug("discarding update without bar id")
		return
	}
	if u.Completed {
		select {
		case h.updates <- u:
		case <-h.stopCh:
		}
		return
	}
	select {
	case h.updates <- u:
	default:
		h.dropped.Add(1)
		metrics.ObserveRenderDropped(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("bar updates dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Coalesced returns how many routine updates were replaced by a newer update
// for the same bar before reaching the sinks.
func (h *Hub) Coalesced() int64 {
	return h.coalesced.Load()
}

// Close drains remaining updates, flushes sinks, and blocks until the background
// goroutine exits. It is safe to call multiple times; subsequent calls are
// ignored once shutdown begins.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// batch collects updates between flushes. Routine updates for the same bar
// collapse into the latest one in place; any other update for that bar ends
// the run so later routine updates queue behind it.
type batch struct {
	updates []Update
	latest  map[string]int
}

func newBatch(capacity int) *batch {
	return &batch{
		updates: make([]Update, 0, capacity),
		latest:  make(map[string]int),
	}
}

// add queues u and reports whether it replaced an earlier update.
func (b *batch) add(u Update) bool {
	id := u.Bar.BarID
	if !u.routine() {
		delete(b.latest, id)
		b.updates = append(b.updates, u)
		return false
	}
	if i, ok := b.latest[id]; ok {
		b.updates[i] = u
		return true
	}
	b.latest[id] = len(b.updates)
	b.updates = append(b.updates, u)
	return false
}

func (b *batch) len() int { return len(b.updates) }

// take returns the queued updates and empties the batch.
func (b *batch) take() []Update {
	out := b.updates
	b.updates = make([]Update, 0, cap(out))
	clear(b.latest)
	return out
}

// routine reports whether u only moves a bar's counters. Such updates can be
// replaced by a newer one for the same bar without losing a transition.
func (u Update) routine() bool {
	if u.Completed {
		return false
	}
	return u.Kind == UpdateSnapshot || u.Kind == UpdateAggregate
}

func (h *Hub) run() {
	defer close(h.doneCh)
	pending := newBatch(h.cfg.MaxBatchUpdates)
	wait := newBatchTimer(h.cfg.MaxBatchWait)
	for {
		select {
		case u := <-h.updates:
			h.enqueue(pending, u)
			if pending.len() >= h.cfg.MaxBatchUpdates {
				h.flush(pending.take())
				wait.stop()
			} else {
				wait.arm()
			}
		case <-wait.C():
			wait.fired()
			if pending.len() > 0 {
				h.flush(pending.take())
			}
		case <-h.stopCh:
			wait.stop()
			h.drain(pending)
			return
		}
	}
}

func (h *Hub) enqueue(pending *batch, u Update) {
	if pending.add(u) {
		h.coalesced.Add(1)
	}
}

// drain flushes whatever is buffered once the hub stops, then closes sinks.
func (h *Hub) drain(pending *batch) {
	for {
		select {
		case u := <-h.updates:
			h.enqueue(pending, u)
			if pending.len() >= h.cfg.MaxBatchUpdates {
				h.flush(pending.take())
			}
		default:
			if pending.len() > 0 {
				h.flush(pending.take())
			}
			h.closeSinks()
			return
		}
	}
}

// batchTimer bounds how long a partial batch waits. Each queued update
// pushes the deadline back by wait.
type batchTimer struct {
	wait   time.Duration
	timer  *time.Timer
	active bool
}

func newBatchTimer(wait time.Duration) *batchTimer {
	timer := time.NewTimer(wait)
	timer.Stop()
	return &batchTimer{wait: wait, timer: timer}
}

func (t *batchTimer) C() <-chan time.Time { return t.timer.C }

func (t *batchTimer) fired() { t.active = false }

func (t *batchTimer) arm() {
	if t.wait <= 0 {
		return
	}
	t.stop()
	t.timer.Reset(t.wait)
	t.active = true
}

func (t *batchTimer) stop() {
	if !t.active {
		return
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.active = false
}

func (h *Hub) flush(updates []Update) {
	if len(updates) == 0 {
		return
	}
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx := baseCtx
		cancel := func() {}
		if h.cfg.SinkTimeout > 0 {
			ctx, cancel = context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		}
		if err := sink.Consume(ctx, updates); err != nil {
			h.logger.Warn("bar sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("bar sink close failed", zap.Error(err))
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
