// Package dispatcher runs the single event loop that turns transport events
// into bar state.
package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/conn"
	"github.com/JakeFAU/progresswatch/internal/metrics"
	"github.com/JakeFAU/progresswatch/internal/progress"
)

const maxLoggedFrame = 256

// DecodeFunc parses a raw frame; progress.Decode is the default.
type DecodeFunc func(raw []byte) (progress.Snapshot, error)

// Config controls a Dispatcher.
//   - Decode: frame decoder (defaults to progress.Decode).
//   - OnStatus: called on the loop goroutine for every non-message event.
//   - Logger: optional structured logger.
type Config struct {
	Decode   DecodeFunc
	OnStatus func(conn.Event)
	Logger   *zap.Logger
}

// Dispatcher consumes the shared event channel. It is the only goroutine that
// routes snapshots, so Router and Aggregator never race with each other.
type Dispatcher struct {
	events   <-chan conn.Event
	router   *progress.Router
	decode   DecodeFunc
	onStatus func(conn.Event)
	logger   *zap.Logger

	routed  atomic.Int64
	dropped atomic.Int64
}

// New creates a Dispatcher.
func New(events <-chan conn.Event, router *progress.Router, cfg Config) *Dispatcher {
	if cfg.Decode == nil {
		cfg.Decode = progress.Decode
	}
	if cfg.OnStatus == nil {
		cfg.OnStatus = func(conn.Event) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		events:   events,
		router:   router,
		decode:   cfg.Decode,
		onStatus: cfg.OnStatus,
		logger:   logger,
	}
}

// Run handles events until the context finishes or the channel is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-d.events:
			if !ok {
				return
			}
			d.Handle(evt)
		}
	}
}

// Handle processes one event. Frames that fail to decode or route are logged,
// counted and dropped; they never stop the loop.
func (d *Dispatcher) Handle(evt conn.Event) {
	if evt.Kind != conn.EventMessage {
		d.logStatus(evt)
		d.onStatus(evt)
		return
	}

	snap, err := d.decode(evt.Data)
	if err == nil {
		_, err = d.router.Route(snap)
	}
	if errors.Is(err, progress.ErrRequestDisposed) {
		d.dropped.Add(1)
		d.logger.Debug("dropping frame for disposed request",
			zap.String("source", evt.Source),
			zap.Error(err),
		)
		return
	}
	if err != nil {
		d.dropped.Add(1)
		metrics.ObserveDecodeFailure(evt.Source)
		d.logger.Warn("dropping progress frame",
			zap.String("source", evt.Source),
			zap.String("frame", truncate(evt.Data)),
			zap.Error(err),
		)
		return
	}
	d.routed.Add(1)
	metrics.ObserveSnapshot(evt.Source)
}

// Stats returns how many frames were routed and dropped.
func (d *Dispatcher) Stats() (routed, dropped int64) {
	return d.routed.Load(), d.dropped.Load()
}

func (d *Dispatcher) logStatus(evt conn.Event) {
	fields := []zap.Field{zap.String("source", evt.Source), zap.String("event", string(evt.Kind))}
	switch evt.Kind {
	case conn.EventReconnecting:
		d.logger.Info("transport reconnecting", append(fields, zap.Int("attempt", evt.Attempt))...)
	case conn.EventTerminated:
		d.logger.Error("transport terminated", append(fields, zap.Error(evt.Err))...)
	case conn.EventClose:
		d.logger.Warn("transport closed", append(fields, zap.Error(evt.Err))...)
	default:
		d.logger.Info("transport open", fields...)
	}
}

func truncate(data []byte) string {
	if len(data) <= maxLoggedFrame {
		return string(data)
	}
	return string(data[:maxLoggedFrame]) + "..."
}
