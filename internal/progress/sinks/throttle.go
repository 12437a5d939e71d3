package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/policy/ratelimit"
	"github.com/JakeFAU/progresswatch/internal/progress"
)

// ThrottleSink limits how often each bar is forwarded to the wrapped sink.
// Updates that latch completion, start a request or dispose a bar always
// pass. A throttled update is held as the bar's pending state and released
// once the bar's bucket refills, either by the next batch or by a timer
// armed when the update was held. Close flushes whatever is still held.
type ThrottleSink struct {
	next     progress.Sink
	limiter  *ratelimit.Limiter
	interval time.Duration
	logger   *zap.Logger

	// mu is held while forwarding to next.
	mu      sync.Mutex
	pending map[string]progress.Update
	timers  map[string]*time.Timer
	closed  bool
}

// NewThrottleSink forwards at most one update per bar every interval.
// A non-positive interval disables throttling.
func NewThrottleSink(next progress.Sink, interval time.Duration, logger *zap.Logger) *ThrottleSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := ratelimit.Config{DefaultBurst: 1}
	if interval > 0 {
		cfg.DefaultRPS = float64(time.Second) / float64(interval)
	}
	return &ThrottleSink{
		next:     next,
		limiter:  ratelimit.New(cfg),
		interval: interval,
		logger:   logger,
		pending:  make(map[string]progress.Update),
		timers:   make(map[string]*time.Timer),
	}
}

// Consume forwards the updates that pass the per-bar limiter, preceded by any
// previously held updates that are now due.
func (s *ThrottleSink) Consume(ctx context.Context, batch []progress.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.admitLocked(batch)
	if len(out) == 0 {
		return nil
	}
	if err := s.next.Consume(ctx, out); err != nil {
		return fmt.Errorf("throttled sink: %w", err)
	}
	return nil
}

func (s *ThrottleSink) admitLocked(batch []progress.Update) []progress.Update {
	incoming := make(map[string]struct{}, len(batch))
	for _, u := range batch {
		incoming[u.Bar.BarID] = struct{}{}
	}
	out := make([]progress.Update, 0, len(batch)+len(s.pending))
	for id, held := range s.pending {
		if _, superseded := incoming[id]; superseded {
			continue
		}
		if s.limiter.Allow(id) {
			out = append(out, held)
			delete(s.pending, id)
		}
	}

	for _, u := range batch {
		id := u.Bar.BarID
		switch {
		case u.Kind == progress.UpdateDisposed:
			delete(s.pending, id)
			s.stopTimerLocked(id)
			s.limiter.Forget(id)
			out = append(out, u)
		case u.Completed || u.Kind == progress.UpdateStart:
			delete(s.pending, id)
			s.stopTimerLocked(id)
			out = append(out, u)
		case s.limiter.Allow(id):
			delete(s.pending, id)
			s.stopTimerLocked(id)
			out = append(out, u)
		default:
			s.pending[id] = u
			s.armLocked(id)
		}
	}
	return out
}

// armLocked schedules a release of the bar's held update one interval out.
func (s *ThrottleSink) armLocked(id string) {
	if _, armed := s.timers[id]; armed || s.closed {
		return
	}
	s.timers[id] = time.AfterFunc(s.interval, func() { s.release(id) })
}

func (s *ThrottleSink) stopTimerLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *ThrottleSink) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
	if s.closed {
		return
	}
	held, ok := s.pending[id]
	if !ok {
		return
	}
	if !s.limiter.Allow(id) {
		s.armLocked(id)
		return
	}
	delete(s.pending, id)

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout(s.interval))
	defer cancel()
	if err := s.next.Consume(ctx, []progress.Update{held}); err != nil {
		s.logger.Warn("release throttled update failed",
			zap.String("bar_id", id),
			zap.Error(err),
		)
	}
}

func releaseTimeout(interval time.Duration) time.Duration {
	const floor = time.Second
	if interval < floor {
		return floor
	}
	return interval
}

// Pending returns the number of bars with a held update.
func (s *ThrottleSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops release timers, flushes held updates and closes the wrapped sink.
func (s *ThrottleSink) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id := range s.timers {
		s.stopTimerLocked(id)
	}
	held := make([]progress.Update, 0, len(s.pending))
	for id, u := range s.pending {
		held = append(held, u)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if len(held) > 0 {
		if err := s.next.Consume(ctx, held); err != nil {
			return fmt.Errorf("flush throttled updates: %w", err)
		}
	}
	if err := s.next.Close(ctx); err != nil {
		return fmt.Errorf("close throttled sink: %w", err)
	}
	return nil
}
