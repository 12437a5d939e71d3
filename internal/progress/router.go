package progress

import (
	"fmt"

	"go.uber.org/zap"
)

// Router applies snapshots to the Store, runs the Aggregator, and notifies the
// Renderer. Route is driven by a single dispatcher goroutine; StartRequest and
// Dispose may run concurrently with it since every Store operation is atomic.
type Router struct {
	store      *Store
	aggregator *Aggregator
	renderer   Renderer
	logger     *zap.Logger
}

// NewRouter wires the store and renderer. A nil renderer discards updates.
func NewRouter(store *Store, renderer Renderer, logger *zap.Logger) *Router {
	if renderer == nil {
		renderer = RendererFunc(func(Update) {})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:      store,
		aggregator: NewAggregator(store),
		renderer:   renderer,
		logger:     logger,
	}
}

// Store returns the backing store.
func (r *Router) Store() *Store {
	return r.store
}

// Route applies one snapshot and returns the updates it rendered: the bar
// itself, followed by its summary bar when the snapshot completed a child.
// Snapshots for a disposed request return ErrRequestDisposed and render nothing.
func (r *Router) Route(snap Snapshot) ([]Update, error) {
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("route snapshot: %w", err)
	}
	updates := make([]Update, 0, 2)
	update, ok := r.store.apply(snap)
	if !ok {
		return nil, fmt.Errorf("route snapshot for %q: %w", snap.RequestID, ErrRequestDisposed)
	}
	updates = append(updates, update)
	if update.Completed {
		r.logger.Debug("bar completed",
			zap.String("request_id", update.Bar.RequestID),
			zap.String("bar_id", update.Bar.BarID),
		)
	}
	if summary, ok := r.aggregator.Observe(update); ok {
		updates = append(updates, summary)
	}
	for _, u := range updates {
		r.renderer.Render(u)
	}
	return updates, nil
}

// StartRequest creates the summary bar of a request with the number of
// sub-tasks the caller is about to start.
func (r *Router) StartRequest(requestID string, subtasks int) Update {
	update := r.store.EnsureSummary(requestID, float64(subtasks))
	r.renderer.Render(update)
	return update
}

// Dispose drops a request group and renders the removed bars one last time.
func (r *Router) Dispose(requestID string) int {
	removed := r.store.Dispose(requestID)
	for _, bar := range removed {
		r.renderer.Render(Update{Kind: UpdateDisposed, Bar: bar})
	}
	if len(removed) > 0 {
		r.logger.Debug("request disposed", zap.String("request_id", requestID), zap.Int("bars", len(removed)))
	}
	return len(removed)
}
