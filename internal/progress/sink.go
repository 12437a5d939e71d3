package progress

import "context"

// Renderer is notified of every bar state change. Implementations must not
// block the caller for long; Hub is the buffered implementation.
type Renderer interface {
	Render(u Update)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(Update)

// Render calls f(u).
func (f RendererFunc) Render(u Update) {
	f(u)
}

// Sink consumes batches of bar updates. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Update) error
	Close(ctx context.Context) error
}
