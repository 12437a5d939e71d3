package conn

import (
	"context"
	"errors"
	"time"
)

// ErrSendUnsupported is returned by one-way sessions such as event streams.
var ErrSendUnsupported = errors.New("session is receive-only")

// Dialer establishes one physical channel to the server.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is a single physical channel. Receive blocks until a frame arrives
// or the channel fails; Close must unblock a pending Receive.
type Session interface {
	Receive() ([]byte, error)
	Send(data []byte) error
	Close() error
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules reconnect attempts (useful for testing).
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Session, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
