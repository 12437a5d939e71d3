// Package system provides a real clock implementation.
package system

import (
	"time"

	"github.com/JakeFAU/progresswatch/internal/conn"
)

// Clock implements conn.Clock using the time package.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc schedules f on its own goroutine once d has elapsed. The returned
// timer can be stopped before it fires.
func (Clock) AfterFunc(d time.Duration, f func()) conn.Timer {
	return time.AfterFunc(d, f)
}
