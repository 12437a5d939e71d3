package conn

import "time"

// EventKind classifies what happened on a transport.
type EventKind string

// Event kinds delivered to the dispatcher.
const (
	EventOpen         EventKind = "open"
	EventClose        EventKind = "close"
	EventMessage      EventKind = "message"
	EventReconnecting EventKind = "reconnecting"
	EventTerminated   EventKind = "terminated"
)

// Event is one typed notification from a Manager. Close fires on every exit
// from OPEN, including ones that will be retried; only Terminated is final.
type Event struct {
	// Source names the transport binding that produced the event.
	Source string
	Kind   EventKind
	// Data carries the raw frame for EventMessage.
	Data []byte
	// Attempt is the reconnect ordinal for EventReconnecting.
	Attempt int
	// Err is the transport error behind Close or Terminated, if any.
	Err error
	At  time.Time
}
