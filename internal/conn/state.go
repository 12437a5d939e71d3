package conn

import "fmt"

// State is the lifecycle position of a Manager.
type State string

// Supported connection states. StateIdle only exists before the first Open.
const (
	StateIdle           State = "IDLE"
	StateConnecting     State = "CONNECTING"
	StateOpen           State = "OPEN"
	StateClosedRetrying State = "CLOSED_RETRYING"
	StateTerminated     State = "TERMINATED"
)

// Unbounded disables the reconnect limit.
const Unbounded = -1

// Trigger is an input to the state machine.
type Trigger string

// Triggers fed into Transition.
const (
	// TriggerOpen is a caller asking for a fresh connection attempt.
	TriggerOpen Trigger = "open"
	// TriggerHandshake reports a successful dial.
	TriggerHandshake Trigger = "handshake"
	// TriggerLoss reports a failed dial or a dropped session.
	TriggerLoss Trigger = "loss"
	// TriggerRetryTimer reports that the reconnect delay elapsed.
	TriggerRetryTimer Trigger = "retry_timer"
	// TriggerClose is a caller shutting the manager down.
	TriggerClose Trigger = "close"
)

// Action tells the Manager which side effect a transition requires.
type Action string

// Actions returned by Transition.
const (
	ActionNone      Action = "none"
	ActionDial      Action = "dial"
	ActionOpened    Action = "opened"
	ActionSchedule  Action = "schedule_retry"
	ActionTerminate Action = "terminate"
	ActionShutdown  Action = "shutdown"
)

// Machine is the reconnect bookkeeping for one Manager.
type Machine struct {
	State      State
	RetryCount int
	MaxRetries int
}

// NewMachine returns an idle machine with the given retry bound.
func NewMachine(maxRetries int) Machine {
	return Machine{State: StateIdle, MaxRetries: maxRetries}
}

// Exhausted reports whether another reconnect would exceed MaxRetries.
func (m Machine) Exhausted() bool {
	return m.MaxRetries != Unbounded && m.RetryCount >= m.MaxRetries
}

func (m Machine) String() string {
	limit := "unbounded"
	if m.MaxRetries != Unbounded {
		limit = fmt.Sprintf("%d", m.MaxRetries)
	}
	return fmt.Sprintf("%s retries=%d/%s", m.State, m.RetryCount, limit)
}

// Transition is the pure state function behind Manager. Triggers that do not
// apply to the current state leave it unchanged and return ActionNone, which
// is how late callbacks from a replaced session are ignored.
func Transition(m Machine, t Trigger) (Machine, Action) {
	switch t {
	case TriggerOpen:
		m.State = StateConnecting
		m.RetryCount = 0
		return m, ActionDial
	case TriggerClose:
		if m.State == StateTerminated {
			return m, ActionNone
		}
		m.State = StateTerminated
		return m, ActionShutdown
	}

	switch m.State {
	case StateConnecting:
		switch t {
		case TriggerHandshake:
			m.State = StateOpen
			m.RetryCount = 0
			return m, ActionOpened
		case TriggerLoss:
			return lose(m)
		}
	case StateOpen:
		if t == TriggerLoss {
			return lose(m)
		}
	case StateClosedRetrying:
		if t == TriggerRetryTimer {
			m.State = StateConnecting
			m.RetryCount++
			return m, ActionDial
		}
	}
	return m, ActionNone
}

func lose(m Machine) (Machine, Action) {
	if m.Exhausted() {
		m.State = StateTerminated
		return m, ActionTerminate
	}
	m.State = StateClosedRetrying
	return m, ActionSchedule
}
