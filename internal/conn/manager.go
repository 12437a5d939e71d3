package conn

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/metrics"
)

// Config controls one Manager.
//   - Name: label used for events, logs and metrics (e.g. "websocket").
//   - MaxRetries: reconnect bound after a loss; Unbounded (-1) never gives up.
//   - Backoff: delay policy (defaults to FixedBackoff(DefaultRetryDelay)).
//   - Clock: timer source for reconnects (defaults to the time package).
//   - Logger: optional structured logger.
type Config struct {
	Name       string
	MaxRetries int
	Backoff    Backoff
	Clock      Clock
	Logger     *zap.Logger
}

// Manager keeps one live Session open against a Dialer and reconnects after
// losses according to its Machine. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	dialer Dialer
	events chan<- Event
	logger *zap.Logger

	mu      sync.Mutex
	machine Machine
	session Session
	timer   Timer
	// gen increments on every Open and Close; goroutines started for an
	// older generation drop their results.
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex
}

// NewManager wires a dialer to the shared event channel.
func NewManager(dialer Dialer, events chan<- Event, cfg Config) *Manager {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Backoff == nil {
		cfg.Backoff = FixedBackoff(DefaultRetryDelay)
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		events:  events,
		logger:  logger.With(zap.String("source", cfg.Name)),
		machine: NewMachine(cfg.MaxRetries),
	}
}

// Name returns the transport label.
func (m *Manager) Name() string {
	return m.cfg.Name
}

// Machine returns a copy of the current state machine.
func (m *Manager) Machine() Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.Machine().State
}

// Open starts a fresh connection attempt. Any existing session, pending
// reconnect or in-flight dial from an earlier Open is abandoned.
func (m *Manager) Open(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	old, oldCancel := m.resetLocked()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.machine, _ = Transition(m.machine, TriggerOpen)
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if oldCancel != nil {
		oldCancel()
	}
	m.logger.Info("connection opening")
	go m.dial(gen)
}

// Send serializes msg as JSON and writes it to the open session. It returns
// false without touching the transport unless the manager is OPEN. A []byte
// or json.RawMessage is sent verbatim.
func (m *Manager) Send(msg any) bool {
	m.mu.Lock()
	if m.machine.State != StateOpen || m.session == nil {
		m.mu.Unlock()
		return false
	}
	sess := m.session
	m.mu.Unlock()

	var data []byte
	switch v := msg.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		encoded, err := json.Marshal(msg)
		if err != nil {
			m.logger.Warn("send marshal failed", zap.Error(err))
			return false
		}
		data = encoded
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := sess.Send(data); err != nil {
		m.logger.Warn("send failed", zap.Error(err))
		return false
	}
	return true
}

// Close shuts the manager down. A pending reconnect is cancelled so a closed
// manager is never resurrected; only a later Open starts it again.
func (m *Manager) Close() {
	m.mu.Lock()
	prev := m.machine.State
	var action Action
	m.machine, action = Transition(m.machine, TriggerClose)
	sess, cancel := m.resetLocked()
	ctx := m.ctx
	m.mu.Unlock()

	if action == ActionNone {
		return
	}
	if sess != nil {
		_ = sess.Close()
	}
	if prev == StateOpen {
		metrics.SetConnectionOpen(m.cfg.Name, false)
		m.emit(ctx, Event{Kind: EventClose})
	}
	if cancel != nil {
		cancel()
	}
	m.logger.Info("connection closed by caller", zap.String("previous_state", string(prev)))
}

// resetLocked bumps the generation, stops the reconnect timer and detaches
// the session. Callers close the returned session outside the lock.
func (m *Manager) resetLocked() (Session, context.CancelFunc) {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	sess := m.session
	m.session = nil
	cancel := m.cancel
	m.cancel = nil
	return sess, cancel
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.machine.State != StateConnecting {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	sess, err := m.dialer.Dial(ctx)

	m.mu.Lock()
	if gen != m.gen || m.machine.State != StateConnecting {
		m.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	if err != nil {
		retries := m.machine.RetryCount
		outcome := m.loseLocked()
		m.mu.Unlock()
		m.logger.Warn("dial failed", zap.Error(err), zap.Int("retry_count", retries))
		m.afterLoss(ctx, gen, outcome, err)
		return
	}
	m.session = sess
	m.machine, _ = Transition(m.machine, TriggerHandshake)
	m.mu.Unlock()

	metrics.SetConnectionOpen(m.cfg.Name, true)
	m.logger.Info("connection open")
	m.emit(ctx, Event{Kind: EventOpen})
	go m.readLoop(ctx, gen, sess)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, sess Session) {
	for {
		data, err := sess.Receive()
		if err != nil {
			_ = sess.Close()
			m.mu.Lock()
			if gen != m.gen || m.session != sess {
				m.mu.Unlock()
				return
			}
			m.session = nil
			outcome := m.loseLocked()
			m.mu.Unlock()

			metrics.SetConnectionOpen(m.cfg.Name, false)
			metrics.ObserveConnectionLoss(m.cfg.Name)
			m.logger.Warn("connection lost", zap.Error(err))
			m.emit(ctx, Event{Kind: EventClose, Err: err})
			m.afterLoss(ctx, gen, outcome, err)
			return
		}
		if !m.emit(ctx, Event{Kind: EventMessage, Data: data}) {
			m.release(gen, sess)
			return
		}
	}
}

// release closes sess once nothing can take its frames. If sess is still the
// current session the manager stops as if closed, so a finished caller is not
// reconnected.
func (m *Manager) release(gen uint64, sess Session) {
	m.mu.Lock()
	current := gen == m.gen && m.session == sess
	var cancel context.CancelFunc
	if current {
		m.machine, _ = Transition(m.machine, TriggerClose)
		_, cancel = m.resetLocked()
	}
	m.mu.Unlock()

	_ = sess.Close()
	if cancel != nil {
		cancel()
	}
	if current {
		metrics.SetConnectionOpen(m.cfg.Name, false)
		m.logger.Info("connection released after context ended")
	}
}

type lossOutcome struct {
	action  Action
	retries int
}

// loseLocked feeds TriggerLoss into the machine. Callers hold mu.
func (m *Manager) loseLocked() lossOutcome {
	var action Action
	m.machine, action = Transition(m.machine, TriggerLoss)
	return lossOutcome{action: action, retries: m.machine.RetryCount}
}

// afterLoss arms the reconnect timer or reports termination. The timer is
// only armed if no Open or Close has happened since the loss.
func (m *Manager) afterLoss(ctx context.Context, gen uint64, out lossOutcome, cause error) {
	switch out.action {
	case ActionSchedule:
		m.mu.Lock()
		if gen != m.gen || m.machine.State != StateClosedRetrying || m.timer != nil {
			m.mu.Unlock()
			return
		}
		delay := m.cfg.Backoff.Delay(m.machine.RetryCount + 1)
		m.timer = m.cfg.Clock.AfterFunc(delay, func() { m.retry(gen) })
		m.mu.Unlock()
		m.logger.Info("reconnect scheduled", zap.Duration("delay", delay))
	case ActionTerminate:
		m.logger.Error("reconnect attempts exhausted", zap.Int("retries", out.retries), zap.Error(cause))
		m.emit(ctx, Event{Kind: EventTerminated, Err: cause})
	}
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.machine.State != StateClosedRetrying {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.machine, _ = Transition(m.machine, TriggerRetryTimer)
	attempt := m.machine.RetryCount
	ctx := m.ctx
	m.mu.Unlock()

	metrics.ObserveReconnectAttempt(m.cfg.Name)
	m.logger.Info("reconnecting", zap.Int("attempt", attempt))
	m.emit(ctx, Event{Kind: EventReconnecting, Attempt: attempt})
	m.dial(gen)
}

// emit delivers evt unless ctx ends first. It reports whether it delivered.
func (m *Manager) emit(ctx context.Context, evt Event) bool {
	evt.Source = m.cfg.Name
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case m.events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
