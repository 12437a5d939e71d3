package command

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/metrics"
)

// Sender is the send half of a connection; conn.Manager implements it.
type Sender interface {
	Send(msg any) bool
}

// PushIssuer hands commands to an open push channel. Delivery is
// fire-and-forget: there is no acknowledgement beyond the channel accepting
// the frame.
type PushIssuer struct {
	sender Sender
	logger *zap.Logger
}

// NewPushIssuer wraps a sender.
func NewPushIssuer(sender Sender, logger *zap.Logger) *PushIssuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushIssuer{sender: sender, logger: logger}
}

// Strategy implements Issuer.
func (p *PushIssuer) Strategy() string {
	return "push"
}

// Issue serializes cmd onto the channel. It returns ErrNotAccepted when the
// channel is not open or the write fails.
func (p *PushIssuer) Issue(_ context.Context, cmd Command) (err error) {
	defer func() { metrics.ObserveCommand(p.Strategy(), string(cmd.Name), err) }()
	if err := cmd.Validate(); err != nil {
		return err
	}
	if !p.sender.Send(cmd) {
		return fmt.Errorf("push %s: %w", cmd.Name, ErrNotAccepted)
	}
	p.logger.Debug("command pushed", zap.String("command", string(cmd.Name)), zap.String("request_id", cmd.RequestID))
	return nil
}
