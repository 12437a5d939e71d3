package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/progress"
)

// Publisher sends a payload to a named topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RequestCompleted is published once when a request's summary bar completes.
type RequestCompleted struct {
	RequestID   string    `json:"request_id"`
	Subtasks    float64   `json:"subtasks"`
	Completed   float64   `json:"completed"`
	Elapsed     float64   `json:"elapsed_seconds"`
	Aggregated  bool      `json:"aggregated"`
	CompletedAt time.Time `json:"completed_at"`
}

// NotifySink publishes a RequestCompleted message for every summary bar that
// latches completion. Child completions are ignored.
type NotifySink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink binds a publisher and topic. An empty topic defers to the
// publisher's default.
func NewNotifySink(publisher Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes completions found in the batch. The first failure stops
// the batch and is returned.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Update) error {
	for _, u := range batch {
		if !u.Completed || !u.Bar.Summary {
			continue
		}
		msg := RequestCompleted{
			RequestID:   u.Bar.RequestID,
			Subtasks:    u.Bar.Total,
			Completed:   u.Bar.N,
			Elapsed:     u.Bar.Elapsed,
			Aggregated:  u.Bar.Aggregated,
			CompletedAt: u.Bar.UpdatedAt,
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish completion for %s: %w", msg.RequestID, err)
		}
		s.logger.Info("request completion published",
			zap.String("request_id", msg.RequestID),
			zap.String("message_id", id),
		)
	}
	return nil
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
