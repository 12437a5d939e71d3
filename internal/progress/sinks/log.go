package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/progress"
)

// LogSink emits structured logs for every bar update. It is the default
// renderer when no terminal is attached.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each update in the batch using structured fields. Completions
// are logged at info, routine progress at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Update) error {
	for _, u := range batch {
		bar := u.Bar
		fields := []zap.Field{
			zap.String("kind", string(u.Kind)),
			zap.String("request_id", bar.RequestID),
			zap.String("bar_id", bar.BarID),
			zap.Float64("n", bar.N),
			zap.Float64("total", bar.Total),
			zap.Float64("percent", bar.Percent()),
			zap.Float64("elapsed", bar.Elapsed),
			zap.Bool("summary", bar.Summary),
		}
		if bar.Rate != nil {
			fields = append(fields, zap.Float64("rate", *bar.Rate))
		}
		if bar.Prefix != nil {
			fields = append(fields, zap.String("prefix", *bar.Prefix))
		}
		switch {
		case u.Completed:
			s.logger.Info("bar completed", fields...)
		case u.Kind == progress.UpdateStart:
			s.logger.Info("request started", fields...)
		case u.Kind == progress.UpdateDisposed:
			s.logger.Info("bar disposed", fields...)
		default:
			s.logger.Debug("bar progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
