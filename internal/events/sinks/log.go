package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-orchestrator/internal/events"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		for key, val := range map[string]string{
			"task_id":    evt.TaskID,
			"account_id": evt.AccountID,
			"session_id": evt.SessionID,
			"target_id":  evt.TargetID,
			"status":     evt.Status,
			"code":       evt.Code,
			"profile":    evt.Profile,
			"note":       evt.Note,
		} {
			if val != "" {
				fields = append(fields, zap.String(key, val))
			}
		}
		if evt.Fetched > 0 {
			fields = append(fields, zap.Int("fetched", evt.Fetched))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Kind == events.KindTaskFailed || evt.Kind == events.KindRunAborted {
			s.logger.Warn("harvest event", fields...)
			continue
		}
		s.logger.Info("harvest event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
