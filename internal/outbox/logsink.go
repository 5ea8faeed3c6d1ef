package outbox

import (
	"context"
	"log/slog"
)

// LogSink writes events to the logger. Used when no broker is configured,
// mainly in development.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(_ context.Context, ev Event) error {
	s.log.Info("outbox event",
		"event_id", ev.ID,
		"aggregate_id", ev.AggregateID,
		"event_type", ev.EventType,
		"payload", string(ev.Payload),
	)
	return nil
}
