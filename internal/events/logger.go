package events

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// EventLogger records every published event, including synthesized
// error.processing events.
type EventLogger interface {
	LogEvent(ctx context.Context, event models.Event)
}

// EventLoggerFunc adapts a function to EventLogger.
type EventLoggerFunc func(ctx context.Context, event models.Event)

func (f EventLoggerFunc) LogEvent(ctx context.Context, event models.Event) { f(ctx, event) }

// SlogEventLogger writes events to a slog.Logger.
type SlogEventLogger struct {
	logger *slog.Logger
}

// NewSlogEventLogger creates an event logger; nil uses slog.Default().
func NewSlogEventLogger(logger *slog.Logger) *SlogEventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEventLogger{logger: logger}
}

func (l *SlogEventLogger) LogEvent(ctx context.Context, event models.Event) {
	attrs := []any{
		"eventID", event.ID,
		"eventType", event.Type,
		"conversationID", event.ConversationID,
	}
	if event.Metadata != nil {
		attrs = append(attrs, "source", event.Metadata.Source, "traceID", event.Metadata.TraceID, "correlationID", event.Metadata.CorrelationID)
	}
	if event.Type == models.EventErrorProcessing {
		l.logger.ErrorContext(ctx, "event", append(attrs, "errors", event.Payload["errors"])...)
		return
	}
	l.logger.InfoContext(ctx, "event", attrs...)
}
