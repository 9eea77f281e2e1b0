package vault

import (
	"github.com/google/uuid"

	"github.com/vyrodovalexey/vaultcred/observability"
)

// EventSink receives fire-and-forget notifications about lease expiry,
// cache clears and tamper detection. Implementations must not block.
type EventSink interface {
	Emit(tag string, data map[string]any)
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(string, map[string]any) {}

// LogSink writes events to a structured logger, stamping each with a
// unique event id for correlation.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink creates a sink over the given logger.
func NewLogSink(logger observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogSink{logger: logger}
}

// Emit implements EventSink.
func (s *LogSink) Emit(tag string, data map[string]any) {
	s.logger.Info("event",
		observability.String("tag", tag),
		observability.String("event_id", uuid.NewString()),
		observability.Any("data", data),
	)
}

var _ EventSink = NopSink{}
var _ EventSink = (*LogSink)(nil)
