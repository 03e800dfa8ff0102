// Package events carries engine lifecycle notifications (endpoint churn,
// buffer drops, upload failures) to whoever wants to observe them.
package events

import (
	"github.com/rs/zerolog"

	"github.com/pingsantohq/healthagent/pkg/types"
)

type Recorder interface {
	Record(event types.Event)
}

// RecorderFunc adapts a plain function to Recorder.
type RecorderFunc func(types.Event)

func (f RecorderFunc) Record(event types.Event) { f(event) }

// Discard drops every event.
var Discard Recorder = RecorderFunc(func(types.Event) {})

// LogRecorder writes each event as a structured debug line.
type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) LogRecorder {
	return LogRecorder{logger: logger.With().Str("component", "events").Logger()}
}

func (r LogRecorder) Record(event types.Event) {
	if r.logger.GetLevel() > zerolog.DebugLevel {
		return
	}
	fields := make(map[string]any, len(event.Labels)+2)
	for k, v := range event.Labels {
		fields[k] = v
	}
	if event.EndpointID != "" {
		fields["endpoint_id"] = event.EndpointID
	}
	if len(event.Details) > 0 {
		fields["details"] = event.Details
	}
	r.logger.Debug().
		Str("event", string(event.Type)).
		Time("event_ts", event.Timestamp).
		Fields(fields).
		Msg("event")
}
