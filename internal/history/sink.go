package history

import (
	"context"
	"time"

	"github.com/patchbay/patchbay/pkg/plugin"
)

// Sink returns an event sink that archives every finished invocation.
// Write failures are logged and dropped so a slow disk never stalls the
// event path.
func (s *Store) Sink() plugin.EventSink {
	return plugin.EventSinkFunc(func(e plugin.Event) {
		var success bool
		switch e.Type {
		case plugin.EventToolCompleted:
			success = true
		case plugin.EventToolFailed:
		default:
			return
		}

		duration := durationMS(e)
		rec := Record{
			ID:         stringDetail(e, "invocation_id"),
			TraceID:    stringDetail(e, "trace_id"),
			Tool:       e.Tool,
			PluginID:   e.PluginID,
			Success:    success,
			Error:      e.Error,
			DurationMS: duration,
			StartedAt:  e.Time.Add(-time.Duration(duration) * time.Millisecond),
		}
		if err := s.Add(context.Background(), rec); err != nil {
			s.logger.Warn().Err(err).
				Str("invocation_id", rec.ID).
				Str("tool", rec.Tool).
				Msg("Failed to archive invocation")
		}
	})
}

func stringDetail(e plugin.Event, key string) string {
	v, _ := e.Details[key].(string)
	return v
}

func durationMS(e plugin.Event) int64 {
	switch v := e.Details["duration_ms"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
