package observability

import (
	"time"

	"github.com/patchbay/patchbay/pkg/plugin"
)

// MetricsSink adapts the runtime event stream into metric updates.
func MetricsSink() plugin.EventSink {
	EnsureRegistered()
	return plugin.EventSinkFunc(func(e plugin.Event) {
		switch e.Type {
		case plugin.EventPluginLoaded:
			RecordTransition("load")
		case plugin.EventPluginActivated:
			RecordTransition("activate")
		case plugin.EventPluginDeactivated:
			RecordTransition("deactivate")
		case plugin.EventPluginUnloaded:
			RecordTransition("unload")
		case plugin.EventPluginReloaded:
			RecordTransition("reload")
		case plugin.EventPluginError:
			RecordPluginError(e.PluginID)
		case plugin.EventToolCompleted:
			RecordInvocation(e.Tool, eventDuration(e), true)
		case plugin.EventToolFailed:
			RecordInvocation(e.Tool, eventDuration(e), false)
		case plugin.EventApprovalResolved:
			approved, _ := e.Details["approved"].(bool)
			RecordApproval(approved)
		}
	})
}

func eventDuration(e plugin.Event) time.Duration {
	switch ms := e.Details["duration_ms"].(type) {
	case int64:
		return time.Duration(ms) * time.Millisecond
	case float64:
		return time.Duration(ms * float64(time.Millisecond))
	}
	return 0
}
