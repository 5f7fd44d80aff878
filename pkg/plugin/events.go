package plugin

import "time"

// EventType names a runtime event.
type EventType string

const (
	EventPluginLoaded      EventType = "plugin.loaded"
	EventPluginActivated   EventType = "plugin.activated"
	EventPluginDeactivated EventType = "plugin.deactivated"
	EventPluginUnloaded    EventType = "plugin.unloaded"
	EventPluginReloaded    EventType = "plugin.reloaded"
	EventPluginError       EventType = "plugin.error"

	EventToolInvoked   EventType = "tool.invoked"
	EventToolCompleted EventType = "tool.completed"
	EventToolFailed    EventType = "tool.failed"

	EventApprovalRequested EventType = "approval.requested"
	EventApprovalResolved  EventType = "approval.resolved"
)

// Event is a single runtime occurrence, suitable for fan-out to the event
// stream, the audit log, and script hooks.
type Event struct {
	Type     EventType      `json:"type"`
	PluginID string         `json:"plugin_id,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	Error    string         `json:"error,omitempty"`
	Time     time.Time      `json:"time"`
	Details  map[string]any `json:"details,omitempty"`
}

// EventSink receives runtime events. Implementations must not block; slow
// consumers are expected to buffer or drop.
type EventSink interface {
	Emit(event Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(event Event) { f(event) }

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Emit(event Event) {
	for _, sink := range m {
		sink.Emit(event)
	}
}
