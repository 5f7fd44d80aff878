package gateway

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/patchbay/patchbay/pkg/plugin"
)

// EventBroadcaster fans event stream messages out to all authenticated
// clients, stamping each with a monotonic sequence number.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Clients returns the registry this broadcaster delivers to.
func (b *EventBroadcaster) Clients() *ClientRegistry {
	return b.clients
}

// Broadcast sends a bare event to all authenticated clients.
func (b *EventBroadcaster) Broadcast(event string, data any) {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.nextSeq(),
	}
	b.broadcastMessage(msg)
}

// BroadcastTyped sends a stream event, filling sequence and timestamp when
// the caller left them unset.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	b.broadcastMessage(msg)
}

// Sink adapts the broadcaster to the runtime event bus. Approval requests
// are skipped here: the approval forwarder broadcasts those itself with
// full argument context.
func (b *EventBroadcaster) Sink() plugin.EventSink {
	return plugin.EventSinkFunc(func(e plugin.Event) {
		if e.Type == plugin.EventApprovalRequested {
			return
		}
		_, phase, _ := strings.Cut(string(e.Type), ".")
		b.BroadcastTyped(EventMessage{
			Event:     string(e.Type),
			Stream:    streamFor(e.Type),
			Phase:     phase,
			PluginID:  e.PluginID,
			Tool:      e.Tool,
			Error:     e.Error,
			TraceID:   traceDetail(e),
			Data:      e.Details,
			Timestamp: e.Time.UnixMilli(),
		})
	})
}

func (b *EventBroadcaster) broadcastMessage(msg EventMessage) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Str("stream", string(msg.Stream)).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.Authenticated()
	if len(clients) == 0 {
		return
	}

	successCount := 0
	failureCount := 0

	for _, client := range clients {
		if err := client.SendRaw(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}

func streamFor(t plugin.EventType) StreamType {
	prefix, _, _ := strings.Cut(string(t), ".")
	switch prefix {
	case "plugin":
		return StreamTypePlugin
	case "tool":
		return StreamTypeTool
	case "approval":
		return StreamTypeApproval
	default:
		return StreamTypeLifecycle
	}
}

func traceDetail(e plugin.Event) string {
	v, _ := e.Details["trace_id"].(string)
	return v
}
