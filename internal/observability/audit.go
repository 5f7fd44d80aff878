package observability

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay/patchbay/internal/tracing"
	"github.com/patchbay/patchbay/pkg/plugin"
)

// AuditEvent represents a structured entry in the audit log
type AuditEvent struct {
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"` // plugin ID or API client
	Action    string         `json:"action"`          // e.g. "plugin.activated", "tool.invoked"
	Status    string         `json:"status"`          // "success", "failure", "pending"
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// AuditLogger appends structured events to the audit log
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process audit logger. It writes to stderr
// until InitAuditLogger points it at a file.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{
			logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		}
	}
	return auditInst
}

// InitAuditLogger routes audit events to an append-only file
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst != nil && auditInst.file != nil {
		auditInst.file.Close()
	}
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	return nil
}

// Record emits an audit event, stamping it with the context's trace ID
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// AuditSink routes every runtime event into the audit log.
func AuditSink() plugin.EventSink {
	return plugin.EventSinkFunc(func(e plugin.Event) {
		// Details is shared with the other sinks; copy before annotating.
		meta := e.Details
		if e.Tool != "" || e.Error != "" {
			meta = make(map[string]any, len(e.Details)+2)
			for k, v := range e.Details {
				meta[k] = v
			}
			if e.Tool != "" {
				meta["tool"] = e.Tool
			}
			if e.Error != "" {
				meta["error"] = e.Error
			}
		}
		GetAuditLogger().Record(context.Background(), AuditEvent{
			Type:      eventCategory(e.Type),
			Timestamp: e.Time,
			Actor:     e.PluginID,
			Action:    string(e.Type),
			Status:    eventStatus(e),
			Metadata:  meta,
		})
	})
}

// eventCategory maps "plugin.activated" to "plugin", "tool.invoked" to
// "tool", and so on.
func eventCategory(t plugin.EventType) string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return s
}

func eventStatus(e plugin.Event) string {
	switch e.Type {
	case plugin.EventToolInvoked, plugin.EventApprovalRequested:
		return "pending"
	}
	if e.Error != "" {
		return "failure"
	}
	return "success"
}

// Helper methods for common events

func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]any) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "security",
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]any) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
