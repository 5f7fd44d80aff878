package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RequestIDKey is the context key for the HTTP request ID
	RequestIDKey ContextKey = "request_id"
	// InvocationIDKey is the context key for the tool invocation ID
	InvocationIDKey ContextKey = "invocation_id"
	// PluginIDKey is the context key for the plugin being operated on
	PluginIDKey ContextKey = "plugin_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID      string
	RequestID    string
	InvocationID string
	PluginID     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRequestID generates a new request ID
func NewRequestID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithInvocationID adds a tool invocation ID to the context
func WithInvocationID(ctx context.Context, invocationID string) context.Context {
	return context.WithValue(ctx, InvocationIDKey, invocationID)
}

// WithPluginID adds a plugin ID to the context
func WithPluginID(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, PluginIDKey, pluginID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetInvocationID retrieves the tool invocation ID from the context
func GetInvocationID(ctx context.Context) string {
	if invocationID, ok := ctx.Value(InvocationIDKey).(string); ok {
		return invocationID
	}
	return ""
}

// GetPluginID retrieves the plugin ID from the context
func GetPluginID(ctx context.Context) string {
	if pluginID, ok := ctx.Value(PluginIDKey).(string); ok {
		return pluginID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:      GetTraceID(ctx),
		RequestID:    GetRequestID(ctx),
		InvocationID: GetInvocationID(ctx),
		PluginID:     GetPluginID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.InvocationID != "" {
		ctx = WithInvocationID(ctx, tc.InvocationID)
	}
	if tc.PluginID != "" {
		ctx = WithPluginID(ctx, tc.PluginID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
// and a new request ID. An existing trace ID on the context is kept.
func NewRequestContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithRequestID(ctx, NewRequestID())
}

// NewInvocationContext creates a new context for a tool invocation. The
// trace ID is inherited from the parent when present, and the invocation
// ID and plugin ID identify the specific execution.
func NewInvocationContext(ctx context.Context, invocationID, pluginID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithInvocationID(ctx, invocationID)
	return WithPluginID(ctx, pluginID)
}
