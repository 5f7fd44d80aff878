package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestNewRequestID(t *testing.T) {
	id1 := NewRequestID()
	id2 := NewRequestID()

	if id1 == "" {
		t.Error("NewRequestID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewRequestID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := context.Background()
	traceID := "test-trace-id"

	ctx = WithTraceID(ctx, traceID)

	retrieved := GetTraceID(ctx)
	if retrieved != traceID {
		t.Errorf("Expected trace ID %s, got %s", traceID, retrieved)
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := context.Background()
	requestID := "test-request-id"

	ctx = WithRequestID(ctx, requestID)

	retrieved := GetRequestID(ctx)
	if retrieved != requestID {
		t.Errorf("Expected request ID %s, got %s", requestID, retrieved)
	}
}

func TestWithInvocationID(t *testing.T) {
	ctx := context.Background()
	invocationID := "test-invocation"

	ctx = WithInvocationID(ctx, invocationID)

	retrieved := GetInvocationID(ctx)
	if retrieved != invocationID {
		t.Errorf("Expected invocation ID %s, got %s", invocationID, retrieved)
	}
}

func TestWithPluginID(t *testing.T) {
	ctx := context.Background()
	pluginID := "disk-tools"

	ctx = WithPluginID(ctx, pluginID)

	retrieved := GetPluginID(ctx)
	if retrieved != pluginID {
		t.Errorf("Expected plugin ID %s, got %s", pluginID, retrieved)
	}
}

func TestGetTraceIDEmpty(t *testing.T) {
	ctx := context.Background()

	traceID := GetTraceID(ctx)
	if traceID != "" {
		t.Errorf("Expected empty trace ID, got %s", traceID)
	}
}

func TestGetRequestIDEmpty(t *testing.T) {
	ctx := context.Background()

	requestID := GetRequestID(ctx)
	if requestID != "" {
		t.Errorf("Expected empty request ID, got %s", requestID)
	}
}

func TestGetInvocationIDEmpty(t *testing.T) {
	ctx := context.Background()

	invocationID := GetInvocationID(ctx)
	if invocationID != "" {
		t.Errorf("Expected empty invocation ID, got %s", invocationID)
	}
}

func TestGetPluginIDEmpty(t *testing.T) {
	ctx := context.Background()

	pluginID := GetPluginID(ctx)
	if pluginID != "" {
		t.Errorf("Expected empty plugin ID, got %s", pluginID)
	}
}

func TestFromContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRequestID(ctx, "request-456")
	ctx = WithInvocationID(ctx, "invocation-789")
	ctx = WithPluginID(ctx, "disk-tools")

	tc := FromContext(ctx)

	if tc.TraceID != "trace-123" {
		t.Errorf("Expected trace ID trace-123, got %s", tc.TraceID)
	}
	if tc.RequestID != "request-456" {
		t.Errorf("Expected request ID request-456, got %s", tc.RequestID)
	}
	if tc.InvocationID != "invocation-789" {
		t.Errorf("Expected invocation ID invocation-789, got %s", tc.InvocationID)
	}
	if tc.PluginID != "disk-tools" {
		t.Errorf("Expected plugin ID disk-tools, got %s", tc.PluginID)
	}
}

func TestNewContext(t *testing.T) {
	ctx := context.Background()

	tc := &TraceContext{
		TraceID:      "trace-123",
		RequestID:    "request-456",
		InvocationID: "invocation-789",
		PluginID:     "disk-tools",
	}

	ctx = NewContext(ctx, tc)

	if GetTraceID(ctx) != "trace-123" {
		t.Error("Trace ID not set correctly")
	}
	if GetRequestID(ctx) != "request-456" {
		t.Error("Request ID not set correctly")
	}
	if GetInvocationID(ctx) != "invocation-789" {
		t.Error("Invocation ID not set correctly")
	}
	if GetPluginID(ctx) != "disk-tools" {
		t.Error("Plugin ID not set correctly")
	}
}

func TestNewContextPartial(t *testing.T) {
	ctx := context.Background()

	tc := &TraceContext{
		TraceID: "trace-123",
		// Other fields empty
	}

	ctx = NewContext(ctx, tc)

	if GetTraceID(ctx) != "trace-123" {
		t.Error("Trace ID not set correctly")
	}
	if GetRequestID(ctx) != "" {
		t.Error("Request ID should be empty")
	}
	if GetInvocationID(ctx) != "" {
		t.Error("Invocation ID should be empty")
	}
	if GetPluginID(ctx) != "" {
		t.Error("Plugin ID should be empty")
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := context.Background()

	ctx = NewRequestContext(ctx)

	traceID := GetTraceID(ctx)
	if traceID == "" {
		t.Error("Trace ID not generated")
	}

	// Verify it's a valid UUID format
	if len(traceID) != 36 {
		t.Errorf("Expected UUID format (36 chars), got %d chars", len(traceID))
	}

	requestID := GetRequestID(ctx)
	if requestID == "" {
		t.Error("Request ID not generated")
	}
	if requestID == traceID {
		t.Error("Request ID should differ from trace ID")
	}
}

func TestNewRequestContextKeepsTraceID(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-upstream")

	ctx = NewRequestContext(ctx)

	if GetTraceID(ctx) != "trace-upstream" {
		t.Error("Existing trace ID should be kept")
	}
	if GetRequestID(ctx) == "" {
		t.Error("Request ID not generated")
	}
}

func TestNewInvocationContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-parent")

	ctx = NewInvocationContext(ctx, "inv-42", "disk-tools")

	if GetTraceID(ctx) != "trace-parent" {
		t.Error("Trace ID not inherited from parent")
	}
	if GetInvocationID(ctx) != "inv-42" {
		t.Error("Invocation ID not set correctly")
	}
	if GetPluginID(ctx) != "disk-tools" {
		t.Error("Plugin ID not set correctly")
	}
}

func TestNewInvocationContextMintsTraceID(t *testing.T) {
	ctx := context.Background()

	ctx = NewInvocationContext(ctx, "inv-1", "disk-tools")

	traceID := GetTraceID(ctx)
	if traceID == "" {
		t.Error("Trace ID not generated when missing")
	}
	if len(traceID) != 36 {
		t.Errorf("Expected UUID format (36 chars), got %d chars", len(traceID))
	}
}

func TestContextPropagation(t *testing.T) {
	// Create a request context with tracing
	requestCtx := context.Background()
	requestCtx = WithTraceID(requestCtx, "trace-request")
	requestCtx = WithRequestID(requestCtx, "request-1")

	// Two invocations spawned from the same request share the trace
	inv1 := NewInvocationContext(requestCtx, "inv-1", "disk-tools")
	inv2 := NewInvocationContext(requestCtx, "inv-2", "net-tools")

	if GetTraceID(inv1) != "trace-request" || GetTraceID(inv2) != "trace-request" {
		t.Error("Trace ID not propagated to invocation contexts")
	}

	if GetInvocationID(inv1) == GetInvocationID(inv2) {
		t.Error("Invocation IDs should differ across invocations")
	}

	if GetPluginID(inv1) != "disk-tools" || GetPluginID(inv2) != "net-tools" {
		t.Error("Plugin ID not set correctly")
	}
}
