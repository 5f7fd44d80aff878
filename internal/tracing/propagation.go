package tracing

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// TraceHeader is the HTTP header that carries the trace ID across processes.
const TraceHeader = "X-Trace-Id"

// FromRequest builds a request-scoped context from incoming HTTP headers.
// It adopts the caller's X-Trace-Id when present, mints one otherwise, and
// always assigns a fresh request ID.
func FromRequest(r *http.Request) context.Context {
	ctx := r.Context()
	if traceID := r.Header.Get(TraceHeader); traceID != "" {
		ctx = WithTraceID(ctx, traceID)
	}
	return NewRequestContext(ctx)
}

// Middleware stamps every request with a trace ID and request ID and echoes
// the trace ID back on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := FromRequest(r)
		w.Header().Set(TraceHeader, GetTraceID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// InjectHeaders copies the trace ID from the context into outbound headers
func InjectHeaders(ctx context.Context, h http.Header) {
	if traceID := GetTraceID(ctx); traceID != "" {
		h.Set(TraceHeader, traceID)
	}
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.RequestID != "" {
		logger = logger.With().Str("request_id", tc.RequestID).Logger()
	}
	if tc.InvocationID != "" {
		logger = logger.With().Str("invocation_id", tc.InvocationID).Logger()
	}
	if tc.PluginID != "" {
		logger = logger.With().Str("plugin_id", tc.PluginID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach returns a context that carries the tracing values of ctx but none
// of its deadlines or cancellation. Used for work that outlives the request
// that started it, such as watcher-driven reloads.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
