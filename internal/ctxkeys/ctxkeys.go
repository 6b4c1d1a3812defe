// Package ctxkeys defines the context keys this build threads through a
// request's lifetime.
package ctxkeys

import "context"

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID attaches a request's trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace ID attached to ctx, if any.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
