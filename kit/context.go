package kit

import "context"

type contextKey string

const transportKey contextKey = "kit_transport"

// WithTransport records the transport ("http", "mcp") that carried a request.
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// GetTransport returns the transport recorded on ctx, "http" by default.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey).(string); ok {
		return v
	}
	return "http"
}

const traceIDKey contextKey = "kit_trace_id"

// WithTraceID attaches a request trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// GetTraceID returns the trace id on ctx or "".
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}
