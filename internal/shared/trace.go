package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type connIDKey struct{}
type pluginKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithConnID tags the context with the id of the socket it serves.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID returns "" when the context is not bound to a connection.
func ConnID(ctx context.Context) string {
	if v, ok := ctx.Value(connIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewConnID generates an id for an accepted socket.
func NewConnID() string {
	return uuid.NewString()
}

// WithPlugin attaches the plugin name a request is served for.
func WithPlugin(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, pluginKey{}, name)
}

// Plugin returns "" if no plugin name is attached.
func Plugin(ctx context.Context) string {
	if v, ok := ctx.Value(pluginKey{}).(string); ok {
		return v
	}
	return ""
}
