package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type clientIDKey struct{}
type messageTypeKey struct{}

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

// WithClientID attaches the originating client id to the context.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// ClientID extracts client_id from context. Returns "" if absent.
func ClientID(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithMessageType attaches the inbound message type being handled.
func WithMessageType(ctx context.Context, messageType string) context.Context {
	return context.WithValue(ctx, messageTypeKey{}, messageType)
}

// MessageType extracts the inbound message type. Returns "" if absent.
func MessageType(ctx context.Context) string {
	if v, ok := ctx.Value(messageTypeKey{}).(string); ok {
		return v
	}
	return ""
}

// NewCallID generates a correlation id for a tool call that arrived without one.
func NewCallID() string {
	return uuid.NewString()
}

// LogAttrs returns the context-carried identifiers as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if id := ClientID(ctx); id != "" {
		attrs = append(attrs, "client_id", id)
	}
	if mt := MessageType(ctx); mt != "" {
		attrs = append(attrs, "message_type", mt)
	}
	return attrs
}
