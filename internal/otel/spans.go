package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys shared by spans and metric points.
var (
	AttrClientID    = attribute.Key("sketchdojo.client.id")
	AttrMessageType = attribute.Key("sketchdojo.message.type")
	AttrErrorCode   = attribute.Key("sketchdojo.error.code")
	AttrToolID      = attribute.Key("sketchdojo.tool.id")
	AttrCallID      = attribute.Key("sketchdojo.tool.call_id")
	AttrRoomID      = attribute.Key("sketchdojo.room.id")
	AttrJobID       = attribute.Key("sketchdojo.job.id")
	AttrTaskStatus  = attribute.Key("sketchdojo.task.status")
	AttrModel       = attribute.Key("sketchdojo.generation.model")
	AttrSurface     = attribute.Key("sketchdojo.ratelimit.surface")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound websocket frame.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (generation, redis).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// TracerOrNoop returns t, or a no-op tracer when t is nil.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return t
}
