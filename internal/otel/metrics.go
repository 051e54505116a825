package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the realtime server's instruments.
type Metrics struct {
	WSConnections       metric.Int64UpDownCounter
	RoomParticipants    metric.Int64UpDownCounter
	DispatchDuration    metric.Float64Histogram
	DispatchErrors      metric.Int64Counter
	ToolCalls           metric.Int64Counter
	ToolCallErrors      metric.Int64Counter
	GenerationDuration  metric.Float64Histogram
	BroadcastDeliveries metric.Int64Counter
	BroadcastFailures   metric.Int64Counter
	TaskEvents          metric.Int64Counter
	RateLimitRejects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WSConnections, err = meter.Int64UpDownCounter("sketchdojo.ws.connections",
		metric.WithDescription("Currently registered websocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.RoomParticipants, err = meter.Int64UpDownCounter("sketchdojo.room.participants",
		metric.WithDescription("Room memberships across all rooms"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("sketchdojo.dispatch.duration",
		metric.WithDescription("Inbound message handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchErrors, err = meter.Int64Counter("sketchdojo.dispatch.errors",
		metric.WithDescription("Inbound messages answered with an error envelope"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("sketchdojo.tool.calls",
		metric.WithDescription("Tool invocations reaching a terminal outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("sketchdojo.tool.errors",
		metric.WithDescription("Tool invocations that ended in an error"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationDuration, err = meter.Float64Histogram("sketchdojo.generation.duration",
		metric.WithDescription("Chat reply generation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastDeliveries, err = meter.Int64Counter("sketchdojo.broadcast.deliveries",
		metric.WithDescription("Envelopes delivered to connections"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastFailures, err = meter.Int64Counter("sketchdojo.broadcast.failures",
		metric.WithDescription("Envelope deliveries that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskEvents, err = meter.Int64Counter("sketchdojo.task.events",
		metric.WithDescription("Task updates published by status"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("sketchdojo.ratelimit.rejects",
		metric.WithDescription("Frames rejected by the per-client rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
