package otel

import (
	"context"
	"log/slog"

	"github.com/basket/sketchdojo-rt/internal/bus"
	"go.opentelemetry.io/otel/metric"
)

// ObserveBus folds lifecycle events into metrics and debug logs until ctx is
// done or the subscription closes.
func ObserveBus(ctx context.Context, b *bus.Bus, m *Metrics, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			record(ctx, m, logger, ev)
		}
	}
}

func record(ctx context.Context, m *Metrics, logger *slog.Logger, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.SessionEvent:
		switch ev.Topic {
		case bus.TopicSessionConnected:
			if !p.Replaced {
				m.WSConnections.Add(ctx, 1)
			}
		case bus.TopicSessionDisconnected:
			m.WSConnections.Add(ctx, -1)
		}
		logger.Debug("session event", "topic", ev.Topic, "client_id", p.ClientID, "replaced", p.Replaced)
	case bus.RoomEvent:
		attrs := metric.WithAttributes(AttrRoomID.String(p.RoomID))
		switch ev.Topic {
		case bus.TopicRoomJoined:
			m.RoomParticipants.Add(ctx, 1, attrs)
		case bus.TopicRoomLeft:
			m.RoomParticipants.Add(ctx, -1, attrs)
		}
		logger.Debug("room event", "topic", ev.Topic, "room_id", p.RoomID, "client_id", p.ClientID, "participants", p.Participants)
	case bus.ToolEvent:
		m.ToolCalls.Add(ctx, 1, metric.WithAttributes(AttrToolID.String(p.ToolID)))
		if p.ErrorCode != "" {
			m.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(
				AttrToolID.String(p.ToolID),
				AttrErrorCode.String(p.ErrorCode),
			))
		}
		logger.Debug("tool event", "tool_id", p.ToolID, "call_id", p.CallID, "client_id", p.ClientID, "error_code", p.ErrorCode)
	case bus.TaskEvent:
		m.TaskEvents.Add(ctx, 1, metric.WithAttributes(AttrTaskStatus.String(p.Status)))
		m.BroadcastDeliveries.Add(ctx, int64(p.Recipients))
		logger.Debug("task event", "topic", ev.Topic, "job_id", p.JobID, "recipients", p.Recipients)
	default:
		logger.Debug("unrecognized bus event", "topic", ev.Topic)
	}
}
