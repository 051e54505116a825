package handler

import (
	"context"

	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/basket/sketchdojo-rt/internal/router"
)

// SystemHandler answers ping, get_stats and get_room_info.
type SystemHandler struct {
	stats  StatsSource
	rooms  Rooms
	sender Sender
}

func NewSystemHandler(stats StatsSource, rooms Rooms, sender Sender) *SystemHandler {
	return &SystemHandler{stats: stats, rooms: rooms, sender: sender}
}

func (h *SystemHandler) Routes() map[string]router.HandlerFunc {
	return map[string]router.HandlerFunc{
		protocol.TypePing:        h.ping,
		protocol.TypeGetStats:    h.getStats,
		protocol.TypeGetRoomInfo: h.roomInfo,
	}
}

func (h *SystemHandler) ping(ctx context.Context, req router.Request) error {
	h.sender.Send(ctx, req.ClientID, protocol.Pong())
	return nil
}

// Snapshot combines connection, subscription and room counts.
func (h *SystemHandler) Snapshot() protocol.StatsSnapshot {
	s := h.stats.Stats()
	return protocol.StatsSnapshot{
		ActiveConnections:  s.ActiveConnections,
		TaskSubscriptions:  s.TaskSubscriptions,
		TotalSubscriptions: s.TotalSubscriptions,
		Rooms:              h.rooms.Count(),
	}
}

func (h *SystemHandler) getStats(ctx context.Context, req router.Request) error {
	h.sender.Send(ctx, req.ClientID, protocol.Stats(h.Snapshot()))
	return nil
}

func (h *SystemHandler) roomInfo(ctx context.Context, req router.Request) error {
	var body protocol.RoomInfoRequest
	if err := req.Message.Bind(&body); err != nil {
		return err
	}
	if body.RoomID == "" {
		return protocol.Validation(protocol.CodeInvalidPayload, "room_id is required")
	}
	info, err := h.rooms.RoomInfo(body.RoomID)
	if err != nil {
		return err
	}
	h.sender.Send(ctx, req.ClientID, protocol.RoomInfo(info.RoomID, info.Participants, info.Metadata, info.CreatedAt))
	return nil
}
