// Package handler implements the session message handlers. Each handler is
// a router.Module built with only the collaborators it uses.
package handler

import (
	"context"

	"github.com/basket/sketchdojo-rt/internal/capability"
	"github.com/basket/sketchdojo-rt/internal/persistence"
	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/basket/sketchdojo-rt/internal/room"
	"github.com/basket/sketchdojo-rt/internal/session"
)

// Sender delivers an envelope to one client.
type Sender interface {
	Send(ctx context.Context, clientID string, env protocol.Envelope) bool
}

// Rooms is the subset of the room registry the handlers use.
type Rooms interface {
	JoinOrCreate(ctx context.Context, clientID, roomID string, metadata map[string]any) (room.Membership, error)
	LeaveRoom(ctx context.Context, clientID string) (string, bool)
	BroadcastToRoom(ctx context.Context, roomID string, env protocol.Envelope, exclude string) int
	RoomOf(clientID string) (string, bool)
	RoomInfo(roomID string) (room.Info, error)
	Count() int
}

// Tools is the capability registry as seen by handlers.
type Tools interface {
	Invoke(ctx context.Context, call capability.Call) (capability.Result, *protocol.Error)
	Discover(clientID string) []capability.ToolSchema
}

// History is the chat history collaborator: fire-and-forget writes,
// best-effort reads.
type History interface {
	Append(msg persistence.ChatMessage)
	Recent(ctx context.Context, roomID string, limit int) []persistence.ChatMessage
}

// Subscriptions is the job interest index.
type Subscriptions interface {
	Subscribe(clientID, jobID string)
	Unsubscribe(clientID, jobID string)
}

// StatsSource reports connection and subscription counts.
type StatsSource interface {
	Stats() session.Stats
}

// toolEnvelope renders the terminal outcome of one tool call. callIndex is
// the position inside a chat message, or -1 for a standalone call.
func toolEnvelope(clientID, toolID, messageID string, callIndex int, res capability.Result, perr *protocol.Error) protocol.Envelope {
	if perr != nil {
		return protocol.ToolCallError(clientID, toolID, messageID, callIndex, perr)
	}
	return protocol.ToolCallResult(clientID, res.ToolID, res.CallID, res.MessageID, res.Payload)
}
