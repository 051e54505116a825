package handler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/sketchdojo-rt/internal/capability"
	"github.com/basket/sketchdojo-rt/internal/generation"
	"github.com/basket/sketchdojo-rt/internal/persistence"
	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/basket/sketchdojo-rt/internal/router"
	"github.com/basket/sketchdojo-rt/internal/shared"
	"github.com/google/uuid"
)

const defaultHistoryLimit = 20

// ChatDeps are the collaborators of a ChatHandler. Generator and History
// may be nil.
type ChatDeps struct {
	Rooms        Rooms
	Tools        Tools
	Sender       Sender
	Generator    generation.Generator
	History      History
	HistoryLimit int
	Logger       *slog.Logger
}

// ChatHandler serves room membership, chat messages and typing indicators.
// Assistant replies are produced off the read loop.
type ChatHandler struct {
	deps    ChatDeps
	logger  *slog.Logger
	pending sync.WaitGroup
}

func NewChatHandler(deps ChatDeps) *ChatHandler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = defaultHistoryLimit
	}
	return &ChatHandler{deps: deps, logger: logger}
}

func (h *ChatHandler) Routes() map[string]router.HandlerFunc {
	return map[string]router.HandlerFunc{
		protocol.TypeJoinRoom:        h.join,
		protocol.TypeJoinChatRoom:    h.join,
		protocol.TypeLeaveRoom:       h.leave,
		protocol.TypeLeaveChatRoom:   h.leave,
		protocol.TypeChatMessage:     h.message,
		protocol.TypeTypingIndicator: h.typing,
	}
}

// Wait blocks until every in-flight assistant reply has been delivered.
func (h *ChatHandler) Wait() { h.pending.Wait() }

func (h *ChatHandler) join(ctx context.Context, req router.Request) error {
	var body protocol.JoinRoomRequest
	if err := req.Message.Bind(&body); err != nil {
		return err
	}
	if strings.TrimSpace(body.RoomID) == "" {
		return protocol.Validation(protocol.CodeInvalidPayload, "room_id is required")
	}
	m, err := h.deps.Rooms.JoinOrCreate(ctx, req.ClientID, body.RoomID, body.Metadata)
	if err != nil {
		return err
	}
	h.deps.Sender.Send(ctx, req.ClientID, protocol.RoomJoined(m.RoomID, m.Participants, m.Created))
	return nil
}

func (h *ChatHandler) leave(ctx context.Context, req router.Request) error {
	roomID, ok := h.deps.Rooms.LeaveRoom(ctx, req.ClientID)
	if !ok {
		return protocol.NotFound(protocol.CodeNotInRoom, "not in a room")
	}
	h.deps.Sender.Send(ctx, req.ClientID, protocol.RoomLeft(roomID))
	return nil
}

func (h *ChatHandler) typing(ctx context.Context, req router.Request) error {
	var body protocol.TypingRequest
	if err := req.Message.Bind(&body); err != nil {
		return err
	}
	roomID, ok := h.deps.Rooms.RoomOf(req.ClientID)
	if !ok {
		return nil
	}
	h.deps.Rooms.BroadcastToRoom(ctx, roomID, protocol.TypingIndicator(roomID, req.ClientID, body.IsTyping), req.ClientID)
	return nil
}

func (h *ChatHandler) message(ctx context.Context, req router.Request) error {
	var body protocol.ChatMessageRequest
	if err := req.Message.Bind(&body); err != nil {
		return err
	}
	roomID, ok := h.deps.Rooms.RoomOf(req.ClientID)
	if !ok {
		return protocol.Validation(protocol.CodeNotInRoom, "you must join a room first")
	}
	text := strings.TrimSpace(body.Body())
	if text == "" && len(body.ToolCalls) == 0 {
		return protocol.Validation(protocol.CodeEmptyMessage, "message text is empty")
	}
	messageID := body.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	if text != "" {
		h.deps.Rooms.BroadcastToRoom(ctx, roomID,
			protocol.ChatMessage(roomID, req.ClientID, text, messageID, protocol.RoleUser), "")
		h.record(roomID, req.ClientID, protocol.RoleUser, text, messageID)
	}
	h.runToolCalls(ctx, roomID, req.ClientID, messageID, body.ToolCalls)

	if text != "" && h.deps.Generator != nil {
		h.pending.Add(1)
		go func() {
			defer h.pending.Done()
			h.reply(context.WithoutCancel(ctx), roomID, req.ClientID, text, messageID)
		}()
	}
	return nil
}

// runToolCalls invokes each call in order and broadcasts every outcome to
// the room. One failure does not stop the rest.
func (h *ChatHandler) runToolCalls(ctx context.Context, roomID, clientID, messageID string, calls []protocol.ToolCallSpec) {
	for i, tc := range calls {
		res, perr := h.deps.Tools.Invoke(ctx, capability.Call{
			ClientID:   clientID,
			ToolID:     tc.ToolID,
			CallID:     tc.CallID,
			MessageID:  messageID,
			Parameters: tc.Parameters,
		})
		h.deps.Rooms.BroadcastToRoom(ctx, roomID, toolEnvelope(clientID, tc.ToolID, messageID, i, res, perr), "")
	}
}

func (h *ChatHandler) reply(ctx context.Context, roomID, clientID, text, messageID string) {
	rc := generation.RoomContext{RoomID: roomID, ClientID: clientID, Text: text}
	if h.deps.History != nil {
		rc.History = withoutMessage(h.deps.History.Recent(ctx, roomID, h.deps.HistoryLimit), messageID)
	}
	for _, t := range h.deps.Tools.Discover(clientID) {
		rc.Tools = append(rc.Tools, t.ToolID)
	}

	out, err := h.deps.Generator.GenerateReply(ctx, rc)
	if err != nil || strings.TrimSpace(out.Text) == "" {
		h.logger.Warn("assistant reply failed", append(shared.LogAttrs(ctx),
			"room_id", roomID, "generator", h.deps.Generator.Name(), "error", err)...)
		out = generation.Reply{Text: generation.FallbackText}
	}

	replyID := uuid.NewString()
	h.deps.Rooms.BroadcastToRoom(ctx, roomID,
		protocol.ChatMessage(roomID, protocol.AssistantClientID, out.Text, replyID, protocol.RoleAssistant), "")
	h.record(roomID, protocol.AssistantClientID, protocol.RoleAssistant, out.Text, replyID)

	// Reply tool calls run with the requesting client's grants.
	h.runToolCalls(ctx, roomID, clientID, replyID, out.ToolCalls)
}

// withoutMessage drops the message being answered; it is sent as the
// prompt, and history writes are asynchronous so it may or may not be
// stored yet.
func withoutMessage(items []persistence.ChatMessage, messageID string) []persistence.ChatMessage {
	out := items[:0:0]
	for _, item := range items {
		if item.MessageID != messageID {
			out = append(out, item)
		}
	}
	return out
}

func (h *ChatHandler) record(roomID, clientID, role, text, messageID string) {
	if h.deps.History == nil {
		return
	}
	h.deps.History.Append(persistence.ChatMessage{
		RoomID:    roomID,
		ClientID:  clientID,
		Role:      role,
		Content:   text,
		MessageID: messageID,
	})
}
