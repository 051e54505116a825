package protocol

import (
	"encoding/json"
	"time"
)

// Outbound envelope types.
const (
	TypeConnectionEstablished   = "connection_established"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypeRoomJoined              = "room_joined"
	TypeRoomLeft                = "room_left"
	TypeRoomUpdate              = "room_update"
	TypeRoomInfo                = "room_info"
	TypeTaskUpdate              = "task_update"
	TypeChatMessage             = "chat_message"
	TypeTypingIndicator         = "typing_indicator"
	TypeToolDiscovery           = "tool_discovery"
	TypeToolCallResult          = "tool_call_result"
	TypeToolCallError           = "tool_call_error"
	TypeError                   = "error"
	TypePong                    = "pong"
	TypePing                    = "ping"
	TypeStats                   = "stats"
)

// Room update events.
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
)

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	AssistantClientID = "assistant"
)

// Envelope is one outbound frame. It marshals flat: the type and timestamp
// sit beside the type-specific fields.
type Envelope struct {
	Type      string
	Timestamp time.Time
	Fields    map[string]any
}

// New builds an envelope stamped with the current UTC time.
func New(msgType string, fields map[string]any) Envelope {
	if fields == nil {
		fields = map[string]any{}
	}
	return Envelope{Type: msgType, Timestamp: time.Now().UTC(), Fields: fields}
}

// Get returns a field value, or nil.
func (e Envelope) Get(key string) any {
	return e.Fields[key]
}

// String returns a string field, or "".
func (e Envelope) String(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

func ConnectionEstablished(clientID string) Envelope {
	return New(TypeConnectionEstablished, map[string]any{"client_id": clientID})
}

// SubscriptionConfirmed echoes the job id under both its current and legacy keys.
func SubscriptionConfirmed(jobID string) Envelope {
	return New(TypeSubscriptionConfirmed, map[string]any{"job_id": jobID, "task_id": jobID})
}

func UnsubscriptionConfirmed(jobID string) Envelope {
	return New(TypeUnsubscriptionConfirmed, map[string]any{"job_id": jobID, "task_id": jobID})
}

func RoomJoined(roomID string, participants int, created bool) Envelope {
	return New(TypeRoomJoined, map[string]any{
		"room_id":           roomID,
		"participant_count": participants,
		"created":           created,
	})
}

func RoomLeft(roomID string) Envelope {
	return New(TypeRoomLeft, map[string]any{"room_id": roomID})
}

// RoomUpdate notifies members that clientID joined or left.
func RoomUpdate(roomID, event, clientID string, participants int) Envelope {
	return New(TypeRoomUpdate, map[string]any{
		"room_id": roomID,
		"event":   event,
		"data": map[string]any{
			"client_id":    clientID,
			"participants": participants,
		},
	})
}

// TaskUpdate carries job progress. fields supplies status-specific keys.
func TaskUpdate(jobID string, fields map[string]any) Envelope {
	f := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		f[k] = v
	}
	f["job_id"] = jobID
	f["task_id"] = jobID
	return New(TypeTaskUpdate, f)
}

func ChatMessage(roomID, clientID, text, messageID, role string) Envelope {
	return New(TypeChatMessage, map[string]any{
		"room_id":    roomID,
		"client_id":  clientID,
		"text":       text,
		"message_id": messageID,
		"role":       role,
	})
}

func TypingIndicator(roomID, clientID string, isTyping bool) Envelope {
	return New(TypeTypingIndicator, map[string]any{
		"room_id":   roomID,
		"client_id": clientID,
		"is_typing": isTyping,
	})
}

// ToolDiscovery lists the tool schemas visible to clientID.
func ToolDiscovery(clientID string, tools any) Envelope {
	return New(TypeToolDiscovery, map[string]any{"client_id": clientID, "tools": tools})
}

func ToolCallResult(clientID, toolID, callID, messageID string, result any) Envelope {
	return New(TypeToolCallResult, map[string]any{
		"client_id":  clientID,
		"tool_id":    toolID,
		"call_id":    callID,
		"message_id": messageID,
		"result":     result,
	})
}

// ToolCallError reports a failed call. callIndex is the position within a
// chat message's tool_calls, or -1 for a standalone tool_call.
func ToolCallError(clientID, toolID, messageID string, callIndex int, err *Error) Envelope {
	fields := map[string]any{
		"client_id":     clientID,
		"tool_id":       toolID,
		"call_id":       err.CallID,
		"message_id":    messageID,
		"error_code":    err.Code,
		"error_message": err.Message,
	}
	if callIndex >= 0 {
		fields["call_index"] = callIndex
	}
	return New(TypeToolCallError, fields)
}

// ErrorEnvelope renders err as a generic error frame.
func ErrorEnvelope(err *Error) Envelope {
	fields := map[string]any{
		"code":    err.Code,
		"message": err.Message,
	}
	if len(err.Details) > 0 {
		fields["details"] = err.Details
	}
	if err.CallID != "" {
		fields["call_id"] = err.CallID
	}
	if err.RequestType != "" {
		fields["request_type"] = err.RequestType
	}
	return New(TypeError, fields)
}

func Pong() Envelope { return New(TypePong, nil) }

func Ping() Envelope { return New(TypePing, nil) }

// StatsSnapshot is the payload of a stats reply and of /api/stats.
type StatsSnapshot struct {
	ActiveConnections  int `json:"active_connections"`
	TaskSubscriptions  int `json:"task_subscriptions"`
	TotalSubscriptions int `json:"total_subscriptions"`
	Rooms              int `json:"rooms"`
}

func Stats(s StatsSnapshot) Envelope {
	return New(TypeStats, map[string]any{
		"active_connections":  s.ActiveConnections,
		"task_subscriptions":  s.TaskSubscriptions,
		"total_subscriptions": s.TotalSubscriptions,
		"rooms":               s.Rooms,
	})
}

func RoomInfo(roomID string, participants []string, metadata map[string]any, createdAt time.Time) Envelope {
	return New(TypeRoomInfo, map[string]any{
		"room_id":           roomID,
		"participant_count": len(participants),
		"participants":      participants,
		"metadata":          metadata,
		"created_at":        createdAt.UTC().Format(time.RFC3339Nano),
	})
}
