package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound message types.
const (
	TypeJoinRoom        = "join_room"
	TypeJoinChatRoom    = "join_chat_room"
	TypeLeaveRoom       = "leave_room"
	TypeLeaveChatRoom   = "leave_chat_room"
	TypeDiscoverTools   = "discover_tools"
	TypeToolCall        = "tool_call"
	TypeSubscribeTask   = "subscribe_task"
	TypeUnsubscribeTask = "unsubscribe_task"
	TypeGetStats        = "get_stats"
	TypeGetRoomInfo     = "get_room_info"
)

// Inbound is one decoded client frame. Raw keeps the full object so a
// handler can bind it into its own request type.
type Inbound struct {
	Type string
	Raw  json.RawMessage
}

// Decode parses a frame and extracts its type tag.
func Decode(raw []byte) (Inbound, error) {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(raw, &head); err != nil || head == nil {
		return Inbound{}, Validation(CodeInvalidJSON, "message is not a valid JSON object")
	}
	var msgType string
	if t, ok := head["type"]; ok {
		_ = json.Unmarshal(t, &msgType)
	}
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		return Inbound{}, Validation(CodeMissingType, "message type is required")
	}
	return Inbound{Type: msgType, Raw: json.RawMessage(raw)}, nil
}

// Bind decodes the frame into v.
func (in Inbound) Bind(v any) error {
	if err := json.Unmarshal(in.Raw, v); err != nil {
		e := Validation(CodeInvalidPayload, fmt.Sprintf("invalid %s payload: %v", in.Type, err))
		e.RequestType = in.Type
		return e
	}
	return nil
}

// Field returns a top-level string value, or "" when the key is missing,
// not a string, or the frame does not bind. Handlers use it to keep
// correlation ids when the full payload is malformed.
func (in Inbound) Field(key string) string {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(in.Raw, &head); err != nil {
		return ""
	}
	var v string
	if raw, ok := head[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

type JoinRoomRequest struct {
	RoomID   string         `json:"room_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolCallSpec is one tool invocation, standalone or embedded in a chat message.
type ToolCallSpec struct {
	ToolID     string         `json:"tool_id"`
	CallID     string         `json:"call_id"`
	Parameters map[string]any `json:"parameters"`
}

type ToolCallRequest struct {
	ToolCallSpec
	MessageID string `json:"message_id"`
}

type ChatMessageRequest struct {
	Text      string         `json:"text"`
	Content   string         `json:"content"` // legacy alias for text
	MessageID string         `json:"message_id"`
	ToolCalls []ToolCallSpec `json:"tool_calls"`
}

// Body returns the message text, falling back to the legacy content field.
func (r ChatMessageRequest) Body() string {
	if strings.TrimSpace(r.Text) != "" {
		return r.Text
	}
	return r.Content
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type TaskRequest struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"` // legacy alias for job_id
}

// Job returns the job id, falling back to the legacy task_id field.
func (r TaskRequest) Job() string {
	if id := strings.TrimSpace(r.JobID); id != "" {
		return id
	}
	return strings.TrimSpace(r.TaskID)
}

type RoomInfoRequest struct {
	RoomID string `json:"room_id"`
}
