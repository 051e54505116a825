package bus

// Session lifecycle topics.
const (
	TopicSessionConnected    = "session.connected"
	TopicSessionDisconnected = "session.disconnected"
)

// Room membership topics.
const (
	TopicRoomJoined = "room.joined"
	TopicRoomLeft   = "room.left"
)

// TopicToolInvoked is published once per terminal tool call outcome.
const TopicToolInvoked = "tool.invoked"

// Task event topics, one per task_update status.
const (
	TopicTaskProgress       = "task.progress"
	TopicTaskCompleted      = "task.completed"
	TopicTaskFailed         = "task.failed"
	TopicTaskWebtoonUpdated = "task.webtoon_updated"
)

// SessionEvent accompanies the session.* topics.
type SessionEvent struct {
	ClientID string
	Replaced bool // a duplicate connect displaced an older handle
}

// RoomEvent accompanies the room.* topics.
type RoomEvent struct {
	RoomID       string
	ClientID     string
	Participants int
	RoomRemoved  bool
}

// ToolEvent accompanies TopicToolInvoked.
type ToolEvent struct {
	ClientID  string
	ToolID    string
	CallID    string
	ErrorCode string // empty on success
}

// TaskEvent accompanies the task.* topics.
type TaskEvent struct {
	JobID      string
	Status     string
	Recipients int
}
