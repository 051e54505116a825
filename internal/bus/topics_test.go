package bus

import (
	"strings"
	"testing"
)

func TestTopics_UniqueAndPrefixed(t *testing.T) {
	groups := map[string][]string{
		"session.": {TopicSessionConnected, TopicSessionDisconnected},
		"room.":    {TopicRoomJoined, TopicRoomLeft},
		"tool.":    {TopicToolInvoked},
		"task.":    {TopicTaskProgress, TopicTaskCompleted, TopicTaskFailed, TopicTaskWebtoonUpdated},
	}
	seen := map[string]bool{}
	for prefix, topics := range groups {
		for _, topic := range topics {
			if !strings.HasPrefix(topic, prefix) {
				t.Fatalf("topic %q should start with %q", topic, prefix)
			}
			if seen[topic] {
				t.Fatalf("duplicate topic %q", topic)
			}
			seen[topic] = true
		}
	}
}

func TestTopics_TaskPrefixSelectsOnlyTaskEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRoomLeft, RoomEvent{RoomID: "room_x", ClientID: "a"})
	b.Publish(TopicTaskFailed, TaskEvent{JobID: "j", Status: "failed"})
	b.Publish(TopicTaskCompleted, TaskEvent{JobID: "j", Status: "completed"})

	got := []string{(<-sub.Ch()).Topic, (<-sub.Ch()).Topic}
	if got[0] != TopicTaskFailed || got[1] != TopicTaskCompleted {
		t.Fatalf("unexpected topics %v", got)
	}
}
