// Package broadcast delivers background job events to subscribed clients,
// either called in-process or relayed from the Redis backplane.
package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/sketchdojo-rt/internal/bus"
	"github.com/basket/sketchdojo-rt/internal/protocol"
)

// Job statuses carried in task_update envelopes.
const (
	StatusProgress       = "progress"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusWebtoonUpdated = "webtoon_updated"
)

// Publisher fans an envelope out to the subscribers of one job.
type Publisher interface {
	Publish(ctx context.Context, jobID string, env protocol.Envelope) int
}

// Event is one status change of a job. Fields become the task_update body.
type Event struct {
	Status string
	Fields map[string]any
}

type Broadcaster struct {
	subs   Publisher
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

func New(subs Publisher, b *bus.Bus, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{subs: subs, bus: b, logger: logger, now: time.Now}
}

// Publish sends ev to every subscriber of jobID and returns how many
// deliveries succeeded. A job nobody watches is a no-op.
func (b *Broadcaster) Publish(ctx context.Context, jobID string, ev Event) int {
	fields := make(map[string]any, len(ev.Fields)+2)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	fields["status"] = ev.Status
	if _, ok := fields["timestamp"]; !ok {
		fields["timestamp"] = b.now().UTC().Format(time.RFC3339Nano)
	}

	n := b.subs.Publish(ctx, jobID, protocol.TaskUpdate(jobID, fields))
	b.bus.Publish(topicFor(ev.Status), bus.TaskEvent{JobID: jobID, Status: ev.Status, Recipients: n})
	b.logger.Debug("task event broadcast", "job_id", jobID, "status", ev.Status, "recipients", n)
	return n
}

func topicFor(status string) string {
	switch status {
	case StatusCompleted:
		return bus.TopicTaskCompleted
	case StatusFailed:
		return bus.TopicTaskFailed
	case StatusWebtoonUpdated:
		return bus.TopicTaskWebtoonUpdated
	default:
		return bus.TopicTaskProgress
	}
}

func (b *Broadcaster) Progress(ctx context.Context, jobID string, pct float64, operation string) int {
	return b.Publish(ctx, jobID, Event{Status: StatusProgress, Fields: map[string]any{
		"progress_percentage": pct,
		"current_operation":   operation,
	}})
}

func (b *Broadcaster) Completed(ctx context.Context, jobID, webtoonID string, result map[string]any) int {
	return b.Publish(ctx, jobID, Event{Status: StatusCompleted, Fields: map[string]any{
		"webtoon_id":  webtoonID,
		"result_data": result,
	}})
}

func (b *Broadcaster) Failed(ctx context.Context, jobID, message string) int {
	return b.Publish(ctx, jobID, Event{Status: StatusFailed, Fields: map[string]any{
		"error_message": message,
	}})
}

// WebtoonUpdated implements capability.WebtoonNotifier.
func (b *Broadcaster) WebtoonUpdated(ctx context.Context, jobID, webtoonID string, data map[string]any) int {
	fields := map[string]any{"webtoon_id": webtoonID}
	for k, v := range data {
		if k != "webtoon_id" {
			fields[k] = v
		}
	}
	return b.Publish(ctx, jobID, Event{Status: StatusWebtoonUpdated, Fields: fields})
}
