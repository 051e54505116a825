package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backplane notification kinds. The Redis channel is "<prefix>:<kind>".
const (
	KindTaskProgress   = "task_progress"
	KindTaskCompleted  = "task_completed"
	KindTaskFailed     = "task_failed"
	KindWebtoonUpdated = "webtoon_updated"
)

var kinds = []string{KindTaskProgress, KindTaskCompleted, KindTaskFailed, KindWebtoonUpdated}

// Notification is the backplane wire shape. Type repeats the channel name.
type Notification struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ProgressPayload and friends are the payloads workers publish.
type ProgressPayload struct {
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

type CompletedPayload struct {
	TaskID    string         `json:"task_id"`
	Result    map[string]any `json:"result"`
	WebtoonID string         `json:"webtoon_id,omitempty"`
}

type FailedPayload struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

type WebtoonPayload struct {
	TaskID      string `json:"task_id"`
	WebtoonID   string `json:"webtoon_id"`
	HTMLContent string `json:"html_content"`
}

// Channels lists the backplane channels for prefix.
func Channels(prefix string) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = prefix + ":" + k
	}
	return out
}

// Dial opens a Redis client from a redis:// URL and checks it with PING.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Relay subscribes to the backplane channels and replays every
// notification through a Broadcaster.
type Relay struct {
	rdb    *redis.Client
	target *Broadcaster
	prefix string
	logger *slog.Logger
}

func NewRelay(rdb *redis.Client, target *Broadcaster, prefix string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rdb: rdb, target: target, prefix: prefix, logger: logger}
}

// Run blocks until ctx is done or the subscription breaks.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, Channels(r.prefix)...)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe backplane: %w", err)
	}
	r.logger.Info("backplane relay subscribed", "channels", Channels(r.prefix))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("backplane subscription closed")
			}
			if _, err := r.Handle(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				r.logger.Warn("backplane message skipped", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// Handle decodes one backplane message and broadcasts it. It returns the
// number of clients reached.
func (r *Relay) Handle(ctx context.Context, channel string, raw []byte) (int, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode notification: %w", err)
	}
	kind := kindOf(n.Type)
	if kind == "" {
		kind = kindOf(channel)
	}
	if len(n.Payload) == 0 {
		return 0, fmt.Errorf("notification %q has no payload", n.Type)
	}

	switch kind {
	case KindTaskProgress:
		var p ProgressPayload
		if err := decodePayload(n.Payload, &p); err != nil {
			return 0, err
		}
		if p.TaskID == "" {
			return 0, errors.New("task_progress: missing task_id")
		}
		return r.target.Progress(ctx, p.TaskID, p.Progress, p.Message), nil
	case KindTaskCompleted:
		var p CompletedPayload
		if err := decodePayload(n.Payload, &p); err != nil {
			return 0, err
		}
		if p.TaskID == "" {
			return 0, errors.New("task_completed: missing task_id")
		}
		return r.target.Completed(ctx, p.TaskID, p.WebtoonID, p.Result), nil
	case KindTaskFailed:
		var p FailedPayload
		if err := decodePayload(n.Payload, &p); err != nil {
			return 0, err
		}
		if p.TaskID == "" {
			return 0, errors.New("task_failed: missing task_id")
		}
		return r.target.Failed(ctx, p.TaskID, p.Error), nil
	case KindWebtoonUpdated:
		var p WebtoonPayload
		if err := decodePayload(n.Payload, &p); err != nil {
			return 0, err
		}
		if p.TaskID == "" || p.WebtoonID == "" {
			return 0, errors.New("webtoon_updated: task_id and webtoon_id are required")
		}
		return r.target.WebtoonUpdated(ctx, p.TaskID, p.WebtoonID, map[string]any{"html_content": p.HTMLContent}), nil
	default:
		return 0, fmt.Errorf("unknown notification type %q", n.Type)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// kindOf accepts both "task_progress" and "sketchdojo:task_progress".
func kindOf(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	for _, k := range kinds {
		if name == k {
			return k
		}
	}
	return ""
}

// RedisPublisher is the producer side of the backplane.
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisPublisher(rdb *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

// Encode renders one notification in the backplane shape.
func Encode(prefix, kind string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(Notification{Type: prefix + ":" + kind, Payload: body})
}

// Publish sends one notification and returns the number of Redis
// subscribers that received it.
func (p *RedisPublisher) Publish(ctx context.Context, kind string, payload any) (int64, error) {
	if kindOf(kind) == "" {
		return 0, fmt.Errorf("unknown notification kind %q", kind)
	}
	raw, err := Encode(p.prefix, kindOf(kind), payload)
	if err != nil {
		return 0, err
	}
	return p.rdb.Publish(ctx, p.prefix+":"+kindOf(kind), raw).Result()
}
