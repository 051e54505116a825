package persistence

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultHistoryBuffer = 256
	historyWriteTimeout  = 5 * time.Second
)

// HistoryRecorder puts the store behind fire-and-forget writes and
// best-effort reads so a slow or broken database never blocks live delivery.
type HistoryRecorder struct {
	store  *Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan ChatMessage
	done   chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewHistoryRecorder starts the single writer goroutine. Call Close to
// drain pending writes.
func NewHistoryRecorder(store *Store, buffer int, logger *slog.Logger) *HistoryRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultHistoryBuffer
	}
	h := &HistoryRecorder{
		store:  store,
		logger: logger,
		ch:     make(chan ChatMessage, buffer),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *HistoryRecorder) run() {
	defer close(h.done)
	for msg := range h.ch {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		if err := h.store.AppendMessage(ctx, msg); err != nil {
			h.failed.Add(1)
			h.logger.Warn("history write failed", "room_id", msg.RoomID, "error", err)
		}
		cancel()
	}
}

// Append queues msg. A full queue drops the write with a warning.
func (h *HistoryRecorder) Append(msg ChatMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.ch <- msg:
	default:
		h.dropped.Add(1)
		h.logger.Warn("history queue full; dropping message", "room_id", msg.RoomID)
	}
}

// Recent returns the newest messages for roomID, oldest first. Errors are
// logged and yield nil.
func (h *HistoryRecorder) Recent(ctx context.Context, roomID string, limit int) []ChatMessage {
	msgs, err := h.store.RecentMessages(ctx, roomID, limit)
	if err != nil {
		h.logger.Warn("history read failed", "room_id", roomID, "error", err)
		return nil
	}
	return msgs
}

// Dropped and Failed count writes that never reached the database.
func (h *HistoryRecorder) Dropped() int64 { return h.dropped.Load() }
func (h *HistoryRecorder) Failed() int64  { return h.failed.Load() }

// Close stops accepting writes and waits for the queue to drain.
func (h *HistoryRecorder) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.ch)
	}
	h.mu.Unlock()
	<-h.done
}
