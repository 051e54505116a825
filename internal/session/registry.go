// Package session owns the live connection handles, keyed by client id.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/sketchdojo-rt/internal/bus"
	"github.com/basket/sketchdojo-rt/internal/otel"
	"github.com/basket/sketchdojo-rt/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultQueueSize    = 256
)

// Conn is a send-capable handle for exactly one client.
type Conn interface {
	Write(ctx context.Context, env protocol.Envelope) error
	Close(reason string) error
}

// StatsSource reports subscription figures for Stats.
type StatsSource interface {
	Counts() (jobs, total int)
}

// Stats is a read-only snapshot for observability.
type Stats struct {
	ActiveConnections  int `json:"active_connections"`
	TaskSubscriptions  int `json:"task_subscriptions"`
	TotalSubscriptions int `json:"total_subscriptions"`
}

// CleanupFunc reclaims state derived from a client id.
type CleanupFunc func(ctx context.Context, clientID string)

type cleanupHook struct {
	name string
	fn   CleanupFunc
}

// handle owns one connection's outbound queue. A single writer goroutine
// drains it, so a slow peer only ever stalls its own queue.
type handle struct {
	conn  Conn
	queue chan protocol.Envelope
	done  chan struct{}
	once  sync.Once
}

func (h *handle) stop() {
	h.once.Do(func() { close(h.done) })
}

type Options struct {
	Logger       *slog.Logger
	Bus          *bus.Bus
	Metrics      *otel.Metrics
	WriteTimeout time.Duration
	// QueueSize bounds the frames buffered per connection. Zero means 256.
	QueueSize int
}

// Registry maps client ids to connection handles. Handlers never hold a
// Conn; they address clients by id through Send.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*handle

	hooksMu sync.RWMutex
	hooks   []cleanupHook
	stats   StatsSource

	logger       *slog.Logger
	bus          *bus.Bus
	metrics      *otel.Metrics
	writeTimeout time.Duration
	queueSize    int
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Registry{
		conns:        make(map[string]*handle),
		logger:       opts.Logger,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		writeTimeout: opts.WriteTimeout,
		queueSize:    opts.QueueSize,
	}
}

// OnDisconnect registers a cleanup hook. Hooks run in registration order.
func (r *Registry) OnDisconnect(name string, fn CleanupFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, cleanupHook{name: name, fn: fn})
}

// SetStatsSource wires the subscription index after construction.
func (r *Registry) SetStatsSource(s StatsSource) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.stats = s
}

// Connect registers conn for clientID. A duplicate id replaces the prior
// handle, which is closed; derived state is kept because the id is the
// same client.
func (r *Registry) Connect(clientID string, conn Conn) {
	h := &handle{
		conn:  conn,
		queue: make(chan protocol.Envelope, r.queueSize),
		done:  make(chan struct{}),
	}
	go r.writeLoop(clientID, h)

	r.mu.Lock()
	old := r.conns[clientID]
	r.conns[clientID] = h
	r.mu.Unlock()

	replaced := old != nil
	if replaced {
		old.stop()
		r.logger.Warn("duplicate client id; replacing connection", "client_id", clientID)
		if err := old.conn.Close("replaced by a newer connection"); err != nil {
			r.logger.Debug("close replaced connection", "client_id", clientID, "error", err)
		}
	}
	r.bus.Publish(bus.TopicSessionConnected, bus.SessionEvent{ClientID: clientID, Replaced: replaced})
	r.logger.Info("client connected", "client_id", clientID)
}

// Send queues env for one client without blocking. Unknown clients and a
// full queue are logged and reported as false, never returned as errors.
// Write failures surface later, in the connection's writer.
func (r *Registry) Send(ctx context.Context, clientID string, env protocol.Envelope) bool {
	r.mu.RLock()
	h := r.conns[clientID]
	r.mu.RUnlock()
	if h == nil {
		r.logger.Debug("send to unknown client dropped", "client_id", clientID, "type", env.Type)
		r.countFailure(ctx, "unknown_client")
		return false
	}

	select {
	case <-h.done:
		r.countFailure(ctx, "closed")
		return false
	case h.queue <- env:
		return true
	default:
		r.logger.Warn("send queue full; frame dropped", "client_id", clientID, "type", env.Type, "queue_size", cap(h.queue))
		r.countFailure(ctx, "queue_full")
		return false
	}
}

// writeLoop writes queued frames in order until the handle is stopped.
// Each write gets its own timeout, detached from the sender's context.
func (r *Registry) writeLoop(clientID string, h *handle) {
	for {
		select {
		case <-h.done:
			return
		case env := <-h.queue:
			ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
			err := h.conn.Write(ctx, env)
			cancel()
			if err != nil {
				r.logger.Warn("send failed", "client_id", clientID, "type", env.Type, "error", err)
				r.countFailure(context.Background(), "write_error")
			}
		}
	}
}

func (r *Registry) countFailure(ctx context.Context, reason string) {
	if r.metrics == nil {
		return
	}
	r.metrics.BroadcastFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Disconnect removes the client's handle and runs cleanup hooks. Calls
// after the first are no-ops and return false.
func (r *Registry) Disconnect(ctx context.Context, clientID string) bool {
	r.mu.Lock()
	h, ok := r.conns[clientID]
	if ok {
		delete(r.conns, clientID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.stop()
	_ = h.conn.Close("disconnected")
	r.cleanup(ctx, clientID)
	return true
}

// DisconnectConn is Disconnect for a specific handle. A stale handle that
// was replaced by a newer connection leaves the newer one untouched.
func (r *Registry) DisconnectConn(ctx context.Context, clientID string, conn Conn) bool {
	r.mu.Lock()
	h, ok := r.conns[clientID]
	if !ok || h.conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, clientID)
	r.mu.Unlock()

	h.stop()
	r.cleanup(ctx, clientID)
	return true
}

func (r *Registry) cleanup(ctx context.Context, clientID string) {
	r.hooksMu.RLock()
	hooks := append([]cleanupHook(nil), r.hooks...)
	r.hooksMu.RUnlock()

	for _, hook := range hooks {
		r.runHook(ctx, hook, clientID)
	}
	r.bus.Publish(bus.TopicSessionDisconnected, bus.SessionEvent{ClientID: clientID})
	r.logger.Info("client disconnected", "client_id", clientID)
}

func (r *Registry) runHook(ctx context.Context, hook cleanupHook, clientID string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("disconnect cleanup panicked", "hook", hook.name, "client_id", clientID, "panic", rec)
		}
	}()
	hook.fn(ctx, clientID)
}

// DisconnectAll drops every connection, e.g. on shutdown.
func (r *Registry) DisconnectAll(ctx context.Context) {
	for _, id := range r.ClientIDs() {
		r.Disconnect(ctx, id)
	}
}

func (r *Registry) IsConnected(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[clientID]
	return ok
}

// ClientIDs returns the connected ids, sorted.
func (r *Registry) ClientIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Stats() Stats {
	s := Stats{ActiveConnections: r.Count()}
	r.hooksMu.RLock()
	src := r.stats
	r.hooksMu.RUnlock()
	if src != nil {
		s.TaskSubscriptions, s.TotalSubscriptions = src.Counts()
	}
	return s
}
