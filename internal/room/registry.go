// Package room groups clients into named broadcast rooms. A client is in at
// most one room; moving between rooms is a single atomic step.
package room

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/sketchdojo-rt/internal/bus"
	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/oklog/ulid/v2"
)

// Sender delivers one envelope to one client, best effort.
type Sender interface {
	Send(ctx context.Context, clientID string, env protocol.Envelope) bool
}

type room struct {
	id        string
	members   map[string]struct{}
	metadata  map[string]any
	createdAt time.Time
}

func (r *room) snapshot(exclude string) []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		if id != exclude {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Info describes a room at one instant.
type Info struct {
	RoomID       string
	Participants []string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Membership is the outcome of a join.
type Membership struct {
	RoomID       string
	Participants int
	Created      bool
	PreviousRoom string
}

// Registry owns every room and the client-to-room index. One mutex guards
// both maps; notifications are sent from snapshots after it is released.
type Registry struct {
	mu         sync.Mutex
	rooms      map[string]*room
	clientRoom map[string]string

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	sender Sender
	bus    *bus.Bus
	logger *slog.Logger
}

func NewRegistry(sender Sender, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:      make(map[string]*room),
		clientRoom: make(map[string]string),
		entropy:    ulid.Monotonic(rand.Reader, 0),
		sender:     sender,
		bus:        b,
		logger:     logger,
	}
}

func (g *Registry) newID() string {
	g.idMu.Lock()
	defer g.idMu.Unlock()
	return "room_" + ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// CreateRoom allocates an empty room with a generated id. It is removed on
// its last leave, or by PruneEmpty if nobody ever joins.
func (g *Registry) CreateRoom(metadata map[string]any) string {
	id := g.newID()
	g.mu.Lock()
	g.rooms[id] = newRoom(id, metadata)
	g.mu.Unlock()
	return id
}

func newRoom(id string, metadata map[string]any) *room {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &room{id: id, members: make(map[string]struct{}), metadata: md, createdAt: time.Now().UTC()}
}

// JoinRoom moves clientID into an existing room. A missing room fails with
// room_not_found and leaves every registry unchanged.
func (g *Registry) JoinRoom(ctx context.Context, clientID, roomID string) (Membership, error) {
	return g.join(ctx, clientID, roomID, nil, false)
}

// JoinOrCreate is JoinRoom that creates the room on demand.
func (g *Registry) JoinOrCreate(ctx context.Context, clientID, roomID string, metadata map[string]any) (Membership, error) {
	return g.join(ctx, clientID, roomID, metadata, true)
}

func (g *Registry) join(ctx context.Context, clientID, roomID string, metadata map[string]any, create bool) (Membership, error) {
	if roomID == "" {
		return Membership{}, protocol.Validation(protocol.CodeInvalidPayload, "room_id is required")
	}

	g.mu.Lock()
	target := g.rooms[roomID]
	created := false
	if target == nil {
		if !create {
			g.mu.Unlock()
			return Membership{}, protocol.NotFound(protocol.CodeRoomNotFound, fmt.Sprintf("room not found: %s", roomID))
		}
		target = newRoom(roomID, metadata)
		g.rooms[roomID] = target
		created = true
	}

	prev := g.clientRoom[clientID]
	if prev == roomID {
		n := len(target.members)
		g.mu.Unlock()
		return Membership{RoomID: roomID, Participants: n}, nil
	}

	var prevRemaining []string
	prevRemoved := false
	if prev != "" {
		if pr := g.rooms[prev]; pr != nil {
			delete(pr.members, clientID)
			if len(pr.members) == 0 {
				delete(g.rooms, prev)
				prevRemoved = true
			} else {
				prevRemaining = pr.snapshot("")
			}
		}
	}
	target.members[clientID] = struct{}{}
	g.clientRoom[clientID] = roomID
	peers := target.snapshot(clientID)
	n := len(target.members)
	g.mu.Unlock()

	if prev != "" {
		g.announceLeave(ctx, prev, clientID, prevRemaining, prevRemoved)
	}
	g.fanout(ctx, peers, protocol.RoomUpdate(roomID, protocol.EventParticipantJoined, clientID, n))
	g.bus.Publish(bus.TopicRoomJoined, bus.RoomEvent{RoomID: roomID, ClientID: clientID, Participants: n})
	g.logger.Info("room joined", "room_id", roomID, "client_id", clientID, "participants", n, "created", created, "previous_room", prev)

	return Membership{RoomID: roomID, Participants: n, Created: created, PreviousRoom: prev}, nil
}

// LeaveRoom removes clientID from its room and returns the room left. The
// room is deleted when it becomes empty.
func (g *Registry) LeaveRoom(ctx context.Context, clientID string) (string, bool) {
	g.mu.Lock()
	roomID, ok := g.clientRoom[clientID]
	if !ok {
		g.mu.Unlock()
		return "", false
	}
	delete(g.clientRoom, clientID)
	var remaining []string
	removed := false
	if r := g.rooms[roomID]; r != nil {
		delete(r.members, clientID)
		if len(r.members) == 0 {
			delete(g.rooms, roomID)
			removed = true
		} else {
			remaining = r.snapshot("")
		}
	}
	g.mu.Unlock()

	g.announceLeave(ctx, roomID, clientID, remaining, removed)
	return roomID, true
}

func (g *Registry) announceLeave(ctx context.Context, roomID, clientID string, remaining []string, removed bool) {
	g.fanout(ctx, remaining, protocol.RoomUpdate(roomID, protocol.EventParticipantLeft, clientID, len(remaining)))
	g.bus.Publish(bus.TopicRoomLeft, bus.RoomEvent{RoomID: roomID, ClientID: clientID, Participants: len(remaining), RoomRemoved: removed})
	g.logger.Info("room left", "room_id", roomID, "client_id", clientID, "participants", len(remaining), "room_removed", removed)
}

// BroadcastToRoom sends env to every member except exclude and returns the
// number of successful deliveries. An unknown room is a no-op.
func (g *Registry) BroadcastToRoom(ctx context.Context, roomID string, env protocol.Envelope, exclude string) int {
	g.mu.Lock()
	r := g.rooms[roomID]
	if r == nil {
		g.mu.Unlock()
		return 0
	}
	recipients := r.snapshot(exclude)
	g.mu.Unlock()

	return g.fanout(ctx, recipients, env)
}

func (g *Registry) fanout(ctx context.Context, recipients []string, env protocol.Envelope) int {
	delivered := 0
	for _, id := range recipients {
		if g.sender.Send(ctx, id, env) {
			delivered++
		}
	}
	return delivered
}

func (g *Registry) RoomInfo(roomID string) (Info, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.rooms[roomID]
	if r == nil {
		return Info{}, protocol.NotFound(protocol.CodeRoomNotFound, fmt.Sprintf("room not found: %s", roomID))
	}
	md := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		md[k] = v
	}
	return Info{RoomID: r.id, Participants: r.snapshot(""), Metadata: md, CreatedAt: r.createdAt}, nil
}

// RoomOf returns the room clientID is in.
func (g *Registry) RoomOf(clientID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.clientRoom[clientID]
	return id, ok
}

func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// PruneEmpty removes rooms created by CreateRoom that nobody joined within
// maxAge.
func (g *Registry) PruneEmpty(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	pruned := 0
	for id, r := range g.rooms {
		if len(r.members) == 0 && r.createdAt.Before(cutoff) {
			delete(g.rooms, id)
			pruned++
		}
	}
	return pruned
}

// Memberships returns every room's sorted member list at one instant.
func (g *Registry) Memberships() map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]string, len(g.rooms))
	for id, r := range g.rooms {
		out[id] = r.snapshot("")
	}
	return out
}
