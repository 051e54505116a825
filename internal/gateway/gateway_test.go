package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/sketchdojo-rt/internal/capability"
	"github.com/basket/sketchdojo-rt/internal/config"
	"github.com/basket/sketchdojo-rt/internal/gateway"
	"github.com/basket/sketchdojo-rt/internal/handler"
	"github.com/basket/sketchdojo-rt/internal/policy"
	"github.com/basket/sketchdojo-rt/internal/room"
	"github.com/basket/sketchdojo-rt/internal/router"
	"github.com/basket/sketchdojo-rt/internal/session"
	"github.com/basket/sketchdojo-rt/internal/subscription"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type stack struct {
	sessions *session.Registry
	rooms    *room.Registry
	tools    *capability.Registry
	subs     *subscription.Index
	gw       *gateway.Server
	server   *httptest.Server
}

func newStack(t *testing.T, mutate func(*gateway.Config)) *stack {
	t.Helper()
	st := &stack{sessions: session.NewRegistry(session.Options{WriteTimeout: time.Second})}
	st.subs = subscription.New(st.sessions, nil)
	st.sessions.SetStatsSource(st.subs)
	st.rooms = room.NewRegistry(st.sessions, nil, nil)
	st.tools = capability.NewRegistry(capability.Options{})
	if err := capability.RegisterBuiltins(st.tools, capability.NewMemoryWebtoonStore(), nil); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	st.sessions.OnDisconnect("rooms", func(ctx context.Context, id string) { st.rooms.LeaveRoom(ctx, id) })
	st.sessions.OnDisconnect("permissions", func(ctx context.Context, id string) {
		st.tools.Permissions().Revoke(ctx, id, "disconnect")
	})
	st.sessions.OnDisconnect("subscriptions", func(_ context.Context, id string) { st.subs.RemoveClient(id) })

	rt := router.New(st.sessions, router.Options{})
	system := handler.NewSystemHandler(st.sessions, st.rooms, st.sessions)
	rt.RegisterModule(handler.NewChatHandler(handler.ChatDeps{Rooms: st.rooms, Tools: st.tools, Sender: st.sessions}))
	rt.RegisterModule(handler.NewToolHandler(st.tools, st.sessions))
	rt.RegisterModule(handler.NewTaskHandler(st.subs, st.sessions))
	rt.RegisterModule(system)

	cfg := gateway.Config{
		Sessions:          st.sessions,
		Router:            rt,
		Grants:            st.tools,
		Policy:            policy.Default([]string{"basic"}),
		Stats:             system,
		Rooms:             st.rooms,
		ConfigFingerprint: "cfg-test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	st.gw = gateway.New(cfg)
	st.server = httptest.NewServer(st.gw.Handler())
	t.Cleanup(st.server.Close)
	return st
}

func (st *stack) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + st.server.URL[len("http"):] + "/ws"
	if clientID != "" {
		url += "?client_id=" + clientID
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readType reads frames until one of msgType arrives.
func readType(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var m map[string]any
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if m["type"] == msgType {
			return m
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWS_ConnectionEstablishedAndDefaultGrants(t *testing.T) {
	st := newStack(t, nil)
	conn := st.dial(t, "alice")

	est := readType(t, conn, "connection_established")
	if est["client_id"] != "alice" {
		t.Fatalf("unexpected client id %v", est["client_id"])
	}

	send(t, conn, map[string]any{"type": "discover_tools"})
	disc := readType(t, conn, "tool_discovery")
	tools, _ := disc["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("basic policy should grant echo and weather, got %v", disc["tools"])
	}
}

func TestWS_GeneratedClientID(t *testing.T) {
	st := newStack(t, nil)
	conn := st.dial(t, "")
	est := readType(t, conn, "connection_established")
	id, _ := est["client_id"].(string)
	if len(id) != 36 {
		t.Fatalf("expected a uuid client id, got %q", id)
	}
	if !st.sessions.IsConnected(id) {
		t.Fatal("generated id should be registered")
	}
}

func TestWS_InvalidFrameKeepsConnectionOpen(t *testing.T) {
	st := newStack(t, nil)
	conn := st.dial(t, "alice")
	readType(t, conn, "connection_established")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errMsg := readType(t, conn, "error")
	if errMsg["code"] != "invalid_json" {
		t.Fatalf("expected invalid_json, got %+v", errMsg)
	}

	send(t, conn, map[string]any{"type": "ping"})
	readType(t, conn, "pong")
}

func TestWS_RoomChatAndDisconnectCleanup(t *testing.T) {
	st := newStack(t, nil)
	alice := st.dial(t, "alice")
	bob := st.dial(t, "bob")
	readType(t, alice, "connection_established")
	readType(t, bob, "connection_established")

	send(t, alice, map[string]any{"type": "join_room", "room_id": "studio"})
	readType(t, alice, "room_joined")
	send(t, bob, map[string]any{"type": "join_room", "room_id": "studio"})
	readType(t, bob, "room_joined")
	readType(t, alice, "room_update")

	send(t, bob, map[string]any{"type": "chat_message", "text": "hi alice"})
	got := readType(t, alice, "chat_message")
	if got["text"] != "hi alice" || got["client_id"] != "bob" {
		t.Fatalf("unexpected chat message %+v", got)
	}
	send(t, bob, map[string]any{"type": "subscribe_task", "job_id": "job-1"})
	readType(t, bob, "subscription_confirmed")

	_ = bob.Close(websocket.StatusNormalClosure, "bye")
	left := readType(t, alice, "room_update")
	if left["event"] != "participant_left" {
		t.Fatalf("expected participant_left, got %+v", left)
	}
	waitFor(t, "bob cleanup", func() bool {
		return !st.sessions.IsConnected("bob") && len(st.subs.ClientJobs("bob")) == 0 &&
			len(st.tools.Permissions().Grants("bob")) == 0
	})
	if id, ok := st.rooms.RoomOf("alice"); !ok || id != "studio" {
		t.Fatal("alice should still be in the room")
	}
}

func TestWS_RateLimitedFrames(t *testing.T) {
	st := newStack(t, func(c *gateway.Config) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, MessagesPerMinute: 1, BurstSize: 2}
	})
	conn := st.dial(t, "spammer")
	readType(t, conn, "connection_established")

	for i := 0; i < 3; i++ {
		send(t, conn, map[string]any{"type": "ping"})
	}
	readType(t, conn, "pong")
	readType(t, conn, "pong")
	errMsg := readType(t, conn, "error")
	if errMsg["code"] != "rate_limited" {
		t.Fatalf("expected rate_limited, got %+v", errMsg)
	}
}

func TestWS_KeepAlivePing(t *testing.T) {
	st := newStack(t, func(c *gateway.Config) { c.PingInterval = 100 * time.Millisecond })
	conn := st.dial(t, "idle")
	readType(t, conn, "connection_established")
	readType(t, conn, "ping")
}

func TestHTTP_HealthzStatsRooms(t *testing.T) {
	st := newStack(t, nil)
	conn := st.dial(t, "alice")
	readType(t, conn, "connection_established")
	send(t, conn, map[string]any{"type": "join_room", "room_id": "studio"})
	readType(t, conn, "room_joined")

	getJSON := func(path string, v any) {
		t.Helper()
		resp, err := http.Get(st.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}

	var health map[string]any
	getJSON("/healthz", &health)
	if health["healthy"] != true || health["connections"] != float64(1) || health["rooms"] != float64(1) {
		t.Fatalf("unexpected healthz %+v", health)
	}
	if health["config_fingerprint"] != "cfg-test" || health["policy_version"] == "" {
		t.Fatalf("missing version info in %+v", health)
	}

	var stats map[string]any
	getJSON("/api/stats", &stats)
	if stats["active_connections"] != float64(1) {
		t.Fatalf("unexpected stats %+v", stats)
	}

	var rooms struct {
		Rooms []struct {
			RoomID       string   `json:"room_id"`
			Participants []string `json:"participants"`
		} `json:"rooms"`
	}
	getJSON("/api/rooms", &rooms)
	if len(rooms.Rooms) != 1 || rooms.Rooms[0].RoomID != "studio" || len(rooms.Rooms[0].Participants) != 1 {
		t.Fatalf("unexpected rooms %+v", rooms)
	}
}

func TestWS_StopDispatchDropsFramesAndRefusesUpgrades(t *testing.T) {
	st := newStack(t, nil)
	conn := st.dial(t, "alice")
	readType(t, conn, "connection_established")
	send(t, conn, map[string]any{"type": "ping"})
	readType(t, conn, "pong")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := st.gw.StopDispatch(ctx); err != nil {
		t.Fatalf("stop dispatch: %v", err)
	}
	if !st.sessions.IsConnected("alice") {
		t.Fatal("stopping dispatch must keep open connections")
	}

	send(t, conn, map[string]any{"type": "ping"})
	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	var m map[string]any
	if err := wsjson.Read(readCtx, conn, &m); err == nil {
		t.Fatalf("frame dispatched after stop: %+v", m)
	}

	resp, err := http.Get(st.server.URL + "/ws")
	if err != nil {
		t.Fatalf("get /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
