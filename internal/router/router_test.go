package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/basket/sketchdojo-rt/internal/router"
	"github.com/basket/sketchdojo-rt/internal/shared"
)

type captureSender struct {
	mu   sync.Mutex
	sent map[string][]map[string]any
}

func newCapture() *captureSender {
	return &captureSender{sent: make(map[string][]map[string]any)}
}

func (c *captureSender) Send(_ context.Context, clientID string, env protocol.Envelope) bool {
	raw, err := json.Marshal(env)
	if err != nil {
		return false
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[clientID] = append(c.sent[clientID], m)
	return true
}

func (c *captureSender) last(t *testing.T, clientID string) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.sent[clientID]
	if len(msgs) == 0 {
		t.Fatalf("nothing sent to %s", clientID)
	}
	return msgs[len(msgs)-1]
}

func (c *captureSender) count(clientID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent[clientID])
}

type pingModule struct{ sender router.Sender }

func (m pingModule) Routes() map[string]router.HandlerFunc {
	return map[string]router.HandlerFunc{
		"ping": func(ctx context.Context, req router.Request) error {
			m.sender.Send(ctx, req.ClientID, protocol.Pong())
			return nil
		},
	}
}

func TestDispatch_ValidationFailures(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantCode string
	}{
		{"not json", `{{{`, protocol.CodeInvalidJSON},
		{"array", `[1,2]`, protocol.CodeInvalidJSON},
		{"missing type", `{"room_id":"r"}`, protocol.CodeMissingType},
		{"empty type", `{"type":""}`, protocol.CodeMissingType},
		{"unregistered type", `{"type":"launch_rockets"}`, protocol.CodeUnknownMessageType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := newCapture()
			r := router.New(sender, router.Options{})
			r.Dispatch(context.Background(), "c1", []byte(tt.frame))

			got := sender.last(t, "c1")
			if got["type"] != "error" || got["code"] != tt.wantCode {
				t.Fatalf("got %v, want error/%s", got, tt.wantCode)
			}
			if got["message"] == "" || got["timestamp"] == nil {
				t.Fatalf("error envelope missing message or timestamp: %v", got)
			}
		})
	}
}

func TestDispatch_UnknownTypeCarriesRequestType(t *testing.T) {
	sender := newCapture()
	r := router.New(sender, router.Options{})
	r.Dispatch(context.Background(), "c1", []byte(`{"type":"launch_rockets"}`))
	if got := sender.last(t, "c1"); got["request_type"] != "launch_rockets" {
		t.Fatalf("expected request_type, got %v", got)
	}
}

func TestDispatch_RoutesToModule(t *testing.T) {
	sender := newCapture()
	r := router.New(sender, router.Options{})
	r.RegisterModule(pingModule{sender: sender})

	r.Dispatch(context.Background(), "c1", []byte(`{"type":"ping"}`))
	if got := sender.last(t, "c1"); got["type"] != "pong" {
		t.Fatalf("expected pong, got %v", got)
	}
	if sender.count("c1") != 1 {
		t.Fatalf("expected exactly one reply, got %d", sender.count("c1"))
	}
}

func TestDispatch_HandlerErrorsBecomeEnvelopes(t *testing.T) {
	sender := newCapture()
	r := router.New(sender, router.Options{})
	r.Register("typed", func(context.Context, router.Request) error {
		return protocol.NotFound(protocol.CodeRoomNotFound, "room not found: x")
	})
	r.Register("opaque", func(context.Context, router.Request) error {
		return errors.New("db password=hunter2 rejected")
	})
	r.Register("panics", func(context.Context, router.Request) error {
		panic("nil map")
	})

	ctx := context.Background()
	r.Dispatch(ctx, "c1", []byte(`{"type":"typed"}`))
	if got := sender.last(t, "c1"); got["code"] != "room_not_found" || got["request_type"] != "typed" {
		t.Fatalf("unexpected typed error envelope %v", got)
	}

	r.Dispatch(ctx, "c1", []byte(`{"type":"opaque"}`))
	got := sender.last(t, "c1")
	if got["code"] != "internal_error" || got["message"] != "internal server error" {
		t.Fatalf("opaque error should not leak, got %v", got)
	}

	r.Dispatch(ctx, "c1", []byte(`{"type":"panics"}`))
	if got := sender.last(t, "c1"); got["code"] != "internal_error" {
		t.Fatalf("panic should become internal_error, got %v", got)
	}

	// The router keeps serving after failures.
	r.Register("ok", func(ctx context.Context, req router.Request) error {
		sender.Send(ctx, req.ClientID, protocol.Pong())
		return nil
	})
	r.Dispatch(ctx, "c1", []byte(`{"type":"ok"}`))
	if got := sender.last(t, "c1"); got["type"] != "pong" {
		t.Fatalf("router stopped serving after failures: %v", got)
	}
}

func TestDispatch_ReplyOverridesErrorEnvelope(t *testing.T) {
	sender := newCapture()
	r := router.New(sender, router.Options{})
	r.Register("tool_call", func(_ context.Context, req router.Request) error {
		perr := protocol.Validation(protocol.CodeMissingToolID, "missing tool id").WithCallID("k1")
		return perr.WithReply(protocol.ToolCallError(req.ClientID, "", "", -1, perr))
	})
	r.Dispatch(context.Background(), "c1", []byte(`{"type":"tool_call"}`))
	got := sender.last(t, "c1")
	if got["type"] != "tool_call_error" {
		t.Fatalf("expected tool_call_error reply, got %v", got)
	}
	if sender.count("c1") != 1 {
		t.Fatalf("expected exactly one envelope, got %d", sender.count("c1"))
	}
}

func TestDispatch_ContextCarriesIdentity(t *testing.T) {
	sender := newCapture()
	r := router.New(sender, router.Options{})
	var gotTrace, gotClient, gotType, reqTrace string
	r.Register("probe", func(ctx context.Context, req router.Request) error {
		gotTrace = shared.TraceID(ctx)
		gotClient = shared.ClientID(ctx)
		gotType = shared.MessageType(ctx)
		reqTrace = req.TraceID
		return nil
	})
	r.Dispatch(context.Background(), "c9", []byte(`{"type":"probe"}`))
	if gotTrace == "-" || gotTrace != reqTrace {
		t.Fatalf("trace id not propagated: ctx=%q req=%q", gotTrace, reqTrace)
	}
	if gotClient != "c9" || gotType != "probe" {
		t.Fatalf("unexpected context identity %q %q", gotClient, gotType)
	}
	if sender.count("c9") != 0 {
		t.Fatal("successful handler should produce no router reply")
	}
}

func TestRegister_ReplacesAndListsTypes(t *testing.T) {
	sender := newCapture()
	r := router.New(sender, router.Options{})
	calls := 0
	r.Register("a", func(context.Context, router.Request) error { calls += 10; return nil })
	r.Register("a", func(context.Context, router.Request) error { calls++; return nil })
	r.Register("b", func(context.Context, router.Request) error { return nil })
	r.Dispatch(context.Background(), "c", []byte(`{"type":"a"}`))
	if calls != 1 {
		t.Fatalf("expected replacement handler to run once, calls=%d", calls)
	}
	if types := r.Types(); len(types) != 2 || types[0] != "a" || types[1] != "b" {
		t.Fatalf("unexpected types %v", types)
	}
}
