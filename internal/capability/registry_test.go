package capability_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/sketchdojo-rt/internal/audit"
	"github.com/basket/sketchdojo-rt/internal/bus"
	"github.com/basket/sketchdojo-rt/internal/capability"
	"github.com/basket/sketchdojo-rt/internal/policy"
	"github.com/basket/sketchdojo-rt/internal/protocol"
)

func newRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	r := capability.NewRegistry(capability.Options{})
	if err := capability.RegisterBuiltins(r, capability.NewMemoryWebtoonStore(), nil); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return r
}

func TestDiscover_OnlyGrantedTools(t *testing.T) {
	r := newRegistry(t)
	r.Permissions().Grant(context.Background(), "c1", "test", "echo")

	tools := r.Discover("c1")
	if len(tools) != 1 || tools[0].ToolID != "echo" {
		t.Fatalf("expected exactly echo, got %+v", tools)
	}
	if len(tools[0].Parameters.Required) != 1 || tools[0].Parameters.Required[0] != "message" {
		t.Fatalf("unexpected echo schema: %+v", tools[0].Parameters)
	}
	if got := r.Discover("stranger"); len(got) != 0 {
		t.Fatalf("client without grants should see nothing, got %d", len(got))
	}
}

func TestDiscover_SortedByToolID(t *testing.T) {
	r := newRegistry(t)
	r.Permissions().Grant(context.Background(), "c1", "test", "weather", "echo", "create_panel")
	tools := r.Discover("c1")
	want := []string{"create_panel", "echo", "weather"}
	if len(tools) != len(want) {
		t.Fatalf("got %d tools, want %d", len(tools), len(want))
	}
	for i, ts := range tools {
		if ts.ToolID != want[i] {
			t.Fatalf("tool %d = %s, want %s", i, ts.ToolID, want[i])
		}
	}
}

func TestInvoke_EchoReturnsMessageAndTimestamp(t *testing.T) {
	r := newRegistry(t)
	r.Permissions().Grant(context.Background(), "c1", "test", "echo")

	res, perr := r.Invoke(context.Background(), capability.Call{
		ClientID: "c1", ToolID: "echo", CallID: "call-1",
		Parameters: map[string]any{"message": "hi"},
	})
	if perr != nil {
		t.Fatalf("invoke echo: %v", perr)
	}
	if res.ToolID != "echo" || res.CallID != "call-1" {
		t.Fatalf("unexpected correlation: %+v", res)
	}
	if res.Payload["message"] != "hi" {
		t.Fatalf("expected message hi, got %#v", res.Payload["message"])
	}
	ts, _ := res.Payload["echo_timestamp"].(string)
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Fatalf("echo_timestamp %q is not a timestamp: %v", ts, err)
	}
}

func TestInvoke_ErrorOrder(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	r.Permissions().Grant(ctx, "granted", "test", "echo")

	tests := []struct {
		name     string
		call     capability.Call
		wantKind protocol.Kind
		wantCode string
		wantMsg  string
	}{
		{
			name:     "missing tool id beats everything",
			call:     capability.Call{ClientID: "nobody", CallID: "a"},
			wantKind: protocol.KindValidation,
			wantCode: protocol.CodeMissingToolID,
			wantMsg:  "missing tool id",
		},
		{
			name:     "unknown tool beats permission",
			call:     capability.Call{ClientID: "nobody", ToolID: "does_not_exist", CallID: "b"},
			wantKind: protocol.KindNotFound,
			wantCode: protocol.CodeToolNotFound,
			wantMsg:  "tool not found",
		},
		{
			name:     "permission beats parameters",
			call:     capability.Call{ClientID: "nobody", ToolID: "echo", CallID: "c"},
			wantKind: protocol.KindPermission,
			wantCode: protocol.CodePermissionDenied,
			wantMsg:  "permission denied",
		},
		{
			name:     "missing required parameter",
			call:     capability.Call{ClientID: "granted", ToolID: "echo", CallID: "d", Parameters: map[string]any{}},
			wantKind: protocol.KindValidation,
			wantCode: protocol.CodeInvalidParameters,
			wantMsg:  "missing required parameter: message",
		},
		{
			name:     "wrong parameter type",
			call:     capability.Call{ClientID: "granted", ToolID: "echo", CallID: "e", Parameters: map[string]any{"message": 42}},
			wantKind: protocol.KindValidation,
			wantCode: protocol.CodeInvalidParameters,
			wantMsg:  "invalid parameters",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := r.Invoke(ctx, tt.call)
			if perr == nil {
				t.Fatal("expected error")
			}
			if perr.Kind != tt.wantKind || perr.Code != tt.wantCode {
				t.Fatalf("got %s/%s, want %s/%s", perr.Kind, perr.Code, tt.wantKind, tt.wantCode)
			}
			if !strings.Contains(perr.Message, tt.wantMsg) {
				t.Fatalf("message %q does not contain %q", perr.Message, tt.wantMsg)
			}
			if perr.CallID != tt.call.CallID {
				t.Fatalf("call id %q not echoed, got %q", tt.call.CallID, perr.CallID)
			}
		})
	}
}

func TestInvoke_UnknownToolEchoesCallID(t *testing.T) {
	r := newRegistry(t)
	_, perr := r.Invoke(context.Background(), capability.Call{ClientID: "c", ToolID: "does_not_exist", CallID: "corr-7"})
	if perr == nil || perr.Code != "tool_not_found" || perr.CallID != "corr-7" {
		t.Fatalf("unexpected error %+v", perr)
	}
}

func TestInvoke_MissingParameterNeverExecutes(t *testing.T) {
	r := capability.NewRegistry(capability.Options{})
	var executed atomic.Int32
	err := r.RegisterTool(capability.Definition{
		ToolID: "side_effect",
		Parameters: capability.Schema{
			Properties: map[string]capability.Property{"target": {Type: "string"}},
			Required:   []string{"target"},
		},
		Execute: func(context.Context, map[string]any) (map[string]any, error) {
			executed.Add(1)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Permissions().Grant(context.Background(), "c", "test", "side_effect")

	_, perr := r.Invoke(context.Background(), capability.Call{ClientID: "c", ToolID: "side_effect", Parameters: map[string]any{"other": 1}})
	if perr == nil || perr.Code != protocol.CodeInvalidParameters {
		t.Fatalf("expected invalid_parameters, got %+v", perr)
	}
	if executed.Load() != 0 {
		t.Fatal("execute ran despite missing parameter")
	}
}

func TestInvoke_RevokeAllYieldsPermissionDenied(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	r.Permissions().Grant(ctx, "c1", "test", "echo", "weather")
	r.Permissions().Revoke(ctx, "c1", "disconnect")

	for _, tool := range []string{"echo", "weather"} {
		_, perr := r.Invoke(ctx, capability.Call{ClientID: "c1", ToolID: tool, Parameters: map[string]any{"message": "x", "location": "y"}})
		if perr == nil || perr.Kind != protocol.KindPermission {
			t.Fatalf("%s: expected permission error, got %+v", tool, perr)
		}
	}
	if got := r.Discover("c1"); len(got) != 0 {
		t.Fatalf("expected empty discovery after revoke, got %d", len(got))
	}
}

func TestInvoke_ExecutionErrorsAndPanics(t *testing.T) {
	r := capability.NewRegistry(capability.Options{})
	_ = r.RegisterTool(capability.Definition{ToolID: "fails", Execute: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("backend unavailable")
	}})
	_ = r.RegisterTool(capability.Definition{ToolID: "panics", Execute: func(context.Context, map[string]any) (map[string]any, error) {
		panic("boom")
	}})
	r.Permissions().Grant(context.Background(), "c", "test", "fails", "panics")

	_, perr := r.Invoke(context.Background(), capability.Call{ClientID: "c", ToolID: "fails"})
	if perr == nil || perr.Kind != protocol.KindExecution || perr.Message != "backend unavailable" {
		t.Fatalf("unexpected error for failing tool: %+v", perr)
	}
	_, perr = r.Invoke(context.Background(), capability.Call{ClientID: "c", ToolID: "panics"})
	if perr == nil || perr.Code != protocol.CodeExecutionError || !strings.Contains(perr.Message, "boom") {
		t.Fatalf("unexpected error for panicking tool: %+v", perr)
	}
}

func TestInvoke_GeneratesCallID(t *testing.T) {
	r := newRegistry(t)
	r.Permissions().Grant(context.Background(), "c", "test", "echo")
	res, perr := r.Invoke(context.Background(), capability.Call{ClientID: "c", ToolID: "echo", Parameters: map[string]any{"message": "x"}})
	if perr != nil {
		t.Fatalf("invoke: %v", perr)
	}
	if res.CallID == "" {
		t.Fatal("expected generated call id")
	}
	_, perr = r.Invoke(context.Background(), capability.Call{ClientID: "c", ToolID: "nope"})
	if perr.CallID == "" {
		t.Fatal("expected generated call id on error")
	}
}

func TestRegisterTool_ReplacesAndRejectsBadSchema(t *testing.T) {
	r := capability.NewRegistry(capability.Options{})
	mk := func(v string) capability.Definition {
		return capability.Definition{ToolID: "t", Name: v, Execute: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"v": v}, nil
		}}
	}
	_ = r.RegisterTool(mk("first"))
	_ = r.RegisterTool(mk("second"))
	r.Permissions().Grant(context.Background(), "c", "test", "t")

	res, perr := r.Invoke(context.Background(), capability.Call{ClientID: "c", ToolID: "t"})
	if perr != nil || res.Payload["v"] != "second" {
		t.Fatalf("expected replaced registration, got %+v %v", res, perr)
	}
	if ids := r.ToolIDs(); len(ids) != 1 {
		t.Fatalf("expected one tool, got %v", ids)
	}

	bad := mk("bad")
	bad.ToolID = "bad"
	bad.Parameters = capability.Schema{Properties: map[string]capability.Property{"x": {Type: "not-a-type"}}}
	if err := r.RegisterTool(bad); err == nil {
		t.Fatal("expected schema compile error")
	}
	if err := r.RegisterTool(capability.Definition{ToolID: "nil-exec"}); err == nil {
		t.Fatal("expected error for nil execute")
	}
}

func TestInvoke_PublishesToolEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicToolInvoked)
	defer b.Unsubscribe(sub)

	r := capability.NewRegistry(capability.Options{Bus: b})
	_ = capability.RegisterBuiltins(r, nil, nil)
	r.Permissions().Grant(context.Background(), "c", "test", "echo")
	_, _ = r.Invoke(context.Background(), capability.Call{ClientID: "c", ToolID: "echo", CallID: "k", Parameters: map[string]any{}})

	select {
	case ev := <-sub.Ch():
		te := ev.Payload.(bus.ToolEvent)
		if te.ToolID != "echo" || te.CallID != "k" || te.ErrorCode != protocol.CodeInvalidParameters {
			t.Fatalf("unexpected tool event %+v", te)
		}
	case <-time.After(time.Second):
		t.Fatal("no tool event published")
	}
}

func TestPermissions_AuditTrail(t *testing.T) {
	log, err := audit.Open(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	r := capability.NewRegistry(capability.Options{Permissions: capability.NewPermissions(log)})
	_ = capability.RegisterBuiltins(r, nil, nil)
	_, _ = r.Invoke(context.Background(), capability.Call{ClientID: "c", ToolID: "echo", Parameters: map[string]any{"message": "x"}})
	_, _ = r.Invoke(context.Background(), capability.Call{ClientID: "c", ToolID: "weather", Parameters: map[string]any{"location": "x"}})
	if log.DenyCount() != 2 {
		t.Fatalf("expected 2 deny decisions, got %d", log.DenyCount())
	}
}

func TestDefaultGrants_FollowPolicyCategories(t *testing.T) {
	r := newRegistry(t)

	basic := r.DefaultGrants(policy.Default([]string{"basic"}))
	if strings.Join(basic, ",") != "echo,weather" {
		t.Fatalf("unexpected basic grants %v", basic)
	}

	p := policy.Default([]string{"basic", "webtoon"})
	p.DenyTools = []string{"remove_panel"}
	all := r.DefaultGrants(p)
	for _, id := range all {
		if id == "remove_panel" {
			t.Fatal("denied tool was granted")
		}
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 grants, got %v", all)
	}
	if r.DefaultGrants(nil) != nil {
		t.Fatal("nil policy should grant nothing")
	}
}
