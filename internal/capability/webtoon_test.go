package capability_test

import (
	"context"
	"sync"
	"testing"

	"github.com/basket/sketchdojo-rt/internal/capability"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) WebtoonUpdated(_ context.Context, jobID, webtoonID string, data map[string]any) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, jobID+"/"+webtoonID)
	return 1
}

func webtoonRegistry(t *testing.T, store capability.WebtoonStore, n capability.WebtoonNotifier) *capability.Registry {
	t.Helper()
	r := capability.NewRegistry(capability.Options{})
	if err := capability.RegisterBuiltins(r, store, n); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Permissions().Grant(context.Background(), "artist", "test",
		"create_panel", "edit_panel", "remove_panel", "add_character", "add_speech_bubble")
	return r
}

func invoke(t *testing.T, r *capability.Registry, tool string, params map[string]any) capability.Result {
	t.Helper()
	res, perr := r.Invoke(context.Background(), capability.Call{ClientID: "artist", ToolID: tool, Parameters: params})
	if perr != nil {
		t.Fatalf("%s: %v", tool, perr)
	}
	return res
}

func TestWebtoonTools_PanelLifecycle(t *testing.T) {
	store := capability.NewMemoryWebtoonStore()
	notifier := &recordingNotifier{}
	r := webtoonRegistry(t, store, notifier)
	ctx := context.Background()

	first := invoke(t, r, "create_panel", map[string]any{"webtoon_id": "w1", "scene_description": "a rainy street"})
	firstPanel := first.Payload["panel"].(capability.Panel)
	if firstPanel.Style != "webtoon" || firstPanel.Status != "pending" {
		t.Fatalf("unexpected defaults: %+v", firstPanel)
	}

	second := invoke(t, r, "create_panel", map[string]any{
		"webtoon_id": "w1", "scene_description": "a cafe", "position": float64(1), "task_id": "job-9",
	})
	secondPanel := second.Payload["panel"].(capability.Panel)

	w, err := store.Webtoon(ctx, "w1")
	if err != nil {
		t.Fatalf("webtoon: %v", err)
	}
	if len(w.Panels) != 2 || w.Panels[0].PanelID != secondPanel.PanelID {
		t.Fatalf("position 1 should insert first, got %+v", w.Panels)
	}

	edited := invoke(t, r, "edit_panel", map[string]any{
		"webtoon_id": "w1", "panel_id": firstPanel.PanelID, "scene_description": "a sunny street",
	})
	if edited.Payload["updated"] != true || edited.Payload["panel"].(capability.Panel).SceneDescription != "a sunny street" {
		t.Fatalf("edit did not apply: %+v", edited.Payload)
	}

	invoke(t, r, "add_speech_bubble", map[string]any{
		"webtoon_id": "w1", "panel_id": firstPanel.PanelID, "text": "Hello!", "character_name": "Mina",
	})
	invoke(t, r, "remove_panel", map[string]any{"webtoon_id": "w1", "panel_id": secondPanel.PanelID})

	w, _ = store.Webtoon(ctx, "w1")
	if len(w.Panels) != 1 || len(w.Panels[0].SpeechBubbles) != 1 {
		t.Fatalf("unexpected final webtoon %+v", w)
	}
	if b := w.Panels[0].SpeechBubbles[0]; b.BubbleType != "speech" || b.Position != "top-right" {
		t.Fatalf("unexpected bubble defaults %+v", b)
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != "job-9/w1" {
		t.Fatalf("expected one notification for job-9, got %v", notifier.calls)
	}
}

func TestWebtoonTools_ErrorsBecomeExecutionErrors(t *testing.T) {
	r := webtoonRegistry(t, nil, nil)

	_, perr := r.Invoke(context.Background(), capability.Call{ClientID: "artist", ToolID: "remove_panel",
		Parameters: map[string]any{"webtoon_id": "missing", "panel_id": "p"}})
	if perr == nil || perr.Code != "execution_error" {
		t.Fatalf("expected execution_error, got %+v", perr)
	}

	_, perr = r.Invoke(context.Background(), capability.Call{ClientID: "artist", ToolID: "add_speech_bubble",
		Parameters: map[string]any{"webtoon_id": "w", "panel_id": "p", "text": "x", "bubble_type": "shout"}})
	if perr == nil || perr.Code != "invalid_parameters" {
		t.Fatalf("enum violation should be invalid_parameters, got %+v", perr)
	}
}

func TestWebtoonTools_DuplicateCharacter(t *testing.T) {
	r := webtoonRegistry(t, nil, nil)
	params := map[string]any{"webtoon_id": "w", "name": "Mina", "description": "lead"}
	res := invoke(t, r, "add_character", params)
	if res.Payload["character"].(capability.Character).Name != "Mina" {
		t.Fatalf("unexpected payload %+v", res.Payload)
	}
	_, perr := r.Invoke(context.Background(), capability.Call{ClientID: "artist", ToolID: "add_character", Parameters: params})
	if perr == nil || perr.Code != "execution_error" {
		t.Fatalf("expected duplicate character to fail, got %+v", perr)
	}
}
