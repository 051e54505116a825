package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/sketchdojo-rt/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:               home,
		DefaultToolCategories: []string{"basic"},
		History:               config.HistoryConfig{Enabled: true, DBPath: filepath.Join(home, "history.db")},
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "v0")
	if len(d.Results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(d.Results))
	}
	if d.Results[0].Status != StatusFail {
		t.Fatalf("config check should fail, got %+v", d.Results[0])
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s should skip without config, got %s", r.Name, r.Status)
		}
	}
	if d.Failed() != 1 {
		t.Fatalf("expected 1 failure, got %d", d.Failed())
	}
}

func TestRun_HealthyLocalInstall(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "v0")

	want := map[string]string{
		"Config":   StatusPass,
		"Home Dir": StatusPass,
		"Policy":   StatusPass,
		"API Key":  StatusWarn,
		"Database": StatusPass,
		"Redis":    StatusSkip,
	}
	for _, r := range d.Results {
		if want[r.Name] != r.Status {
			t.Fatalf("%s: got %s (%s), want %s", r.Name, r.Status, r.Message, want[r.Name])
		}
	}
	if d.System.Version != "v0" || d.Failed() != 0 {
		t.Fatalf("unexpected diagnosis %+v", d)
	}
}

func TestCheckPolicy_InvalidFile(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.PolicyPath(), []byte("default_categories: [\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if r := checkPolicy(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for bad policy, got %+v", r)
	}
}

func TestCheckAPIKey(t *testing.T) {
	cfg := testConfig(t)

	t.Setenv("GEMINI_API_KEY", "secret")
	if r := checkAPIKey(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS with key, got %+v", r)
	}

	cfg.Generation.Provider = "none"
	if r := checkAPIKey(context.Background(), cfg); r.Status != StatusSkip {
		t.Fatalf("expected SKIP when disabled, got %+v", r)
	}

	cfg.Generation.Provider = "openai"
	if r := checkAPIKey(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL for unsupported provider, got %+v", r)
	}
}

func TestCheckDatabase_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = false
	if r := checkDatabase(context.Background(), cfg); r.Status != StatusSkip {
		t.Fatalf("expected SKIP, got %+v", r)
	}
}
