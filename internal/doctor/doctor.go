// Package doctor runs local diagnostics for a sketchdojo-rt install.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/sketchdojo-rt/internal/broadcast"
	"github.com/basket/sketchdojo-rt/internal/config"
	"github.com/basket/sketchdojo-rt/internal/persistence"
	"github.com/basket/sketchdojo-rt/internal/policy"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed counts the failed checks.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == StatusFail {
			n++
		}
	}
	return n
}

type check func(context.Context, *config.Config) CheckResult

// Run executes every diagnostic check in order.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	checks := []check{
		checkConfig,
		checkHomeDir,
		checkPolicy,
		checkAPIKey,
		checkDatabase,
		checkRedis,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(cfg.ConfigPath()); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusPass, Message: "Using defaults (no config.yaml)", Detail: cfg.ConfigPath()}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.ConfigPath())}
}

func checkHomeDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home Dir", Status: StatusSkip, Message: "Config missing"}
	}
	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Home Dir", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Home Dir", Status: StatusPass, Message: "Home directory writable", Detail: cfg.HomeDir}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	p, err := policy.Load(cfg.PolicyPath(), policy.Default(cfg.DefaultToolCategories))
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: err.Error(), Detail: cfg.PolicyPath()}
	}
	return CheckResult{
		Name:    "Policy",
		Status:  StatusPass,
		Message: fmt.Sprintf("Default categories: %s", strings.Join(p.DefaultCategories, ", ")),
		Detail:  "version " + p.PolicyVersion(),
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Generation.Provider)) {
	case "none":
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Reply generation disabled"}
	case "", "google", "gemini":
	default:
		return CheckResult{Name: "API Key", Status: StatusFail, Message: fmt.Sprintf("Unsupported provider %q", cfg.Generation.Provider)}
	}
	if cfg.GenerationAPIKey() != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: "Gemini API key configured"}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: "GEMINI_API_KEY not set; replies use the fallback generator",
		Detail:  "Set GEMINI_API_KEY or generation.api_key in config.yaml",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.History.Enabled {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Chat history disabled"}
	}
	store, err := persistence.Open(cfg.History.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.History.DBPath}
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: cfg.History.DBPath}
}

func checkRedis(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Redis", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Redis.Enabled {
		return CheckResult{Name: "Redis", Status: StatusSkip, Message: "Backplane disabled"}
	}
	start := time.Now()
	rdb, err := broadcast.Dial(ctx, cfg.Redis.URL)
	if err != nil {
		return CheckResult{Name: "Redis", Status: StatusFail, Message: err.Error()}
	}
	defer rdb.Close()
	return CheckResult{
		Name:    "Redis",
		Status:  StatusPass,
		Message: fmt.Sprintf("Reachable in %dms", time.Since(start).Milliseconds()),
		Detail:  "channels " + strings.Join(broadcast.Channels(cfg.Redis.ChannelPrefix), ", "),
	}
}
