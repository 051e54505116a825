package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// HistoryConfig controls the chat history collaborator.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	Limit         int    `yaml:"limit"`
	RetentionDays int    `yaml:"retention_days"`
}

// RedisConfig controls the task-event backplane relay.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// GenerationConfig selects the chat reply provider.
type GenerationConfig struct {
	// Provider is "google" or "none". Empty means google when an API key is present.
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	SystemPrompt string `yaml:"system_prompt"`

	// TimeoutSeconds bounds one reply generation.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// TelemetryConfig mirrors otel.Config in YAML form.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RateLimitConfig bounds inbound frames per client.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	MessagesPerMinute int  `yaml:"messages_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig applies to the plain HTTP endpoints.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// HousekeepingConfig holds 5-field cron expressions for periodic jobs.
type HousekeepingConfig struct {
	RetentionCron string `yaml:"retention_cron"`
	StatsCron     string `yaml:"stats_cron"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
	SendQueueSize       int `yaml:"send_queue_size"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// DefaultToolCategories are granted to every new connection unless
	// policy.yaml overrides them.
	DefaultToolCategories []string `yaml:"default_tool_categories"`

	History      HistoryConfig      `yaml:"history"`
	Redis        RedisConfig        `yaml:"redis"`
	Generation   GenerationConfig   `yaml:"generation"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	CORS         CORSConfig         `yaml:"cors"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|ping=%d|cats=%v|history=%v|redis=%v:%s|gen=%s:%s",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.PingIntervalSeconds, c.DefaultToolCategories,
		c.History.Enabled, c.Redis.Enabled, c.Redis.ChannelPrefix, c.Generation.Provider, c.Generation.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// PolicyPath is the location of the tool grant policy file.
func (c Config) PolicyPath() string {
	return filepath.Join(c.HomeDir, "policy.yaml")
}

// ConfigPath is the location of the main config file.
func (c Config) ConfigPath() string {
	return filepath.Join(c.HomeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:8765",
		LogLevel:              "info",
		PingIntervalSeconds:   30,
		WriteTimeoutSeconds:   5,
		SendQueueSize:         256,
		DrainTimeoutSeconds:   5,
		DefaultToolCategories: []string{"basic", "webtoon"},
		History: HistoryConfig{
			Enabled:       true,
			Limit:         20,
			RetentionDays: 30,
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379/0",
			ChannelPrefix: "sketchdojo",
		},
		Generation: GenerationConfig{
			Model:          "gemini-2.5-flash",
			TimeoutSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			MessagesPerMinute: 120,
			BurstSize:         20,
		},
		Housekeeping: HousekeepingConfig{
			RetentionCron: "0 * * * *",
			StatsCron:     "*/5 * * * *",
		},
	}
}

// HomeDir resolves the data directory: $SKETCHDOJO_HOME or ~/.sketchdojo.
func HomeDir() string {
	if override := os.Getenv("SKETCHDOJO_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sketchdojo")
}

// Load reads <home>/config.yaml over the defaults and applies env overrides.
// A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create home dir: %w", err)
	}

	data, err := os.ReadFile(cfg.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8765"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PingIntervalSeconds <= 0 {
		cfg.PingIntervalSeconds = 30
	}
	if cfg.WriteTimeoutSeconds <= 0 {
		cfg.WriteTimeoutSeconds = 5
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = 20
	}
	if strings.TrimSpace(cfg.History.DBPath) == "" {
		cfg.History.DBPath = filepath.Join(cfg.HomeDir, "history.db")
	}
	if strings.TrimSpace(cfg.Redis.ChannelPrefix) == "" {
		cfg.Redis.ChannelPrefix = "sketchdojo"
	}
	if cfg.Generation.TimeoutSeconds <= 0 {
		cfg.Generation.TimeoutSeconds = 30
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "gemini-2.5-flash"
	}
	cfg.Generation.Provider = strings.ToLower(strings.TrimSpace(cfg.Generation.Provider))
	if cfg.Generation.Provider == "gemini" {
		cfg.Generation.Provider = "google"
	}
	if cfg.Housekeeping.RetentionCron == "" {
		cfg.Housekeeping.RetentionCron = "0 * * * *"
	}
	if cfg.Housekeeping.StatsCron == "" {
		cfg.Housekeeping.StatsCron = "*/5 * * * *"
	}
	cats := cfg.DefaultToolCategories[:0]
	for _, c := range cfg.DefaultToolCategories {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			cats = append(cats, c)
		}
	}
	cfg.DefaultToolCategories = cats
}

func validate(cfg Config) error {
	switch cfg.Generation.Provider {
	case "", "google", "none":
	default:
		return fmt.Errorf("unsupported generation provider %q (supported: google, none)", cfg.Generation.Provider)
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.MessagesPerMinute <= 0 {
		return fmt.Errorf("rate_limit.messages_per_minute must be positive when rate limiting is enabled")
	}
	return nil
}

// GenerationAPIKey returns the provider key, preferring the environment.
func (c Config) GenerationAPIKey() string {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		return v
	}
	return c.Generation.APIKey
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SKETCHDOJO_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SKETCHDOJO_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SKETCHDOJO_REDIS_URL"); raw != "" {
		cfg.Redis.URL = raw
		cfg.Redis.Enabled = true
	}
	if raw := os.Getenv("SKETCHDOJO_PING_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PingIntervalSeconds = v
		}
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.Generation.Model = raw
	}
}
