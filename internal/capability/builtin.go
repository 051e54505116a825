package capability

import (
	"context"
	"fmt"
	"time"
)

// Tool categories understood by the default grant policy.
const (
	CategoryBasic   = "basic"
	CategoryWebtoon = "webtoon"
)

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// EchoTool returns its message together with a server timestamp.
func EchoTool() Definition {
	return Definition{
		ToolID:      "echo",
		Name:        "Echo",
		Description: "Echoes back the input message",
		Category:    CategoryBasic,
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Property{
				"message": {Type: "string", Description: "Message to echo"},
			},
			Required: []string{"message"},
		},
		Execute: func(_ context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{
				"message":        params["message"],
				"echo_timestamp": nowStamp(),
			}, nil
		},
	}
}

// WeatherTool is a mock weather lookup; it always reports the same sky.
func WeatherTool() Definition {
	return Definition{
		ToolID:      "weather",
		Name:        "Weather",
		Description: "Get weather information for a location",
		Category:    CategoryBasic,
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Property{
				"location": {Type: "string", Description: "City or location name"},
			},
			Required: []string{"location"},
		},
		Execute: func(_ context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{
				"location":    params["location"],
				"temperature": 22,
				"unit":        "celsius",
				"condition":   "sunny",
				"timestamp":   nowStamp(),
			}, nil
		},
	}
}

// RegisterBuiltins registers echo, weather and the webtoon editing tools.
func RegisterBuiltins(r *Registry, store WebtoonStore, notifier WebtoonNotifier) error {
	defs := append([]Definition{EchoTool(), WeatherTool()}, WebtoonTools(store, notifier)...)
	for _, def := range defs {
		if err := r.RegisterTool(def); err != nil {
			return fmt.Errorf("register builtins: %w", err)
		}
	}
	return nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

// intParam accepts the float64 that encoding/json produces for numbers.
func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

func stringsParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		if s, ok := params[key].([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
