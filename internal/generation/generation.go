// Package generation produces assistant replies for chat rooms. The reply
// may carry tool calls, which the chat handler invokes on the requesting
// client's behalf.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/sketchdojo-rt/internal/otel"
	"github.com/basket/sketchdojo-rt/internal/persistence"
	"github.com/basket/sketchdojo-rt/internal/protocol"
	"go.opentelemetry.io/otel/trace"
)

// FallbackText is broadcast when reply generation fails.
const FallbackText = "I'm sorry, I encountered an error while processing your request. Please try again."

// RoomContext is everything a generator sees for one chat message.
type RoomContext struct {
	RoomID   string
	ClientID string
	Text     string
	// History is the room's recent messages, oldest first. It may be empty
	// when the history store is unavailable.
	History []persistence.ChatMessage
	// Tools are the tool ids the requesting client may call.
	Tools []string
}

// Reply is a generated assistant message.
type Reply struct {
	Text      string                  `json:"text"`
	ToolCalls []protocol.ToolCallSpec `json:"tool_calls,omitempty"`
}

// Generator is the generation collaborator.
type Generator interface {
	GenerateReply(ctx context.Context, rc RoomContext) (Reply, error)
	Name() string
}

// Options selects and configures a Generator.
type Options struct {
	Provider     string // "google", "none" or empty
	Model        string
	APIKey       string
	SystemPrompt string
	Timeout      time.Duration
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *otel.Metrics
}

// New picks the genkit generator when a provider key is configured and the
// deterministic fallback otherwise.
func New(ctx context.Context, opts Options) (Generator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	switch provider {
	case "none":
		logger.Info("reply generation disabled; using fallback generator")
		return FallbackGenerator{}, nil
	case "", "google", "gemini":
		if strings.TrimSpace(opts.APIKey) == "" {
			logger.Warn("Google API key missing; using fallback generator")
			return FallbackGenerator{}, nil
		}
		return NewGenkitGenerator(ctx, GenkitOptions{
			Model:        opts.Model,
			APIKey:       opts.APIKey,
			SystemPrompt: opts.SystemPrompt,
			Timeout:      opts.Timeout,
			Logger:       logger,
			Tracer:       opts.Tracer,
			Metrics:      opts.Metrics,
		})
	default:
		return nil, fmt.Errorf("unsupported generation provider %q", opts.Provider)
	}
}

// FallbackGenerator acknowledges messages without calling a model.
type FallbackGenerator struct{}

func (FallbackGenerator) Name() string { return "fallback" }

func (FallbackGenerator) GenerateReply(_ context.Context, rc RoomContext) (Reply, error) {
	text := strings.TrimSpace(rc.Text)
	if text == "" {
		return Reply{}, fmt.Errorf("empty message")
	}
	if r := []rune(text); len(r) > 80 {
		text = string(r[:80]) + "..."
	}
	return Reply{Text: fmt.Sprintf("Got it: %q. Replies get smarter once a generation provider is configured.", text)}, nil
}
