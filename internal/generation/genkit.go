package generation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/sketchdojo-rt/internal/otel"
	"github.com/basket/sketchdojo-rt/internal/persistence"
	"github.com/basket/sketchdojo-rt/internal/tokenutil"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultModel   = "gemini-2.5-flash"
	defaultTimeout = 30 * time.Second

	// historyTokenBudget caps the estimated size of room history sent with
	// a prompt. Older messages are dropped first.
	historyTokenBudget = 4000
)

const defaultSystemPrompt = `You are the SketchDojo assistant. You help users plan and edit webtoons in a shared chat room.
Answer with a single JSON object: {"text": "<your reply>", "tool_calls": [{"tool_id": "<id>", "parameters": {...}}]}.
Only use tool ids from the list you are given. Omit tool_calls when no tool is needed.`

type GenkitOptions struct {
	Model        string
	APIKey       string
	SystemPrompt string
	Timeout      time.Duration
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *otel.Metrics
}

// GenkitGenerator asks a Gemini model for a structured reply.
type GenkitGenerator struct {
	g            *genkit.Genkit
	model        string
	systemPrompt string
	timeout      time.Duration
	parser       *ReplyParser
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otel.Metrics
}

func NewGenkitGenerator(ctx context.Context, opts GenkitOptions) (*GenkitGenerator, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("genkit generator: missing API key")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parser, err := NewReplyParser()
	if err != nil {
		return nil, err
	}

	// The googleai plugin reads its key from the environment.
	_ = os.Setenv("GEMINI_API_KEY", apiKey)
	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel("googleai/"+model),
	)
	logger.Info("genkit generator initialized", "provider", "google", "model", "googleai/"+model)

	systemPrompt := strings.TrimSpace(opts.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &GenkitGenerator{
		g:            g,
		model:        model,
		systemPrompt: systemPrompt,
		timeout:      timeout,
		parser:       parser,
		logger:       logger,
		tracer:       otel.TracerOrNoop(opts.Tracer),
		metrics:      opts.Metrics,
	}, nil
}

func (gg *GenkitGenerator) Name() string { return "googleai/" + gg.model }

func (gg *GenkitGenerator) GenerateReply(ctx context.Context, rc RoomContext) (Reply, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, gg.timeout)
	defer cancel()
	ctx, span := otel.StartClientSpan(ctx, gg.tracer, "generation.reply",
		otel.AttrRoomID.String(rc.RoomID),
		otel.AttrClientID.String(rc.ClientID),
		otel.AttrModel.String(gg.model),
	)
	defer span.End()

	opts := []ai.GenerateOption{
		ai.WithPrompt(buildPrompt(rc)),
		// Escape % so ai.WithSystem's formatting leaves the prompt intact.
		ai.WithSystem(strings.ReplaceAll(gg.systemPrompt, "%", "%%")),
	}
	if msgs := historyToMessages(trimHistory(rc.History, historyTokenBudget)); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	resp, err := genkit.Generate(ctx, gg.g, opts...)
	if gg.metrics != nil {
		gg.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrModel.String(gg.model)))
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Reply{}, fmt.Errorf("genkit generate: %w", err)
	}

	reply, structured := gg.parser.Parse(resp.Text())
	if !structured {
		gg.logger.Debug("model reply was not structured; passing through as text", "room_id", rc.RoomID)
	}
	if reply.Text == "" && len(reply.ToolCalls) == 0 {
		span.SetStatus(codes.Error, "empty reply")
		return Reply{}, fmt.Errorf("genkit generate: empty reply")
	}
	gg.logger.Debug("reply generated", "room_id", rc.RoomID, "tool_calls", toolIDs(reply.ToolCalls))
	return reply, nil
}

func buildPrompt(rc RoomContext) string {
	var b strings.Builder
	if len(rc.Tools) > 0 {
		b.WriteString("Available tools: ")
		b.WriteString(strings.Join(rc.Tools, ", "))
		b.WriteString("\n\n")
	}
	b.WriteString(rc.Text)
	return b.String()
}

// trimHistory keeps the newest messages whose estimated size fits budget.
func trimHistory(items []persistence.ChatMessage, budget int) []persistence.ChatMessage {
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Content
	}
	return items[tokenutil.NewestWithin(texts, budget):]
}

// historyToMessages maps stored room messages onto genkit roles. The
// assistant's own messages become model turns; everything else is a user
// turn.
func historyToMessages(items []persistence.ChatMessage) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Content) == "" {
			continue
		}
		role := ai.RoleUser
		if item.Role == "assistant" {
			role = ai.RoleModel
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(item.Content)},
		})
	}
	return msgs
}
