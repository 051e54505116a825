package generation

import (
	"context"
	"log/slog"

	"github.com/basket/sketchdojo-rt/internal/safety"
	"github.com/basket/sketchdojo-rt/internal/shared"
)

// RefusalText answers a message that safety.Screen refused.
const RefusalText = "I can only help with your webtoon. Try asking about panels, characters or dialogue."

// Guarded screens incoming text before the inner generator sees it and
// scrubs secrets from what comes back.
type Guarded struct {
	inner  Generator
	logger *slog.Logger
}

func NewGuarded(inner Generator, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{inner: inner, logger: logger}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) GenerateReply(ctx context.Context, rc RoomContext) (Reply, error) {
	finding := safety.Screen(rc.Text)
	switch finding.Verdict {
	case safety.Refuse:
		g.logger.Warn("message refused by screen", append(shared.LogAttrs(ctx),
			"room_id", rc.RoomID, "client_id", rc.ClientID, "rule", finding.Rule)...)
		return Reply{Text: RefusalText}, nil
	case safety.Flag:
		g.logger.Info("message flagged by screen", append(shared.LogAttrs(ctx),
			"room_id", rc.RoomID, "client_id", rc.ClientID, "rule", finding.Rule)...)
	}

	reply, err := g.inner.GenerateReply(ctx, rc)
	if err != nil {
		return reply, err
	}
	reply.Text = shared.Redact(reply.Text)
	return reply, nil
}
