package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/sketchdojo-rt/internal/audit"
	"github.com/basket/sketchdojo-rt/internal/broadcast"
	"github.com/basket/sketchdojo-rt/internal/bus"
	"github.com/basket/sketchdojo-rt/internal/capability"
	"github.com/basket/sketchdojo-rt/internal/config"
	"github.com/basket/sketchdojo-rt/internal/cron"
	"github.com/basket/sketchdojo-rt/internal/gateway"
	"github.com/basket/sketchdojo-rt/internal/generation"
	"github.com/basket/sketchdojo-rt/internal/handler"
	"github.com/basket/sketchdojo-rt/internal/otel"
	"github.com/basket/sketchdojo-rt/internal/persistence"
	"github.com/basket/sketchdojo-rt/internal/policy"
	"github.com/basket/sketchdojo-rt/internal/room"
	"github.com/basket/sketchdojo-rt/internal/router"
	"github.com/basket/sketchdojo-rt/internal/session"
	"github.com/basket/sketchdojo-rt/internal/subscription"
	"github.com/basket/sketchdojo-rt/internal/telemetry"
)

// emptyRoomMaxAge is how long a created-but-never-joined room survives.
const emptyRoomMaxAge = 10 * time.Minute

// app holds the wired process. Everything a serve run needs hangs off it so
// tests can build the same graph without binding a port.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	provider *otel.Provider
	metrics  *otel.Metrics
	bus      *bus.Bus

	store   *persistence.Store // nil when history is disabled
	history *persistence.HistoryRecorder
	audit   *audit.Log

	policy      *policy.LivePolicy
	sessions    *session.Registry
	subs        *subscription.Index
	rooms       *room.Registry
	tools       *capability.Registry
	broadcaster *broadcast.Broadcaster
	chat        *handler.ChatHandler
	system      *handler.SystemHandler
	router      *router.Router
	gateway     *gateway.Server
	scheduler   *cron.Scheduler
}

func buildApp(ctx context.Context, cfg config.Config, provider *otel.Provider, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger, provider: provider, bus: bus.New()}

	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	a.metrics = metrics

	var auditStore audit.Store
	if cfg.History.Enabled {
		store, err := persistence.Open(cfg.History.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open history db: %w", err)
		}
		a.store = store
		auditStore = store
		a.history = persistence.NewHistoryRecorder(store, 256, telemetry.Component(logger, "history"))
	}

	a.audit, err = audit.Open(cfg.HomeDir, auditStore, telemetry.Component(logger, "audit"))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	base := policy.Default(cfg.DefaultToolCategories)
	initial, err := policy.Load(cfg.PolicyPath(), base)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load policy: %w", err)
	}
	a.policy = policy.NewLivePolicy(initial, base)

	a.sessions = session.NewRegistry(session.Options{
		Logger:       telemetry.Component(logger, "session"),
		Bus:          a.bus,
		Metrics:      metrics,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		QueueSize:    cfg.SendQueueSize,
	})
	a.subs = subscription.New(a.sessions, telemetry.Component(logger, "subscription"))
	a.sessions.SetStatsSource(a.subs)
	a.rooms = room.NewRegistry(a.sessions, a.bus, telemetry.Component(logger, "room"))
	a.broadcaster = broadcast.New(a.subs, a.bus, telemetry.Component(logger, "broadcast"))

	a.tools = capability.NewRegistry(capability.Options{
		Logger:      telemetry.Component(logger, "capability"),
		Bus:         a.bus,
		Tracer:      provider.Tracer,
		Permissions: capability.NewPermissions(a.audit),
		ExecTimeout: 10 * time.Second,
	})
	if err := capability.RegisterBuiltins(a.tools, capability.NewMemoryWebtoonStore(), a.broadcaster); err != nil {
		a.close()
		return nil, err
	}

	// Cleanup order matters: peers hear about the leave before the
	// client's grants and subscriptions go away.
	a.sessions.OnDisconnect("rooms", func(ctx context.Context, id string) { a.rooms.LeaveRoom(ctx, id) })
	a.sessions.OnDisconnect("permissions", func(ctx context.Context, id string) {
		a.tools.Permissions().Revoke(ctx, id, "disconnect")
	})
	a.sessions.OnDisconnect("subscriptions", func(_ context.Context, id string) { a.subs.RemoveClient(id) })

	gen, err := generation.New(ctx, generation.Options{
		Provider:     cfg.Generation.Provider,
		Model:        cfg.Generation.Model,
		APIKey:       cfg.GenerationAPIKey(),
		SystemPrompt: cfg.Generation.SystemPrompt,
		Timeout:      time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
		Logger:       telemetry.Component(logger, "generation"),
		Tracer:       provider.Tracer,
		Metrics:      metrics,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("generation: %w", err)
	}

	var history handler.History
	if a.history != nil {
		history = a.history
	}
	a.chat = handler.NewChatHandler(handler.ChatDeps{
		Rooms:        a.rooms,
		Tools:        a.tools,
		Sender:       a.sessions,
		Generator:    generation.NewGuarded(gen, telemetry.Component(logger, "safety")),
		History:      history,
		HistoryLimit: cfg.History.Limit,
		Logger:       telemetry.Component(logger, "chat"),
	})
	a.system = handler.NewSystemHandler(a.sessions, a.rooms, a.sessions)

	a.router = router.New(a.sessions, router.Options{
		Logger:  telemetry.Component(logger, "router"),
		Tracer:  provider.Tracer,
		Metrics: metrics,
	})
	a.router.RegisterModule(a.chat)
	a.router.RegisterModule(handler.NewToolHandler(a.tools, a.sessions))
	a.router.RegisterModule(handler.NewTaskHandler(a.subs, a.sessions))
	a.router.RegisterModule(a.system)

	gwCfg := gateway.Config{
		Sessions:          a.sessions,
		Router:            a.router,
		Grants:            a.tools,
		Policy:            a.policy,
		Stats:             a.system,
		Rooms:             a.rooms,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		PingInterval:      time.Duration(cfg.PingIntervalSeconds) * time.Second,
		RateLimit:         cfg.RateLimit,
		CORS:              cfg.CORS,
		Metrics:           metrics,
		Logger:            telemetry.Component(logger, "gateway"),
	}
	if a.store != nil {
		gwCfg.Store = a.store
	}
	a.gateway = gateway.New(gwCfg)

	a.scheduler = cron.NewScheduler(cron.Config{Logger: telemetry.Component(logger, "cron")})
	if err := a.scheduler.AddJob("retention", cfg.Housekeeping.RetentionCron, a.retention); err != nil {
		a.close()
		return nil, err
	}
	if err := a.scheduler.AddJob("stats", cfg.Housekeeping.StatsCron, func(context.Context) error {
		logger.Info("stats", a.statsAttrs()...)
		return nil
	}); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// statsAttrs is the periodic stats line: live counts plus the history
// writes that never reached the database.
func (a *app) statsAttrs() []any {
	snap := a.system.Snapshot()
	attrs := []any{
		"connections", snap.ActiveConnections,
		"rooms", snap.Rooms,
		"task_subscriptions", snap.TaskSubscriptions,
		"granted_clients", a.tools.Permissions().ClientCount(),
		"rate_limit_buckets", a.gateway.Limiter().BucketCount(),
	}
	if a.history != nil {
		attrs = append(attrs, "history_dropped", a.history.Dropped(), "history_failed", a.history.Failed())
	}
	return attrs
}

// retention purges old history and audit rows and drops rooms nobody joined.
func (a *app) retention(ctx context.Context) error {
	pruned := a.rooms.PruneEmpty(emptyRoomMaxAge)
	if a.store == nil {
		if pruned > 0 {
			a.logger.Info("retention run", "pruned_rooms", pruned)
		}
		return nil
	}
	days := a.cfg.History.RetentionDays
	res, err := a.store.RunRetention(ctx, days, days)
	if err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	a.logger.Info("retention run",
		"purged_messages", res.PurgedMessages,
		"purged_audit_logs", res.PurgedAuditLogs,
		"pruned_rooms", pruned)
	return nil
}

// reloadPolicy swaps the live policy. A bad file keeps the old policy.
// Only connections opened after the swap see the new default grants.
func (a *app) reloadPolicy() {
	before := a.policy.PolicyVersion()
	if err := policy.ReloadFromFile(a.policy, a.cfg.PolicyPath()); err != nil {
		a.logger.Warn("policy reload rejected", "error", err)
		return
	}
	a.logger.Info("policy reloaded", "from", before, "to", a.policy.PolicyVersion())
}

// drain stops dispatch first so no reply can start while waiting, then
// gives in-flight replies until timeout before dropping every connection.
func (a *app) drain(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.gateway.StopDispatch(ctx); err != nil {
		a.logger.Warn("drain: dispatches still running", "error", err)
	}

	done := make(chan struct{})
	go func() {
		a.chat.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("drain timed out; closing with replies in flight", "timeout", timeout)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	a.sessions.DisconnectAll(closeCtx)
}

func (a *app) close() {
	if a.history != nil {
		a.history.Close()
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
