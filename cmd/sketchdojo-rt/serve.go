package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/sketchdojo-rt/internal/broadcast"
	"github.com/basket/sketchdojo-rt/internal/config"
	"github.com/basket/sketchdojo-rt/internal/otel"
	"github.com/basket/sketchdojo-rt/internal/telemetry"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const relayRetryDelay = 2 * time.Second

func serveCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the log file only, not stdout")
	return cmd
}

func runServe(parent context.Context, quiet bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loadDotEnv(".env")
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	loadDotEnv(filepath.Join(cfg.HomeDir, ".env"))

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	logger.Info("startup phase", "phase", "config_loaded",
		"home_dir", cfg.HomeDir, "bind_addr", cfg.BindAddr, "config_fingerprint", cfg.Fingerprint())
	if !isLoopback(cfg.BindAddr) && len(cfg.AllowOrigins) == 0 {
		logger.Warn("listening on a non-loopback address with no allow_origins; browsers on other origins will be rejected",
			"bind_addr", cfg.BindAddr)
	}

	provider, err := otel.Init(ctx, otel.FromConfig(cfg.Telemetry))
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	a, err := buildApp(ctx, cfg, provider, logger)
	if err != nil {
		fatalStartup(logger, "E_WIRING", err)
	}
	defer a.close()
	logger.Info("startup phase", "phase", "wired",
		"history", cfg.History.Enabled, "redis", cfg.Redis.Enabled, "policy_version", a.policy.PolicyVersion())

	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w (stop the other process or change bind_addr in config.yaml)", err)
		}
		fatalStartup(logger, "E_BIND", err)
	}

	server := &http.Server{
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("startup phase", "phase", "listening", "addr", ln.Addr().String())
		if isatty.IsTerminal(os.Stderr.Fd()) {
			fmt.Fprintf(os.Stderr, "sketchdojo-rt %s listening on ws://%s/ws\n", otel.Version, ln.Addr())
		}
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return otel.ObserveBus(gctx, a.bus, a.metrics, telemetry.Component(logger, "observe"))
	})
	g.Go(func() error { return watchConfig(gctx, a) })
	if cfg.Redis.Enabled {
		g.Go(func() error { return runRelay(gctx, a) })
	}
	a.gateway.Limiter().StartEviction(gctx, time.Minute, 10*time.Minute)
	a.scheduler.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")
		a.scheduler.Stop()

		drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		a.drain(drainTimeout)
		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}

// watchConfig reloads policy.yaml on change. Edits to config.yaml are only
// reported; they take effect on restart.
func watchConfig(ctx context.Context, a *app) error {
	w := config.NewWatcher(a.cfg.HomeDir, telemetry.Component(a.logger, "watcher"))
	if err := w.Start(ctx); err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
		return nil
	}
	for ev := range w.Events() {
		if ev.IsPolicy() {
			a.reloadPolicy()
			continue
		}
		a.logger.Info("config.yaml changed; restart to apply", "op", ev.Op.String())
	}
	return nil
}

// runRelay keeps the Redis backplane subscription alive until ctx ends.
func runRelay(ctx context.Context, a *app) error {
	logger := telemetry.Component(a.logger, "relay")
	for {
		err := relayOnce(ctx, a, logger)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("backplane relay stopped; retrying", "error", err, "delay", relayRetryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(relayRetryDelay):
		}
	}
}

func relayOnce(ctx context.Context, a *app, logger *slog.Logger) error {
	rdb, err := broadcast.Dial(ctx, a.cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	return broadcast.NewRelay(rdb, a.broadcaster, a.cfg.Redis.ChannelPrefix, logger).Run(ctx)
}
