package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/callrelay/internal/gateway"
	"github.com/haasonsaas/callrelay/internal/sessions"
)

const shutdownTimeout = 30 * time.Second

// runServe loads configuration, starts the gateway and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug, callLead bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.RequireCredentials(); err != nil {
		return err
	}

	logger := newLogger(cfg, debug)
	slog.SetDefault(logger.Slog())
	slog.Info("starting callrelay",
		"version", version,
		"commit", commit,
		"config", configPath,
		"public_url", cfg.Server.PublicURL,
	)

	a, err := newApp(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Prompts.Watch && cfg.Prompts.Dir != "" {
		if err := a.prompts.StartWatching(ctx); err != nil {
			return fmt.Errorf("watch prompts: %w", err)
		}
	}

	tracker := sessions.NewTracker()
	server, err := gateway.NewServer(gateway.Config{
		StreamPath:       cfg.Server.StreamPath,
		PublicURL:        cfg.Server.PublicURL,
		AuthToken:        cfg.Twilio.AuthToken,
		VerifySignatures: cfg.Server.VerifySignatures,
	}, a.newSession, gateway.Options{
		Tracker: tracker,
		Metrics: a.metrics,
		Logger:  logger.Slog(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	var reaper *sessions.Reaper
	if cfg.Sessions.MaxDuration > 0 {
		reaper, err = sessions.NewReaper(tracker, sessions.ReaperConfig{
			Schedule:    cfg.Sessions.ReapSchedule,
			MaxDuration: cfg.Sessions.MaxDuration,
			Logger:      logger.Slog(),
		})
		if err != nil {
			return err
		}
	}

	if err := server.Start(cfg.ListenAddr()); err != nil {
		return err
	}
	if reaper != nil {
		reaper.Start()
	}

	if callLead {
		call, err := placeCall(ctx, a.twilio, cfg, "")
		if err != nil {
			slog.Error("failed to place lead call", "error", err)
		} else {
			slog.Info("lead call initiated", "call_id", call.SID, "to", call.To)
		}
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if reaper != nil {
		if err := reaper.Stop(shutdownCtx); err != nil {
			slog.Warn("reaper stop", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := a.close(shutdownCtx); err != nil {
		slog.Warn("closing resources", "error", err)
	}
	slog.Info("callrelay stopped")
	return nil
}
