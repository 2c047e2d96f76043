package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haulsync/haulsync/internal/api"
	"github.com/haulsync/haulsync/internal/config"
	"github.com/haulsync/haulsync/internal/outbox"
	"github.com/haulsync/haulsync/internal/syncer"
	"github.com/haulsync/haulsync/internal/telemetry"
	"github.com/haulsync/haulsync/internal/transport"
	"github.com/haulsync/haulsync/internal/trigger"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	policy := outbox.DefaultPolicy()
	policy.Base = cfg.BackoffBase
	policy.JitterMax = cfg.JitterMax
	policy.MaxRetries = cfg.MaxRetries

	store, err := outbox.NewSQLiteStore(cfg.DBPath, policy)
	if err != nil {
		slog.Error("outbox store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	buffer, err := telemetry.NewBuffer(cfg.TelemetryDBPath)
	if err != nil {
		slog.Error("telemetry buffer", "error", err)
		os.Exit(1)
	}
	defer buffer.Close()

	client := transport.New(cfg.BackendURL, cfg.AuthToken, cfg.HTTPTimeout)
	s := syncer.New(store, client, policy)
	uploader := telemetry.NewUploader(buffer, client, cfg.BatchLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := trigger.Ticker{}
	sched.Schedule(ctx, cfg.DrainInterval, s.Drain)
	sched.Schedule(ctx, cfg.FlushInterval, uploader.Flush)

	probe := trigger.NewProbe(client, func(ctx context.Context) {
		s.Drain(ctx)
		uploader.Flush(ctx)
	})
	sched.Schedule(ctx, cfg.ProbeInterval, probe.Check)

	mux := http.NewServeMux()
	h := api.NewHandler(store, s, buffer, uploader)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.RequestID,
		api.Logging,
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("haulsync listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
