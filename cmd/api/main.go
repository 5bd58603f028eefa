// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/agent-office/internal/bootstrap"
	"github.com/adiadia/agent-office/internal/config"
	"github.com/adiadia/agent-office/internal/logging"
	"github.com/adiadia/agent-office/internal/notify"
	"github.com/adiadia/agent-office/internal/pipeline"
	httptransport "github.com/adiadia/agent-office/internal/transport/http"
	"github.com/joho/godotenv"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, cfg.LogLevel, "office-api")

	src, err := bootstrap.OpenSource(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open snapshot source failed: %v", err)
	}
	defer src.Close()

	bridge := bootstrap.NewBridge(cfg, logger)
	store := bootstrap.NewReplayStore(cfg, logger)

	webhook := notify.NewWebhook(notify.Options{
		URL:    cfg.WebhookURL,
		Secret: cfg.WebhookSecret,
		Logger: logger,
	})
	if webhook != nil {
		go webhook.Run(ctx)
	}

	pipe := pipeline.New(pipeline.Deps{
		Source:   src,
		Bridge:   bridge,
		Store:    store,
		Sink:     webhook,
		Interval: cfg.RefreshEvery,
		Logger:   logger,
	})

	if src.Watch != nil {
		if err := src.Watch(ctx, pipe.Trigger); err != nil {
			logger.Warn("snapshot watch unavailable, relying on interval refresh", "error", err)
		}
	}

	go func() {
		_ = pipe.Run(ctx)
	}()

	handler := httptransport.NewRouter(httptransport.Deps{
		Stream:                bridge,
		Replay:                store,
		Readiness:             src.Readiness,
		Logger:                logger,
		ReplayToken:           cfg.ReplayToken,
		ReplayRateLimitPerMin: cfg.ReplayRateLimitPerMin,
		Version:               Version,
		Commit:                Commit,
		BuildDate:             BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Streams end with the process context so Shutdown is not held
		// open by SSE subscribers.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"source", cfg.SnapshotSource,
			"replay_dir", store.Dir(),
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
