// SPDX-License-Identifier: Apache-2.0

// Command recorder runs the snapshot pipeline without an HTTP surface,
// recording replay history only.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/agent-office/internal/bootstrap"
	"github.com/adiadia/agent-office/internal/config"
	"github.com/adiadia/agent-office/internal/logging"
	"github.com/adiadia/agent-office/internal/pipeline"
	"github.com/joho/godotenv"
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

	logger := logging.NewLogger(cfg.Env, cfg.LogLevel, "office-recorder")

	src, err := bootstrap.OpenSource(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open snapshot source failed: %v", err)
	}
	defer src.Close()

	store := bootstrap.NewReplayStore(cfg, logger)

	pipe := pipeline.New(pipeline.Deps{
		Source:   src,
		Bridge:   bootstrap.NewBridge(cfg, logger),
		Store:    store,
		Interval: cfg.RefreshEvery,
		Logger:   logger,
	})

	if src.Watch != nil {
		if err := src.Watch(ctx, pipe.Trigger); err != nil {
			logger.Warn("snapshot watch unavailable, relying on interval refresh", "error", err)
		}
	}

	logger.Info("recorder started",
		"source", cfg.SnapshotSource,
		"replay_dir", store.Dir(),
		"persist_interval", cfg.ReplayPersistInterval,
	)

	_ = pipe.Run(ctx)

	m := store.Metrics()
	logger.Info("recorder stopped",
		"persisted_snapshots", m.PersistedSnapshots,
		"retained_entries", m.RetainedEntries,
		"retained_bytes", m.RetainedBytes,
		"persistence_disabled", m.PersistenceDisabled,
	)
}
