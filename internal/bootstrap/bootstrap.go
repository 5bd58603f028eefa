// SPDX-License-Identifier: Apache-2.0

// Package bootstrap builds the components shared by the office binaries
// from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adiadia/agent-office/internal/config"
	"github.com/adiadia/agent-office/internal/lifecycle"
	pgstore "github.com/adiadia/agent-office/internal/persistence/postgres"
	"github.com/adiadia/agent-office/internal/replay"
	"github.com/adiadia/agent-office/internal/source"
	filesource "github.com/adiadia/agent-office/internal/source/file"
	pgsource "github.com/adiadia/agent-office/internal/source/postgres"
)

// Source is an opened snapshot source plus its optional capabilities.
type Source struct {
	source.Source
	Readiness source.ReadinessChecker
	// Watch is nil when the source cannot push change notifications.
	Watch func(ctx context.Context, onChange func()) error
	close func()
}

func (s *Source) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// OpenSource opens the snapshot source selected by cfg.SnapshotSource.
func OpenSource(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Source, error) {
	switch cfg.SnapshotSource {
	case config.SourceFile, "":
		src, err := filesource.New(cfg.SnapshotFile, logger)
		if err != nil {
			return nil, err
		}
		out := &Source{
			Source:    src,
			Readiness: src,
			close:     func() { _ = src.Close() },
		}
		if cfg.SnapshotWatch {
			out.Watch = src.Watch
		}
		logger.Info("snapshot source opened", "source", config.SourceFile, "path", src.Path())
		return out, nil

	case config.SourcePostgres:
		pool, err := pgstore.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		src := pgsource.New(pool, pgsource.Options{Logger: logger})
		logger.Info("snapshot source opened", "source", config.SourcePostgres)
		return &Source{
			Source:    src,
			Readiness: src,
			close:     pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown snapshot source %q", cfg.SnapshotSource)
	}
}

func NewBridge(cfg config.Config, logger *slog.Logger) *lifecycle.Bridge {
	return lifecycle.New(lifecycle.Config{
		MaxQueue:         cfg.LifecycleMaxQueue,
		MaxSeen:          cfg.LifecycleMaxSeen,
		MaxEmitPerIngest: cfg.LifecycleMaxEmitPerIngest,
	}, logger)
}

func NewReplayStore(cfg config.Config, logger *slog.Logger) *replay.Store {
	return replay.NewStore(replay.Options{
		Dir:    cfg.ReplayDir,
		Policy: ReplayPolicy(cfg),
		Logger: logger,
	})
}

func ReplayPolicy(cfg config.Config) replay.Policy {
	return replay.Policy{
		MinInterval:   cfg.ReplayPersistInterval,
		MaxSnapshots:  cfg.ReplayMaxSnapshots,
		MaxTotalBytes: cfg.ReplayMaxTotalBytes,
		MaxAge:        cfg.ReplayMaxAge,
	}
}
