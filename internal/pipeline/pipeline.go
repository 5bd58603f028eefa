// SPDX-License-Identifier: Apache-2.0

// Package pipeline drives the refresh loop: pull a snapshot from the
// source, feed it through the lifecycle bridge, forward emitted frames and
// hand the snapshot to the replay store.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adiadia/agent-office/internal/domain"
	"github.com/adiadia/agent-office/internal/lifecycle"
	"github.com/adiadia/agent-office/internal/metrics"
	"github.com/adiadia/agent-office/internal/replay"
	"github.com/adiadia/agent-office/internal/source"
)

const defaultInterval = time.Second

type Ingester interface {
	IngestSnapshot(snap domain.Snapshot) []domain.LifecycleFrame
	ConsumePressureStats() lifecycle.PressureStats
}

type Persister interface {
	PersistSnapshot(ctx context.Context, snap domain.Snapshot) (replay.PersistResult, error)
}

// disabledReporter is implemented by stores that can turn persistence off
// after a permanent storage failure.
type disabledReporter interface {
	IsPersistenceDisabled() bool
}

type FrameSink interface {
	Enqueue(frames []domain.LifecycleFrame) bool
}

type Deps struct {
	Source source.Source
	Bridge Ingester
	// Store and Sink are optional.
	Store    Persister
	Sink     FrameSink
	Interval time.Duration
	Logger   *slog.Logger
}

type Pipeline struct {
	source   source.Source
	bridge   Ingester
	store    Persister
	sink     FrameSink
	interval time.Duration
	logger   *slog.Logger

	trigger chan struct{}

	// refreshMu keeps refreshes strictly sequential so the bridge sees
	// snapshots in source order.
	refreshMu     sync.Mutex
	lastPersisted int64
	warnedOff     bool
	refreshed     atomic.Bool
}

func New(deps Deps) *Pipeline {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Pipeline{
		source:        deps.Source,
		bridge:        deps.Bridge,
		store:         deps.Store,
		sink:          deps.Sink,
		interval:      interval,
		logger:        l,
		trigger:       make(chan struct{}, 1),
		lastPersisted: -1,
	}
}

// Trigger requests an early refresh. Requests made while one is already
// pending are coalesced.
func (p *Pipeline) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Refreshed reports whether at least one refresh has completed.
func (p *Pipeline) Refreshed() bool {
	return p.refreshed.Load()
}

// Run refreshes immediately and then on every tick or trigger until ctx is
// canceled. Refresh failures are logged and never stop the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("refresh pipeline started", "interval", p.interval)

	for {
		if err := p.RefreshOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("snapshot refresh failed", "error", err)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("refresh pipeline stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

// RefreshOnce runs a single fetch, ingest, forward and persist cycle.
func (p *Pipeline) RefreshOnce(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	started := time.Now()
	snap, err := p.source.Snapshot(ctx)
	if err != nil {
		metrics.IncRefreshFailures()
		return err
	}

	frames := p.bridge.IngestSnapshot(snap)
	metrics.ObserveRefreshDuration(time.Since(started))
	p.refreshed.Store(true)

	if len(frames) > 0 {
		metrics.AddFramesEmitted(len(frames))
		if p.sink != nil {
			p.sink.Enqueue(frames)
		}
	}

	p.drainPressure()

	if p.store != nil && snap.GeneratedAt > p.lastPersisted {
		result, err := p.store.PersistSnapshot(ctx, snap)
		if err != nil {
			p.logger.Error("snapshot persist failed",
				"generated_at", snap.GeneratedAt,
				"error", err,
			)
			return nil
		}
		if result.Stored {
			p.lastPersisted = snap.GeneratedAt
		}
		p.checkPersistenceDisabled()
	}

	return nil
}

// checkPersistenceDisabled reports a disabled store once. Live streaming
// keeps working without replay history.
func (p *Pipeline) checkPersistenceDisabled() {
	if p.warnedOff {
		return
	}
	reporter, ok := p.store.(disabledReporter)
	if !ok || !reporter.IsPersistenceDisabled() {
		return
	}
	p.warnedOff = true
	p.logger.Error("replay history paused, live stream continues",
		"error", domain.ErrPersistenceDisabled,
	)
}

func (p *Pipeline) drainPressure() {
	stats := p.bridge.ConsumePressureStats()
	if stats == (lifecycle.PressureStats{}) {
		return
	}

	metrics.AddPressure(stats.BackpressureActivations, stats.DroppedUnseenEvents, stats.EvictedBackfillEvents)
	p.logger.Warn("lifecycle backpressure",
		"activations", stats.BackpressureActivations,
		"dropped_unseen_events", stats.DroppedUnseenEvents,
		"evicted_backfill_events", stats.EvictedBackfillEvents,
	)
}
