// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/agent-office/internal/domain"
	"github.com/adiadia/agent-office/internal/replay"
)

type LifecycleStream interface {
	Backfill(cursor int64) []domain.LifecycleFrame
	LatestSnapshot() (domain.Snapshot, bool)
	LastSeq() int64
}

type ReplayReader interface {
	QueryIndex(ctx context.Context, q replay.IndexQuery) (replay.IndexPage, error)
	ReadSnapshotByID(ctx context.Context, id string) (replay.Record, error)
	ReadSnapshotAt(ctx context.Context, ts int64) (replay.Record, error)
	Metrics() replay.StoreMetrics
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
