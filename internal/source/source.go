// SPDX-License-Identifier: Apache-2.0

// Package source defines where full office snapshots come from.
package source

import (
	"context"

	"github.com/adiadia/agent-office/internal/domain"
)

// Source produces a complete snapshot of current agent activity. Successive
// snapshots must have non-decreasing GeneratedAt.
type Source interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
}

// ReadinessChecker is implemented by sources that can report whether their
// backing store is usable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// Func adapts a plain function to Source.
type Func func(ctx context.Context) (domain.Snapshot, error)

func (f Func) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	return f(ctx)
}
