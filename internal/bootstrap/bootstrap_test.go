// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adiadia/agent-office/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "office.json")
	if err := os.WriteFile(path, []byte(`{"generated_at": 12}`), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	src, err := OpenSource(context.Background(), config.Config{
		SnapshotSource: config.SourceFile,
		SnapshotFile:   path,
		SnapshotWatch:  true,
	}, discardLogger())
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	if src.Watch == nil {
		t.Fatal("expected file source to be watchable")
	}
	if err := src.Readiness.Check(context.Background()); err != nil {
		t.Fatalf("expected readiness, got %v", err)
	}
	snap, err := src.Snapshot(context.Background())
	if err != nil || snap.GeneratedAt != 12 {
		t.Fatalf("unexpected snapshot %+v err=%v", snap, err)
	}
}

func TestOpenFileSourceWithoutWatch(t *testing.T) {
	src, err := OpenSource(context.Background(), config.Config{
		SnapshotSource: config.SourceFile,
		SnapshotFile:   filepath.Join(t.TempDir(), "office.json"),
	}, discardLogger())
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	defer src.Close()

	if src.Watch != nil {
		t.Fatal("expected watch to be disabled")
	}
}

func TestOpenUnknownSource(t *testing.T) {
	if _, err := OpenSource(context.Background(), config.Config{SnapshotSource: "kafka"}, discardLogger()); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestReplayPolicyFromConfig(t *testing.T) {
	p := ReplayPolicy(config.Config{
		ReplayPersistInterval: 3 * time.Second,
		ReplayMaxSnapshots:    9,
		ReplayMaxTotalBytes:   1024,
		ReplayMaxAge:          time.Hour,
	})
	if p.MinInterval != 3*time.Second || p.MaxSnapshots != 9 || p.MaxTotalBytes != 1024 || p.MaxAge != time.Hour {
		t.Fatalf("unexpected policy %+v", p)
	}

	store := NewReplayStore(config.Config{ReplayDir: t.TempDir(), ReplayMaxSnapshots: 9}, discardLogger())
	if store.Policy().MaxSnapshots != 9 {
		t.Fatalf("expected store to carry policy, got %+v", store.Policy())
	}
}
