// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/agent-office/internal/domain"
	"github.com/adiadia/agent-office/internal/lifecycle"
	"github.com/adiadia/agent-office/internal/replay"
	"github.com/adiadia/agent-office/internal/source"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scriptedSource struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
	errs  []error
	calls int
}

func (s *scriptedSource) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return domain.Snapshot{}, s.errs[i]
	}
	if i >= len(s.snaps) {
		return s.snaps[len(s.snaps)-1], nil
	}
	return s.snaps[i], nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingStore struct {
	mu        sync.Mutex
	persisted []int64
	err       error
}

func (r *recordingStore) PersistSnapshot(ctx context.Context, snap domain.Snapshot) (replay.PersistResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return replay.PersistResult{}, r.err
	}
	r.persisted = append(r.persisted, snap.GeneratedAt)
	return replay.PersistResult{Stored: true}, nil
}

type recordingSink struct {
	batches [][]domain.LifecycleFrame
}

func (r *recordingSink) Enqueue(frames []domain.LifecycleFrame) bool {
	r.batches = append(r.batches, frames)
	return true
}

func snapshotWith(generatedAt int64, ids ...string) domain.Snapshot {
	events := make([]domain.LifecycleEvent, 0, len(ids))
	for i, id := range ids {
		events = append(events, domain.LifecycleEvent{
			ID:    id,
			Type:  domain.LifecycleStart,
			RunID: "run-1",
			At:    int64(100 + i),
		})
	}
	return domain.Snapshot{GeneratedAt: generatedAt, Events: events}
}

func TestRefreshOnceSeedsThenForwardsFrames(t *testing.T) {
	src := &scriptedSource{snaps: []domain.Snapshot{
		snapshotWith(1, "a"),
		snapshotWith(2, "a", "b", "c"),
	}}
	bridge := lifecycle.New(lifecycle.Config{}, discardLogger())
	store := &recordingStore{}
	sink := &recordingSink{}

	p := New(Deps{Source: src, Bridge: bridge, Store: store, Sink: sink, Logger: discardLogger()})

	if p.Refreshed() {
		t.Fatal("expected pipeline to start unrefreshed")
	}
	if err := p.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if !p.Refreshed() {
		t.Fatal("expected pipeline to be refreshed")
	}
	if len(sink.batches) != 0 {
		t.Fatalf("expected seeding refresh to emit nothing, got %d batches", len(sink.batches))
	}

	if err := p.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Fatalf("expected one batch of two frames, got %+v", sink.batches)
	}
	if sink.batches[0][0].Event.ID != "b" || sink.batches[0][1].Event.ID != "c" {
		t.Fatalf("unexpected frames %+v", sink.batches[0])
	}

	if len(store.persisted) != 2 || store.persisted[0] != 1 || store.persisted[1] != 2 {
		t.Fatalf("expected both snapshots persisted, got %v", store.persisted)
	}
}

func TestRefreshOnceSkipsPersistForUnchangedSnapshot(t *testing.T) {
	src := &scriptedSource{snaps: []domain.Snapshot{snapshotWith(5, "a")}}
	store := &recordingStore{}
	p := New(Deps{
		Source: src,
		Bridge: lifecycle.New(lifecycle.Config{}, discardLogger()),
		Store:  store,
		Logger: discardLogger(),
	})

	for i := 0; i < 3; i++ {
		if err := p.RefreshOnce(context.Background()); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	if len(store.persisted) != 1 {
		t.Fatalf("expected a single persist, got %v", store.persisted)
	}
}

func TestRefreshOnceSourceError(t *testing.T) {
	boom := errors.New("source unavailable")
	src := &scriptedSource{
		snaps: []domain.Snapshot{snapshotWith(1)},
		errs:  []error{boom},
	}
	p := New(Deps{Source: src, Bridge: lifecycle.New(lifecycle.Config{}, discardLogger()), Logger: discardLogger()})

	if err := p.RefreshOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if p.Refreshed() {
		t.Fatal("expected failed refresh to leave pipeline unrefreshed")
	}
	if err := p.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func TestRefreshOncePersistErrorIsNotFatal(t *testing.T) {
	src := &scriptedSource{snaps: []domain.Snapshot{snapshotWith(1, "a")}}
	p := New(Deps{
		Source: src,
		Bridge: lifecycle.New(lifecycle.Config{}, discardLogger()),
		Store:  &recordingStore{err: errors.New("disk full")},
		Logger: discardLogger(),
	})

	if err := p.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("expected persist failure to be swallowed, got %v", err)
	}
}

func TestRunRefreshesOnTrigger(t *testing.T) {
	src := &scriptedSource{snaps: []domain.Snapshot{snapshotWith(1)}}
	p := New(Deps{
		Source:   source.Source(src),
		Bridge:   lifecycle.New(lifecycle.Config{}, discardLogger()),
		Interval: time.Hour,
		Logger:   discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return src.Calls() >= 1 })
	p.Trigger()
	waitFor(t, func() bool { return src.Calls() >= 2 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected run loop to stop")
	}
}

func TestTriggerCoalesces(t *testing.T) {
	p := New(Deps{Logger: discardLogger()})
	p.Trigger()
	p.Trigger()
	p.Trigger()
	if len(p.trigger) != 1 {
		t.Fatalf("expected a single pending trigger, got %d", len(p.trigger))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type disabledStore struct {
	recordingStore
}

func (d *disabledStore) IsPersistenceDisabled() bool { return true }

func TestRefreshOnceReportsDisabledStoreOnce(t *testing.T) {
	src := &scriptedSource{snaps: []domain.Snapshot{snapshotWith(1), snapshotWith(2)}}
	p := New(Deps{
		Source: src,
		Bridge: lifecycle.New(lifecycle.Config{}, discardLogger()),
		Store:  &disabledStore{},
		Logger: discardLogger(),
	})

	for i := 0; i < 2; i++ {
		if err := p.RefreshOnce(context.Background()); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	if !p.warnedOff {
		t.Fatal("expected disabled store to be reported")
	}
}
