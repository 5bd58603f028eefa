// SPDX-License-Identifier: Apache-2.0

// Package replay keeps a durable, retention-bounded history of snapshots on
// the local filesystem and answers point-in-time queries over it.
//
// Layout: one zstd-compressed JSON payload per retained snapshot plus a
// single index.json that lists every retained entry. The index is the only
// source of truth for what is queryable and is always replaced atomically.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adiadia/agent-office/internal/domain"
	"github.com/adiadia/agent-office/internal/metrics"
	"github.com/google/uuid"
)

// ReasonInterval is reported when a persist attempt is skipped by the
// interval throttle. Disabled stores report the same reason; callers that
// need to tell them apart use IsPersistenceDisabled.
const ReasonInterval = "interval"

// ReasonEvicted is reported when the new entry did not survive retention,
// which only happens when it is older than everything already retained.
const ReasonEvicted = "evicted"

type Options struct {
	Dir    string
	Policy Policy
	Logger *slog.Logger
	// Now overrides the wall clock, mainly for tests.
	Now func() time.Time
}

type PersistResult struct {
	Stored bool                       `json:"stored"`
	Reason string                     `json:"reason,omitempty"`
	Entry  *domain.SnapshotIndexEntry `json:"entry,omitempty"`
}

type StoreMetrics struct {
	PersistedSnapshots  int64      `json:"persisted_snapshots"`
	SkippedInterval     int64      `json:"skipped_interval"`
	EvictedSnapshots    int64      `json:"evicted_snapshots"`
	WriteFailures       int64      `json:"write_failures"`
	DroppedIndexEntries int        `json:"dropped_index_entries"`
	LastStoredAt        int64      `json:"last_stored_at"`
	RetainedEntries     int        `json:"retained_entries"`
	RetainedBytes       int64      `json:"retained_bytes"`
	PersistenceDisabled bool       `json:"persistence_disabled"`
	Policy              PolicyView `json:"policy"`
}

type Store struct {
	dir    string
	policy Policy
	logger *slog.Logger
	now    func() time.Time

	loadOnce sync.Once

	// writeMu serializes every mutation of the on-disk state.
	writeMu sync.Mutex

	throttleMu    sync.Mutex
	lastAttemptAt time.Time

	mu         sync.RWMutex
	entries    []domain.SnapshotIndexEntry
	totalBytes int64
	stats      StoreMetrics

	disabled atomic.Bool
}

func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = "replay"
	}

	return &Store{
		dir:    filepath.Clean(dir),
		policy: opts.Policy.withDefaults(),
		logger: logger,
		now:    now,
	}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Policy() Policy {
	return s.policy
}

// ensureLoaded reads the index file once. A missing or unreadable index is
// treated as empty history.
func (s *Store) ensureLoaded() {
	s.loadOnce.Do(func() {
		entries, dropped, err := readIndex(s.dir)
		if err != nil {
			s.logger.Warn("replay index unreadable, starting with empty history",
				"dir", s.dir,
				"error", err,
			)
			entries = nil
		}
		if dropped > 0 {
			s.logger.Warn("replay index entries dropped during load",
				"dir", s.dir,
				"dropped", dropped,
			)
		}

		s.mu.Lock()
		s.entries = entries
		s.totalBytes = sumBytes(entries)
		s.stats.DroppedIndexEntries = dropped
		s.mu.Unlock()

		metrics.SetRetained(len(entries), sumBytes(entries))
		s.logger.Info("replay index loaded",
			"dir", s.dir,
			"entries", len(entries),
		)
	})
}

// PersistSnapshot writes snap to durable storage when the interval throttle
// allows it, then applies retention and atomically rewrites the index.
func (s *Store) PersistSnapshot(ctx context.Context, snap domain.Snapshot) (PersistResult, error) {
	s.ensureLoaded()

	if s.disabled.Load() {
		metrics.IncPersist(metrics.PersistDisabled)
		return PersistResult{Stored: false, Reason: ReasonInterval}, nil
	}

	now := s.now()
	if !s.claimAttempt(now) {
		s.mu.Lock()
		s.stats.SkippedInterval++
		s.mu.Unlock()
		metrics.IncPersist(metrics.PersistInterval)
		return PersistResult{Stored: false, Reason: ReasonInterval}, nil
	}

	if err := ctx.Err(); err != nil {
		return PersistResult{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.disabled.Load() {
		metrics.IncPersist(metrics.PersistDisabled)
		return PersistResult{Stored: false, Reason: ReasonInterval}, nil
	}

	result, err := s.persistLocked(snap, now)
	if err != nil {
		if isPermanentStorageError(err) {
			s.disable(err)
			metrics.IncPersist(metrics.PersistDisabled)
			return PersistResult{Stored: false, Reason: ReasonInterval}, nil
		}

		s.mu.Lock()
		s.stats.WriteFailures++
		s.mu.Unlock()
		metrics.IncPersist(metrics.PersistError)
		return PersistResult{}, err
	}

	return result, nil
}

// claimAttempt applies the interval throttle and records now as the latest
// attempt before any work starts, so a slow write cannot let a second
// attempt through.
func (s *Store) claimAttempt(now time.Time) bool {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()

	if !s.lastAttemptAt.IsZero() && now.Sub(s.lastAttemptAt) < s.policy.MinInterval {
		return false
	}
	s.lastAttemptAt = now
	return true
}

func (s *Store) persistLocked(snap domain.Snapshot, now time.Time) (PersistResult, error) {
	payload, err := encodeSnapshot(snap)
	if err != nil {
		return PersistResult{}, err
	}

	nowMS := now.UnixMilli()
	snapshotID := newSnapshotID(snap.GeneratedAt, nowMS)
	fileName := snapshotID + payloadSuffix

	if err := os.MkdirAll(s.dir, payloadDirPerm); err != nil {
		return PersistResult{}, fmt.Errorf("create replay dir %s: %w", s.dir, err)
	}

	if err := writePayload(s.dir, fileName, payload); err != nil {
		return PersistResult{}, err
	}

	entry := domain.SnapshotIndexEntry{
		SnapshotID:  snapshotID,
		GeneratedAt: snap.GeneratedAt,
		StoredAt:    nowMS,
		FileName:    fileName,
		SizeBytes:   int64(len(payload)),
		RunIDs:      snap.RunIDs(),
		AgentIDs:    snap.AgentIDs(),
		EntityCount: len(snap.Entities),
		EventCount:  len(snap.Events),
	}

	// Only mutations touch s.entries and they all hold writeMu, so reading
	// it here without s.mu is safe.
	candidate := make([]domain.SnapshotIndexEntry, 0, len(s.entries)+1)
	candidate = append(candidate, entry)
	candidate = append(candidate, s.entries...)
	sortEntries(candidate)

	kept, evicted := applyRetention(candidate, s.policy, nowMS)

	if err := writeIndex(s.dir, kept, nowMS); err != nil {
		s.removeFile(fileName)
		return PersistResult{}, err
	}

	keptBytes := sumBytes(kept)

	s.mu.Lock()
	s.entries = kept
	s.totalBytes = keptBytes
	s.stats.PersistedSnapshots++
	s.stats.EvictedSnapshots += int64(len(evicted))
	s.stats.LastStoredAt = nowMS
	s.mu.Unlock()

	// The new index no longer references evicted payloads, so removing them
	// now can only leave stray files behind, never dangling entries.
	newEntryKept := true
	for _, ev := range evicted {
		if ev.SnapshotID == entry.SnapshotID {
			newEntryKept = false
		}
		s.removeFile(ev.FileName)
	}

	metrics.IncPersist(metrics.PersistStored)
	metrics.AddEvictedSnapshots(len(evicted))
	metrics.SetRetained(len(kept), keptBytes)

	s.logger.Debug("snapshot persisted",
		"snapshot_id", entry.SnapshotID,
		"generated_at", entry.GeneratedAt,
		"size_bytes", entry.SizeBytes,
		"evicted", len(evicted),
		"retained", len(kept),
	)

	if !newEntryKept {
		return PersistResult{Stored: false, Reason: ReasonEvicted}, nil
	}
	return PersistResult{Stored: true, Entry: &entry}, nil
}

// removeFile deletes a payload best-effort; a leaked file only costs disk.
func (s *Store) removeFile(fileName string) {
	if err := os.Remove(filepath.Join(s.dir, fileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("replay payload cleanup failed",
			"file", fileName,
			"error", err,
		)
	}
}

func (s *Store) disable(err error) {
	if !s.disabled.CompareAndSwap(false, true) {
		return
	}
	metrics.SetPersistenceDisabled(true)
	s.logger.Error("replay persistence disabled: storage is not writable",
		"dir", s.dir,
		"error", err,
	)
}

// IsPersistenceDisabled reports whether a permanent storage failure has
// turned persistence off for the life of this store.
func (s *Store) IsPersistenceDisabled() bool {
	return s.disabled.Load()
}

func (s *Store) Metrics() StoreMetrics {
	s.ensureLoaded()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.stats
	out.RetainedEntries = len(s.entries)
	out.RetainedBytes = s.totalBytes
	out.PersistenceDisabled = s.disabled.Load()
	out.Policy = s.policy.View()
	return out
}

func isPermanentStorageError(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EROFS)
}

func newSnapshotID(generatedAt, storedAtMS int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%d-%s", generatedAt, storedAtMS, suffix)
}

func sumBytes(entries []domain.SnapshotIndexEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	return total
}
