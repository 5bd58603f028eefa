// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adiadia/agent-office/internal/domain"
)

const (
	DefaultQueryLimit = 120
	MaxQueryLimit     = 500
)

// IndexQuery filters index entries. All set fields must match.
type IndexQuery struct {
	RunID   string
	AgentID string
	From    *int64
	To      *int64
	Limit   int
}

type IndexPage struct {
	Entries      []domain.SnapshotIndexEntry `json:"entries"`
	TotalEntries int                         `json:"total_entries"`
	TotalBytes   int64                       `json:"total_bytes"`
	Policy       PolicyView                  `json:"policy"`
	GeneratedAt  int64                       `json:"generated_at"`
}

type Record struct {
	Entry    domain.SnapshotIndexEntry `json:"entry"`
	Snapshot domain.Snapshot           `json:"snapshot"`
}

func clampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultQueryLimit
	case limit < 1:
		return 1
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return limit
	}
}

func (q IndexQuery) matches(entry domain.SnapshotIndexEntry) bool {
	if q.RunID != "" && !entry.HasRun(q.RunID) {
		return false
	}
	if q.AgentID != "" && !entry.HasAgent(q.AgentID) {
		return false
	}
	if q.From != nil && entry.GeneratedAt < *q.From {
		return false
	}
	if q.To != nil && entry.GeneratedAt > *q.To {
		return false
	}
	return true
}

// QueryIndex returns the newest entries matching q. TotalEntries and
// TotalBytes describe the whole index, not the filtered page.
func (s *Store) QueryIndex(ctx context.Context, q IndexQuery) (IndexPage, error) {
	s.ensureLoaded()
	if err := ctx.Err(); err != nil {
		return IndexPage{}, err
	}

	q.RunID = strings.TrimSpace(q.RunID)
	q.AgentID = strings.TrimSpace(q.AgentID)
	limit := clampLimit(q.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SnapshotIndexEntry, 0, min(limit, len(s.entries)))
	for _, entry := range s.entries {
		if !q.matches(entry) {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}

	return IndexPage{
		Entries:      out,
		TotalEntries: len(s.entries),
		TotalBytes:   s.totalBytes,
		Policy:       s.policy.View(),
		GeneratedAt:  s.now().UnixMilli(),
	}, nil
}

// ReadSnapshotByID loads and decodes the snapshot stored under id.
func (s *Store) ReadSnapshotByID(ctx context.Context, id string) (Record, error) {
	s.ensureLoaded()

	id = strings.TrimSpace(id)
	entry, ok := s.lookup(func(entries []domain.SnapshotIndexEntry) (domain.SnapshotIndexEntry, bool) {
		for _, e := range entries {
			if e.SnapshotID == id {
				return e, true
			}
		}
		return domain.SnapshotIndexEntry{}, false
	})
	if !ok {
		return Record{}, domain.ErrSnapshotNotFound
	}

	return s.readRecord(ctx, entry)
}

// ReadSnapshotAt returns the newest snapshot generated at or before ts. When
// ts predates all retained history the oldest retained snapshot is returned.
func (s *Store) ReadSnapshotAt(ctx context.Context, ts int64) (Record, error) {
	s.ensureLoaded()

	entry, ok := s.lookup(func(entries []domain.SnapshotIndexEntry) (domain.SnapshotIndexEntry, bool) {
		if len(entries) == 0 {
			return domain.SnapshotIndexEntry{}, false
		}
		for _, e := range entries {
			if e.GeneratedAt <= ts {
				return e, true
			}
		}
		return entries[len(entries)-1], true
	})
	if !ok {
		return Record{}, domain.ErrSnapshotNotFound
	}

	return s.readRecord(ctx, entry)
}

func (s *Store) lookup(find func([]domain.SnapshotIndexEntry) (domain.SnapshotIndexEntry, bool)) (domain.SnapshotIndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return find(s.entries)
}

func (s *Store) indexed(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.SnapshotID == id {
			return true
		}
	}
	return false
}

func (s *Store) readRecord(ctx context.Context, entry domain.SnapshotIndexEntry) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	payload, err := os.ReadFile(filepath.Join(s.dir, entry.FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Retention may have evicted the entry after it was looked up.
			if !s.indexed(entry.SnapshotID) {
				return Record{}, domain.ErrSnapshotNotFound
			}
			return Record{}, fmt.Errorf("%w: payload %s missing", domain.ErrCorruptSnapshot, entry.FileName)
		}
		return Record{}, fmt.Errorf("read snapshot %s: %w", entry.SnapshotID, err)
	}

	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	snap, err := decodeSnapshot(payload)
	if err != nil {
		s.logger.Error("replay payload corrupt",
			"snapshot_id", entry.SnapshotID,
			"file", entry.FileName,
			"error", err,
		)
		return Record{}, fmt.Errorf("read snapshot %s: %w", entry.SnapshotID, err)
	}

	return Record{Entry: entry, Snapshot: snap}, nil
}
