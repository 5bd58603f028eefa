// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adiadia/agent-office/internal/domain"
)

const (
	indexFileName  = "index.json"
	indexVersion   = 1
	payloadSuffix  = ".json.zst"
	indexTempGlob  = "index-*.tmp"
	payloadDirPerm = 0o755
)

type indexFile struct {
	Version   int                         `json:"version"`
	UpdatedAt int64                       `json:"updated_at"`
	Entries   []domain.SnapshotIndexEntry `json:"entries"`
}

// rawIndexFile defers entry decoding so one malformed record does not
// discard the rest of the index.
type rawIndexFile struct {
	Version int               `json:"version"`
	Entries []json.RawMessage `json:"entries"`
}

// readIndex loads the index file from dir. A missing file yields an empty
// index and no error.
func readIndex(dir string) ([]domain.SnapshotIndexEntry, int, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read index: %w", err)
	}

	var raw rawIndexFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("parse index: %w", err)
	}
	if raw.Version != indexVersion {
		return nil, 0, fmt.Errorf("parse index: unsupported version %d", raw.Version)
	}

	entries := make([]domain.SnapshotIndexEntry, 0, len(raw.Entries))
	dropped := 0
	for _, item := range raw.Entries {
		var entry domain.SnapshotIndexEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			dropped++
			continue
		}
		entries = append(entries, entry)
	}

	normalized := normalizeEntries(entries)
	dropped += len(entries) - len(normalized)
	return normalized, dropped, nil
}

// normalizeEntries drops records that cannot describe a payload file,
// canonicalizes id sets and counts, and restores index order.
func normalizeEntries(in []domain.SnapshotIndexEntry) []domain.SnapshotIndexEntry {
	out := make([]domain.SnapshotIndexEntry, 0, len(in))
	seen := make(map[string]struct{}, len(in))

	for _, entry := range in {
		entry.SnapshotID = strings.TrimSpace(entry.SnapshotID)
		if entry.SnapshotID == "" || !safeFileName(entry.FileName) || entry.SizeBytes < 0 {
			continue
		}
		if _, dup := seen[entry.SnapshotID]; dup {
			continue
		}
		seen[entry.SnapshotID] = struct{}{}

		entry.RunIDs = domain.SortedUnique(entry.RunIDs)
		entry.AgentIDs = domain.SortedUnique(entry.AgentIDs)
		if entry.EntityCount < 0 {
			entry.EntityCount = 0
		}
		if entry.EventCount < 0 {
			entry.EventCount = 0
		}
		out = append(out, entry)
	}

	sortEntries(out)
	return out
}

func sortEntries(entries []domain.SnapshotIndexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].GeneratedAt != entries[j].GeneratedAt {
			return entries[i].GeneratedAt > entries[j].GeneratedAt
		}
		return entries[i].StoredAt > entries[j].StoredAt
	})
}

func safeFileName(name string) bool {
	if name == "" || name == indexFileName || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return false
	}
	return strings.HasSuffix(name, payloadSuffix)
}

// writeIndex atomically replaces the index file: the new content is written
// to a temp file in the same directory, synced, then renamed over the old.
func writeIndex(dir string, entries []domain.SnapshotIndexEntry, nowMS int64) error {
	if entries == nil {
		entries = []domain.SnapshotIndexEntry{}
	}

	data, err := json.Marshal(indexFile{
		Version:   indexVersion,
		UpdatedAt: nowMS,
		Entries:   entries,
	})
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, indexTempGlob)
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write index data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp index file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp index file: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, indexFileName)); err != nil {
		return fmt.Errorf("rename index file: %w", err)
	}

	success = true
	return nil
}

// writePayload writes a snapshot payload to a new file. The file is created
// exclusively so a colliding id can never overwrite an indexed payload.
func writePayload(dir, fileName string, payload []byte) error {
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create payload file: %w", err)
	}

	if _, err := f.Write(payload); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write payload file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("sync payload file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close payload file: %w", err)
	}
	return nil
}
