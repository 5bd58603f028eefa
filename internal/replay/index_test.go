// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/adiadia/agent-office/internal/domain"
)

func TestNormalizeEntries(t *testing.T) {
	in := []domain.SnapshotIndexEntry{
		{SnapshotID: "old", GeneratedAt: 1, StoredAt: 5, FileName: "old" + payloadSuffix, RunIDs: []string{"b", "a", "b"}},
		{SnapshotID: "", GeneratedAt: 9, FileName: "blank" + payloadSuffix},
		{SnapshotID: "escape", GeneratedAt: 9, FileName: "../escape" + payloadSuffix},
		{SnapshotID: "index", GeneratedAt: 9, FileName: indexFileName},
		{SnapshotID: "wrong-ext", GeneratedAt: 9, FileName: "wrong.txt"},
		{SnapshotID: "negative", GeneratedAt: 9, FileName: "negative" + payloadSuffix, SizeBytes: -1},
		{SnapshotID: "new-a", GeneratedAt: 7, StoredAt: 10, FileName: "new-a" + payloadSuffix, EventCount: -4},
		{SnapshotID: "new-b", GeneratedAt: 7, StoredAt: 20, FileName: "new-b" + payloadSuffix},
		{SnapshotID: "old", GeneratedAt: 1, StoredAt: 6, FileName: "dup" + payloadSuffix},
	}

	out := normalizeEntries(in)

	if got := ids(out); !equalStrings(got, []string{"new-b", "new-a", "old"}) {
		t.Fatalf("unexpected normalized ids %v", got)
	}
	if !reflect.DeepEqual(out[2].RunIDs, []string{"a", "b"}) {
		t.Fatalf("expected sorted unique run ids, got %v", out[2].RunIDs)
	}
	if out[1].EventCount != 0 {
		t.Fatalf("expected negative event count to clamp to 0, got %d", out[1].EventCount)
	}
}

func TestReadIndexMissingFile(t *testing.T) {
	entries, dropped, err := readIndex(t.TempDir())
	if err != nil {
		t.Fatalf("expected missing index to be empty history, got %v", err)
	}
	if len(entries) != 0 || dropped != 0 {
		t.Fatalf("expected empty index, got %d entries %d dropped", len(entries), dropped)
	}
}

func TestReadIndexSkipsMalformedEntries(t *testing.T) {
	dir := t.TempDir()
	raw := `{"version":1,"entries":[
		{"snapshot_id":"good","generated_at":5,"stored_at":6,"file_name":"good.json.zst","size_bytes":10},
		{"snapshot_id":42},
		"not an object",
		{"snapshot_id":"bad","file_name":"/etc/passwd"}
	]}`
	if err := os.WriteFile(filepath.Join(dir, indexFileName), []byte(raw), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	entries, dropped, err := readIndex(dir)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(entries) != 1 || entries[0].SnapshotID != "good" {
		t.Fatalf("expected only the well-formed entry, got %+v", entries)
	}
	if dropped != 3 {
		t.Fatalf("expected 3 dropped entries got %d", dropped)
	}
}

func TestReadIndexRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, indexFileName), []byte(`{"version":99,"entries":[]}`), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	if _, _, err := readIndex(dir); err == nil {
		t.Fatal("expected error for unsupported index version")
	}
}

func TestWriteIndexLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	entries := []domain.SnapshotIndexEntry{
		{SnapshotID: "a", GeneratedAt: 1, StoredAt: 1, FileName: "a" + payloadSuffix, SizeBytes: 3},
	}

	if err := writeIndex(dir, entries, 99); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := writeIndex(dir, nil, 100); err != nil {
		t.Fatalf("rewrite index: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, indexTempGlob))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no temp files left behind, found %v", matches)
	}

	got, _, err := readIndex(dir)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected rewritten empty index, got %d entries", len(got))
	}
}
