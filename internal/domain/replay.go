// SPDX-License-Identifier: Apache-2.0

package domain

import "sort"

// SnapshotIndexEntry summarizes one persisted snapshot. Index entries are
// kept ordered by GeneratedAt desc, StoredAt desc.
type SnapshotIndexEntry struct {
	SnapshotID  string   `json:"snapshot_id"`
	GeneratedAt int64    `json:"generated_at"`
	StoredAt    int64    `json:"stored_at"`
	FileName    string   `json:"file_name"`
	SizeBytes   int64    `json:"size_bytes"`
	RunIDs      []string `json:"run_ids"`
	AgentIDs    []string `json:"agent_ids"`
	EntityCount int      `json:"entity_count"`
	EventCount  int      `json:"event_count"`
}

// HasRun reports whether the entry's run set contains runID.
func (e SnapshotIndexEntry) HasRun(runID string) bool {
	return containsSorted(e.RunIDs, runID)
}

// HasAgent reports whether the entry's agent set contains agentID.
func (e SnapshotIndexEntry) HasAgent(agentID string) bool {
	return containsSorted(e.AgentIDs, agentID)
}

func containsSorted(values []string, want string) bool {
	i := sort.SearchStrings(values, want)
	return i < len(values) && values[i] == want
}
