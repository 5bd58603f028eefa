// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"fmt"
	"sort"
	"strings"
)

type EntityKind string

const (
	EntityAgent    EntityKind = "agent"
	EntitySubagent EntityKind = "subagent"
)

type Run struct {
	RunID         string `json:"run_id"`
	ParentAgentID string `json:"parent_agent_id,omitempty"`
	ChildAgentID  string `json:"child_agent_id,omitempty"`
	Status        string `json:"status"`
	Label         string `json:"label,omitempty"`
	StartedAt     int64  `json:"started_at,omitempty"`
	EndedAt       int64  `json:"ended_at,omitempty"`
}

type Entity struct {
	ID       string     `json:"id"`
	Kind     EntityKind `json:"kind"`
	AgentID  string     `json:"agent_id"`
	RunID    string     `json:"run_id,omitempty"`
	Label    string     `json:"label,omitempty"`
	Status   string     `json:"status"`
	LastSeen int64      `json:"last_seen_at,omitempty"`
}

// Snapshot is a full point-in-time view of observed agent activity. Values
// handed to the pipeline are treated as immutable.
type Snapshot struct {
	GeneratedAt int64            `json:"generated_at"`
	Runs        []Run            `json:"runs"`
	Entities    []Entity         `json:"entities"`
	Events      []LifecycleEvent `json:"events"`
}

// RunIDs returns the distinct run ids referenced anywhere in the snapshot,
// sorted ascending.
func (s Snapshot) RunIDs() []string {
	ids := make([]string, 0, len(s.Runs))
	for _, run := range s.Runs {
		ids = append(ids, run.RunID)
	}
	for _, entity := range s.Entities {
		ids = append(ids, entity.RunID)
	}
	for _, ev := range s.Events {
		ids = append(ids, ev.RunID)
	}
	return SortedUnique(ids)
}

// AgentIDs returns the distinct agent ids referenced anywhere in the
// snapshot, sorted ascending.
func (s Snapshot) AgentIDs() []string {
	ids := make([]string, 0, len(s.Entities))
	for _, entity := range s.Entities {
		ids = append(ids, entity.AgentID)
	}
	for _, run := range s.Runs {
		ids = append(ids, run.ParentAgentID, run.ChildAgentID)
	}
	for _, ev := range s.Events {
		ids = append(ids, ev.SourceAgentID, ev.TargetAgentID)
	}
	return SortedUnique(ids)
}

// Validate checks the structural shape of a snapshot. It is applied to
// snapshots coming from sources and to payloads read back from disk.
func (s Snapshot) Validate() error {
	if s.GeneratedAt < 0 {
		return fmt.Errorf("%w: negative generated_at %d", ErrInvalidSnapshot, s.GeneratedAt)
	}
	for i, run := range s.Runs {
		if strings.TrimSpace(run.RunID) == "" {
			return fmt.Errorf("%w: run %d has empty run_id", ErrInvalidSnapshot, i)
		}
	}
	for i, entity := range s.Entities {
		if strings.TrimSpace(entity.ID) == "" {
			return fmt.Errorf("%w: entity %d has empty id", ErrInvalidSnapshot, i)
		}
	}
	for i, ev := range s.Events {
		if strings.TrimSpace(ev.ID) == "" {
			return fmt.Errorf("%w: event %d has empty id", ErrInvalidSnapshot, i)
		}
		if !ev.Type.Valid() {
			return fmt.Errorf("%w: event %s has unknown type %q", ErrInvalidSnapshot, ev.ID, ev.Type)
		}
		if ev.At < 0 {
			return fmt.Errorf("%w: event %s has negative at", ErrInvalidSnapshot, ev.ID)
		}
	}
	return nil
}

// SortedUnique returns the non-empty values of in, deduplicated and sorted.
func SortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
