// SPDX-License-Identifier: Apache-2.0

package domain

type LifecycleType string

const (
	LifecycleSpawn   LifecycleType = "spawn"
	LifecycleStart   LifecycleType = "start"
	LifecycleEnd     LifecycleType = "end"
	LifecycleError   LifecycleType = "error"
	LifecycleCleanup LifecycleType = "cleanup"
)

// Valid reports whether t is one of the known lifecycle types.
func (t LifecycleType) Valid() bool {
	switch t {
	case LifecycleSpawn, LifecycleStart, LifecycleEnd, LifecycleError, LifecycleCleanup:
		return true
	default:
		return false
	}
}

// LifecycleEvent is a discrete state transition tied to a run and a pair of
// agents. ID is assigned by the producer and stays stable while the event is
// present in snapshots.
type LifecycleEvent struct {
	ID            string        `json:"id"`
	Type          LifecycleType `json:"type"`
	RunID         string        `json:"run_id"`
	At            int64         `json:"at"`
	SourceAgentID string        `json:"source_agent_id"`
	TargetAgentID string        `json:"target_agent_id"`
	Text          string        `json:"text"`
}

// LifecycleFrame wraps an event with its stream cursor. A subscriber holding
// cursor c is owed every frame with Seq > c.
type LifecycleFrame struct {
	Seq   int64          `json:"seq"`
	Event LifecycleEvent `json:"event"`
}
