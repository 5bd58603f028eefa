// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Records below mirror the agent runtime tables read by the postgres
// snapshot source.

type RunStatus string

const (
	RunPending  RunStatus = "PENDING"
	RunRunning  RunStatus = "RUNNING"
	RunWaiting  RunStatus = "WAITING_APPROVAL"
	RunSuccess  RunStatus = "SUCCEEDED"
	RunFailed   RunStatus = "FAILED"
	RunCanceled RunStatus = "CANCELED"
)

// Terminal reports whether a run in status s can no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

type StepStatus string

const (
	StepPending  StepStatus = "PENDING"
	StepRunning  StepStatus = "RUNNING"
	StepWaiting  StepStatus = "WAITING_APPROVAL"
	StepSuccess  StepStatus = "SUCCEEDED"
	StepFailed   StepStatus = "FAILED"
	StepCanceled StepStatus = "CANCELED"
)

type RunRecord struct {
	ID        uuid.UUID
	Status    RunStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type StepRecord struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	Name       string
	Status     StepStatus
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type EventRecord struct {
	ID        uuid.UUID
	Seq       int64
	RunID     uuid.UUID
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}
