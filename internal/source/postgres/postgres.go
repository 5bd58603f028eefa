// SPDX-License-Identifier: Apache-2.0

// Package postgres builds office snapshots from the agent runtime schema.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/agent-office/internal/domain"
	pgstore "github.com/adiadia/agent-office/internal/persistence/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RuntimeAgentID is the agent every run is spawned from.
const RuntimeAgentID = "runtime"

const (
	defaultWindow    = 24 * time.Hour
	defaultMaxRuns   = 200
	defaultMaxEvents = 2000
)

// Querier is the subset of pgxpool.Pool the source needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Options struct {
	// Window bounds how far back finished runs are included.
	Window    time.Duration
	MaxRuns   int
	MaxEvents int
	Logger    *slog.Logger
	Now       func() time.Time
}

type Source struct {
	db        Querier
	logger    *slog.Logger
	window    time.Duration
	maxRuns   int
	maxEvents int
	now       func() time.Time

	mu            sync.Mutex
	lastGenerated int64
}

func New(db Querier, opts Options) *Source {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Source{
		db:        db,
		logger:    logger,
		window:    opts.Window,
		maxRuns:   opts.MaxRuns,
		maxEvents: opts.MaxEvents,
		now:       now,
	}
	if s.window <= 0 {
		s.window = defaultWindow
	}
	if s.maxRuns <= 0 {
		s.maxRuns = defaultMaxRuns
	}
	if s.maxEvents <= 0 {
		s.maxEvents = defaultMaxEvents
	}
	return s
}

func (s *Source) Check(ctx context.Context) error {
	return pgstore.SchemaReady(ctx, s.db)
}

func (s *Source) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	now := s.now()

	runs, err := s.listRuns(ctx, now.Add(-s.window))
	if err != nil {
		return domain.Snapshot{}, err
	}

	runIDs := make([]string, 0, len(runs))
	for _, r := range runs {
		runIDs = append(runIDs, r.ID.String())
	}

	var (
		steps  []domain.StepRecord
		events []domain.EventRecord
	)
	if len(runIDs) > 0 {
		if steps, err = s.listSteps(ctx, runIDs); err != nil {
			return domain.Snapshot{}, err
		}
		if events, err = s.listEvents(ctx, runIDs); err != nil {
			return domain.Snapshot{}, err
		}
	}

	snap := BuildSnapshot(s.generatedAt(now), runs, steps, events)
	if err := snap.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

// generatedAt keeps GeneratedAt non-decreasing across wall clock steps.
func (s *Source) generatedAt(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := now.UnixMilli()
	if ms < s.lastGenerated {
		ms = s.lastGenerated
	}
	s.lastGenerated = ms
	return ms
}

func (s *Source) listRuns(ctx context.Context, since time.Time) ([]domain.RunRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, status, created_at, COALESCE(updated_at, created_at)
		FROM runs
		WHERE status IN ($1, $2, $3)
		   OR COALESCE(updated_at, created_at) >= $4
		ORDER BY created_at DESC
		LIMIT $5
	`,
		domain.RunPending,
		domain.RunRunning,
		domain.RunWaiting,
		since,
		s.maxRuns,
	)
	if err != nil {
		s.logger.Error("list runs query failed", "error", err)
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RunRecord, 0, 16)
	for rows.Next() {
		var r domain.RunRecord
		if err := rows.Scan(&r.ID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			s.logger.Error("scan run row failed", "error", err)
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("runs rows iteration failed", "error", err)
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *Source) listSteps(ctx context.Context, runIDs []string) ([]domain.StepRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, run_id, name, status, created_at, started_at, finished_at
		FROM steps
		WHERE run_id = ANY($1::uuid[])
		ORDER BY created_at ASC
	`, runIDs)
	if err != nil {
		s.logger.Error("list steps query failed", "runs", len(runIDs), "error", err)
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepRecord, 0, len(runIDs)*2)
	for rows.Next() {
		var st domain.StepRecord
		if err := rows.Scan(
			&st.ID,
			&st.RunID,
			&st.Name,
			&st.Status,
			&st.CreatedAt,
			&st.StartedAt,
			&st.FinishedAt,
		); err != nil {
			s.logger.Error("scan step row failed", "error", err)
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("steps rows iteration failed", "error", err)
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return out, nil
}

// listEvents returns the newest maxEvents events of the given runs in
// ascending seq order.
func (s *Source) listEvents(ctx context.Context, runIDs []string) ([]domain.EventRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, seq, run_id, type, payload, created_at
		FROM events
		WHERE run_id = ANY($1::uuid[])
		ORDER BY seq DESC
		LIMIT $2
	`, runIDs, s.maxEvents)
	if err != nil {
		s.logger.Error("list events query failed", "runs", len(runIDs), "error", err)
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.EventRecord, 0, 64)
	for rows.Next() {
		var ev domain.EventRecord
		if err := rows.Scan(
			&ev.ID,
			&ev.Seq,
			&ev.RunID,
			&ev.Type,
			&ev.Payload,
			&ev.CreatedAt,
		); err != nil {
			s.logger.Error("scan event row failed", "error", err)
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("events rows iteration failed", "error", err)
		return nil, fmt.Errorf("list events: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// RunAgentID is the agent id a run is rendered as.
func RunAgentID(runID uuid.UUID) string {
	return "run:" + runID.String()
}

// StepAgentID is the sub-agent id a step is rendered as.
func StepAgentID(stepID uuid.UUID) string {
	return "step:" + stepID.String()
}

// MapEventType translates a runtime event type onto the lifecycle enum. The
// second result is false for types that have no lifecycle meaning.
func MapEventType(t string) (domain.LifecycleType, bool) {
	t = strings.ToUpper(strings.TrimSpace(t))
	switch {
	case t == "RUN_CREATED":
		return domain.LifecycleSpawn, true
	case t == "STEP_CLAIMED", t == "RUN_APPROVED":
		return domain.LifecycleStart, true
	case t == "RUN_CANCELED":
		return domain.LifecycleCleanup, true
	case strings.HasSuffix(t, "_SUCCEEDED"):
		return domain.LifecycleEnd, true
	case strings.HasSuffix(t, "_FAILED"):
		return domain.LifecycleError, true
	default:
		return "", false
	}
}

type eventPayload struct {
	StepID string `json:"step_id"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// BuildSnapshot assembles a snapshot from runtime rows. It does no I/O.
func BuildSnapshot(generatedAt int64, runs []domain.RunRecord, steps []domain.StepRecord, events []domain.EventRecord) domain.Snapshot {
	snap := domain.Snapshot{
		GeneratedAt: generatedAt,
		Runs:        make([]domain.Run, 0, len(runs)),
		Entities:    make([]domain.Entity, 0, len(runs)+len(steps)+1),
		Events:      make([]domain.LifecycleEvent, 0, len(events)),
	}

	if len(runs) > 0 {
		snap.Entities = append(snap.Entities, domain.Entity{
			ID:       RuntimeAgentID,
			Kind:     domain.EntityAgent,
			AgentID:  RuntimeAgentID,
			Label:    "agent runtime",
			Status:   "active",
			LastSeen: generatedAt,
		})
	}

	for _, r := range runs {
		agentID := RunAgentID(r.ID)
		run := domain.Run{
			RunID:         r.ID.String(),
			ParentAgentID: RuntimeAgentID,
			ChildAgentID:  agentID,
			Status:        strings.ToLower(string(r.Status)),
			StartedAt:     r.CreatedAt.UnixMilli(),
		}
		if r.Status.Terminal() {
			run.EndedAt = r.UpdatedAt.UnixMilli()
		}
		snap.Runs = append(snap.Runs, run)
		snap.Entities = append(snap.Entities, domain.Entity{
			ID:       agentID,
			Kind:     domain.EntityAgent,
			AgentID:  agentID,
			RunID:    run.RunID,
			Label:    "run " + shortID(r.ID),
			Status:   run.Status,
			LastSeen: r.UpdatedAt.UnixMilli(),
		})
	}

	for _, st := range steps {
		lastSeen := st.CreatedAt
		if st.StartedAt != nil {
			lastSeen = *st.StartedAt
		}
		if st.FinishedAt != nil {
			lastSeen = *st.FinishedAt
		}
		snap.Entities = append(snap.Entities, domain.Entity{
			ID:       StepAgentID(st.ID),
			Kind:     domain.EntitySubagent,
			AgentID:  StepAgentID(st.ID),
			RunID:    st.RunID.String(),
			Label:    st.Name,
			Status:   strings.ToLower(string(st.Status)),
			LastSeen: lastSeen.UnixMilli(),
		})
	}

	for _, ev := range events {
		lt, ok := MapEventType(ev.Type)
		if !ok {
			continue
		}

		var payload eventPayload
		if len(ev.Payload) > 0 {
			_ = json.Unmarshal(ev.Payload, &payload)
		}

		source := RuntimeAgentID
		target := RunAgentID(ev.RunID)
		if strings.HasPrefix(strings.ToUpper(ev.Type), "STEP_") {
			source = target
			if id, err := uuid.Parse(payload.StepID); err == nil {
				target = StepAgentID(id)
			}
		}

		text := ev.Type
		if payload.Error != "" {
			text += ": " + payload.Error
		} else if payload.Reason != "" {
			text += ": " + payload.Reason
		}

		snap.Events = append(snap.Events, domain.LifecycleEvent{
			ID:            ev.ID.String(),
			Type:          lt,
			RunID:         ev.RunID.String(),
			At:            ev.CreatedAt.UnixMilli(),
			SourceAgentID: source,
			TargetAgentID: target,
			Text:          text,
		})
	}

	return snap
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
