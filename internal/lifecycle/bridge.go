// SPDX-License-Identifier: Apache-2.0

// Package lifecycle turns successive full snapshots into an ordered,
// bounded stream of lifecycle frames with a small backfill buffer for
// resuming subscribers.
package lifecycle

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/adiadia/agent-office/internal/domain"
)

const (
	DefaultMaxQueue         = 500
	DefaultMaxSeen          = 5000
	DefaultMaxEmitPerIngest = 200
)

type Config struct {
	MaxQueue         int
	MaxSeen          int
	MaxEmitPerIngest int
}

// PressureStats counts bound enforcement since the last drain.
type PressureStats struct {
	BackpressureActivations int64 `json:"backpressure_activations"`
	DroppedUnseenEvents     int64 `json:"dropped_unseen_events"`
	EvictedBackfillEvents   int64 `json:"evicted_backfill_events"`
}

type Bridge struct {
	mu sync.RWMutex

	maxQueue         int
	maxSeen          int
	maxEmitPerIngest int

	seeded    bool
	seen      map[string]struct{}
	seenOrder []string
	queue     []domain.LifecycleFrame
	lastSeq   int64
	latest    *domain.Snapshot
	stats     PressureStats

	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	maxQueue := cfg.MaxQueue
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}

	maxSeen := cfg.MaxSeen
	if maxSeen <= 0 {
		maxSeen = DefaultMaxSeen
	}

	maxEmit := cfg.MaxEmitPerIngest
	if maxEmit <= 0 {
		maxEmit = DefaultMaxEmitPerIngest
	}

	return &Bridge{
		maxQueue:         maxQueue,
		maxSeen:          maxSeen,
		maxEmitPerIngest: maxEmit,
		seen:             make(map[string]struct{}, maxSeen),
		seenOrder:        make([]string, 0, maxSeen),
		queue:            make([]domain.LifecycleFrame, 0, maxQueue),
		logger:           logger,
	}
}

// IngestSnapshot records snap as the latest snapshot and returns the frames
// for events not seen before. The first call only seeds the seen registry
// and always returns an empty list.
func (b *Bridge) IngestSnapshot(snap domain.Snapshot) []domain.LifecycleFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	latest := snap
	b.latest = &latest

	if !b.seeded {
		for _, ev := range snap.Events {
			if _, ok := b.seen[ev.ID]; ok {
				continue
			}
			b.markSeen(ev.ID)
		}
		b.trimSeen()
		b.seeded = true

		b.logger.Debug("lifecycle bridge seeded",
			"generated_at", snap.GeneratedAt,
			"seen", len(b.seenOrder),
		)
		return []domain.LifecycleFrame{}
	}

	unseen := b.collectUnseen(snap.Events)

	var dropped int
	if len(unseen) > b.maxEmitPerIngest {
		dropped = len(unseen) - b.maxEmitPerIngest
		// Dropped events are retired as seen so the same burst is not
		// re-counted on the next refresh.
		for _, ev := range unseen[:dropped] {
			b.markSeen(ev.ID)
		}
		unseen = unseen[dropped:]
	}

	frames := make([]domain.LifecycleFrame, 0, len(unseen))
	for _, ev := range unseen {
		b.lastSeq++
		frame := domain.LifecycleFrame{Seq: b.lastSeq, Event: ev}
		b.markSeen(ev.ID)
		b.queue = append(b.queue, frame)
		frames = append(frames, frame)
	}

	var evicted int
	if over := len(b.queue) - b.maxQueue; over > 0 {
		evicted = over
		b.queue = append(b.queue[:0:0], b.queue[over:]...)
	}

	b.trimSeen()

	if dropped > 0 || evicted > 0 {
		b.stats.BackpressureActivations++
		b.stats.DroppedUnseenEvents += int64(dropped)
		b.stats.EvictedBackfillEvents += int64(evicted)

		b.logger.Debug("lifecycle backpressure",
			"generated_at", snap.GeneratedAt,
			"dropped_unseen", dropped,
			"evicted_backfill", evicted,
		)
	}

	return frames
}

// collectUnseen returns the events whose ids are not in the registry, in
// emission order: at ascending, then run id ascending.
func (b *Bridge) collectUnseen(events []domain.LifecycleEvent) []domain.LifecycleEvent {
	unseen := make([]domain.LifecycleEvent, 0, 8)
	batch := make(map[string]struct{}, 8)
	for _, ev := range events {
		if _, ok := b.seen[ev.ID]; ok {
			continue
		}
		if _, ok := batch[ev.ID]; ok {
			continue
		}
		batch[ev.ID] = struct{}{}
		unseen = append(unseen, ev)
	}

	sort.SliceStable(unseen, func(i, j int) bool {
		if unseen[i].At != unseen[j].At {
			return unseen[i].At < unseen[j].At
		}
		return unseen[i].RunID < unseen[j].RunID
	})

	return unseen
}

func (b *Bridge) markSeen(id string) {
	b.seen[id] = struct{}{}
	b.seenOrder = append(b.seenOrder, id)
}

// trimSeen evicts the oldest-inserted ids beyond maxSeen. An evicted id that
// shows up again later is treated as new.
func (b *Bridge) trimSeen() {
	over := len(b.seenOrder) - b.maxSeen
	if over <= 0 {
		return
	}
	for _, id := range b.seenOrder[:over] {
		delete(b.seen, id)
	}
	b.seenOrder = append(b.seenOrder[:0:0], b.seenOrder[over:]...)
}

// Backfill returns the retained frames with Seq > cursor, oldest first.
func (b *Bridge) Backfill(cursor int64) []domain.LifecycleFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.queue) == 0 || cursor >= b.queue[len(b.queue)-1].Seq {
		return []domain.LifecycleFrame{}
	}

	start := sort.Search(len(b.queue), func(i int) bool {
		return b.queue[i].Seq > cursor
	})

	out := make([]domain.LifecycleFrame, len(b.queue)-start)
	copy(out, b.queue[start:])
	return out
}

// LatestSnapshot returns the snapshot passed to the most recent
// IngestSnapshot call.
func (b *Bridge) LatestSnapshot() (domain.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.latest == nil {
		return domain.Snapshot{}, false
	}
	return *b.latest, true
}

// LastSeq returns the newest sequence number issued, or 0 before any frame.
func (b *Bridge) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}

// ConsumePressureStats returns the counters accumulated since the previous
// call and resets them.
func (b *Bridge) ConsumePressureStats() PressureStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.stats
	b.stats = PressureStats{}
	return out
}
