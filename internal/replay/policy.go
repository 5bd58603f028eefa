// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"time"

	"github.com/adiadia/agent-office/internal/domain"
)

const (
	DefaultMinInterval   = 10 * time.Second
	DefaultMaxSnapshots  = 1500
	DefaultMaxTotalBytes = int64(256 << 20)
	DefaultMaxAge        = 72 * time.Hour
)

// Policy bounds how often snapshots are written and which ones survive.
// Every retained entry satisfies all limits at once.
type Policy struct {
	MinInterval   time.Duration
	MaxSnapshots  int
	MaxTotalBytes int64
	MaxAge        time.Duration
}

// PolicyView is the wire form of a Policy.
type PolicyView struct {
	MinIntervalMS int64 `json:"min_interval_ms"`
	MaxSnapshots  int   `json:"max_snapshots"`
	MaxTotalBytes int64 `json:"max_total_bytes"`
	MaxAgeMS      int64 `json:"max_age_ms"`
}

func DefaultPolicy() Policy {
	return Policy{
		MinInterval:   DefaultMinInterval,
		MaxSnapshots:  DefaultMaxSnapshots,
		MaxTotalBytes: DefaultMaxTotalBytes,
		MaxAge:        DefaultMaxAge,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MinInterval < 0 {
		p.MinInterval = 0
	}
	if p.MaxSnapshots <= 0 {
		p.MaxSnapshots = DefaultMaxSnapshots
	}
	if p.MaxTotalBytes <= 0 {
		p.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if p.MaxAge <= 0 {
		p.MaxAge = DefaultMaxAge
	}
	return p
}

func (p Policy) View() PolicyView {
	return PolicyView{
		MinIntervalMS: p.MinInterval.Milliseconds(),
		MaxSnapshots:  p.MaxSnapshots,
		MaxTotalBytes: p.MaxTotalBytes,
		MaxAgeMS:      p.MaxAge.Milliseconds(),
	}
}

// applyRetention splits entries (newest first) into kept and evicted.
// Age is measured from StoredAt. The byte budget only applies once an entry
// has been kept, so the newest snapshot is never evicted for size alone.
func applyRetention(entries []domain.SnapshotIndexEntry, p Policy, nowMS int64) (kept, evicted []domain.SnapshotIndexEntry) {
	kept = make([]domain.SnapshotIndexEntry, 0, len(entries))
	maxAgeMS := p.MaxAge.Milliseconds()

	var keptBytes int64
	for _, entry := range entries {
		switch {
		case nowMS-entry.StoredAt > maxAgeMS:
			evicted = append(evicted, entry)
		case len(kept) >= p.MaxSnapshots:
			evicted = append(evicted, entry)
		case len(kept) > 0 && keptBytes+entry.SizeBytes > p.MaxTotalBytes:
			evicted = append(evicted, entry)
		default:
			kept = append(kept, entry)
			keptBytes += entry.SizeBytes
		}
	}

	return kept, evicted
}
