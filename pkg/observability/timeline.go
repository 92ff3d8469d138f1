package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TimelineEntryType categorizes match timeline events.
type TimelineEntryType string

const (
	EntryMoveApplied   TimelineEntryType = "MOVE_APPLIED"
	EntryMoveConfirmed TimelineEntryType = "MOVE_CONFIRMED"
	EntryRollback      TimelineEntryType = "ROLLBACK"
	EntryReconcile     TimelineEntryType = "RECONCILE"
	EntryConflict      TimelineEntryType = "CONFLICT"
	EntryCheckpoint    TimelineEntryType = "CHECKPOINT"
	EntryAnchor        TimelineEntryType = "ANCHOR"
	EntryPhaseChange   TimelineEntryType = "PHASE_CHANGE"
	EntryVerification  TimelineEntryType = "VERIFICATION"
)

// TimelineEntry is one auditable event in a match's history. The content
// hash covers Details, so an exported timeline can be spot-checked for
// post-hoc edits.
type TimelineEntry struct {
	EntryID     string            `json:"entry_id"`
	EntryType   TimelineEntryType `json:"entry_type"`
	MatchID     string            `json:"match_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Actor       string            `json:"actor,omitempty"`
	Summary     string            `json:"summary"`
	ContentHash string            `json:"content_hash"`
	Details     map[string]any    `json:"details,omitempty"`
}

// TimelineQuery filters timeline entries.
type TimelineQuery struct {
	MatchID   string             `json:"match_id,omitempty"`
	EntryType *TimelineEntryType `json:"entry_type,omitempty"`
	After     *time.Time         `json:"after,omitempty"`
	Before    *time.Time         `json:"before,omitempty"`
	Limit     int                `json:"limit,omitempty"`
}

// Timeline collects match events into one queryable history for operators
// reviewing paused matches and auditors tracing a record's life.
type Timeline struct {
	mu      sync.RWMutex
	entries []TimelineEntry
	byMatch map[string][]int
	seq     int64
	clock   func() time.Time
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		byMatch: make(map[string][]int),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (t *Timeline) WithClock(clock func() time.Time) *Timeline {
	t.clock = clock
	return t
}

// Record appends an entry. A nil timeline is inert so callers never guard.
func (t *Timeline) Record(entry TimelineEntry) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	if entry.EntryID == "" {
		entry.EntryID = fmt.Sprintf("tl-%d", t.seq)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.clock()
	}

	data, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("observability: timeline details: %w", err)
	}
	h := sha256.Sum256(data)
	entry.ContentHash = "sha256:" + hex.EncodeToString(h[:])

	idx := len(t.entries)
	t.entries = append(t.entries, entry)
	if entry.MatchID != "" {
		t.byMatch[entry.MatchID] = append(t.byMatch[entry.MatchID], idx)
	}
	return nil
}

// Query returns matching entries ordered by timestamp.
func (t *Timeline) Query(q TimelineQuery) []TimelineEntry {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []TimelineEntry
	if q.MatchID != "" {
		indices, ok := t.byMatch[q.MatchID]
		if !ok {
			return nil
		}
		candidates = make([]TimelineEntry, 0, len(indices))
		for _, i := range indices {
			candidates = append(candidates, t.entries[i])
		}
	} else {
		candidates = append(candidates, t.entries...)
	}

	var results []TimelineEntry
	for _, e := range candidates {
		if q.EntryType != nil && e.EntryType != *q.EntryType {
			continue
		}
		if q.After != nil && e.Timestamp.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.Timestamp.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// Count returns the total number of entries.
func (t *Timeline) Count() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
