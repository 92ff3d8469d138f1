package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// None of these may panic or export anything.
	p.CountMoveApplied(ctx, "pick_up")
	p.CountMoveConfirmed(ctx)
	p.CountMoveRolledBack(ctx, RollbackTimeout)
	p.CountReconciliation(ctx, SyncMatched)
	p.CountStateConflict(ctx)
	p.CountCheckpointAnchored(ctx)
	p.CountBatchFlushed(ctx, 3)
	p.CountBatchAnchored(ctx)
	p.CountAnchorRetry(ctx)
	p.CountVerification(ctx, "pass")
	p.RecordError(ctx, errors.New("boom"))

	_, done := p.TrackOperation(ctx, "test")
	done(nil)

	require.NoError(t, p.Shutdown(ctx))
}

func TestNilProviderIsInert(t *testing.T) {
	ctx := context.Background()
	var p *Provider

	p.CountMoveApplied(ctx, "decline")
	p.CountBatchFlushed(ctx, 1)
	_, done := p.TrackOperation(ctx, "test")
	done(errors.New("ignored"))
	assert.Nil(t, p.SLO())
	require.NoError(t, p.Shutdown(ctx))
}

func TestTrackOperationFeedsSLOTracker(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// The tracker runs even with export disabled.
	_, done := p.TrackOperation(ctx, OpSubmitMove)
	done(nil)
	_, done = p.TrackOperation(ctx, OpSubmitMove)
	done(errors.New("chain rejected"))

	status, err := p.SLO().Status(OpSubmitMove)
	require.NoError(t, err)
	assert.Equal(t, 2, status.ObservationCount)
	assert.InDelta(t, 0.5, status.CurrentSuccess, 1e-9)
}

func TestTimelineRecordAndQuery(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	tl := NewTimeline().WithClock(func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Second)
	})

	require.NoError(t, tl.Record(TimelineEntry{
		EntryType: EntryMoveApplied,
		MatchID:   "m1",
		Actor:     "p1",
		Summary:   "move 0 applied",
		Details:   map[string]any{"index": 0},
	}))
	require.NoError(t, tl.Record(TimelineEntry{
		EntryType: EntryMoveConfirmed,
		MatchID:   "m1",
		Summary:   "move 0 confirmed",
	}))
	require.NoError(t, tl.Record(TimelineEntry{
		EntryType: EntryConflict,
		MatchID:   "m2",
		Summary:   "divergence",
	}))

	assert.Equal(t, 3, tl.Count())

	m1 := tl.Query(TimelineQuery{MatchID: "m1"})
	require.Len(t, m1, 2)
	assert.Equal(t, EntryMoveApplied, m1[0].EntryType)
	assert.Equal(t, EntryMoveConfirmed, m1[1].EntryType)
	assert.NotEmpty(t, m1[0].ContentHash)
	assert.NotEmpty(t, m1[0].EntryID)

	conflictType := EntryConflict
	conflicts := tl.Query(TimelineQuery{EntryType: &conflictType})
	require.Len(t, conflicts, 1)
	assert.Equal(t, "m2", conflicts[0].MatchID)

	assert.Nil(t, tl.Query(TimelineQuery{MatchID: "missing"}))

	limited := tl.Query(TimelineQuery{Limit: 1})
	assert.Len(t, limited, 1)
}

func TestNilTimelineIsInert(t *testing.T) {
	var tl *Timeline
	require.NoError(t, tl.Record(TimelineEntry{MatchID: "m1"}))
	assert.Zero(t, tl.Count())
	assert.Nil(t, tl.Query(TimelineQuery{}))
}

func TestSLOTrackerCompliance(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })

	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-test",
		Operation:   OpAnchorBatch,
		LatencyP99:  time.Second,
		SuccessRate: 0.9,
		WindowHours: 1,
	})

	// 9 fast successes, one failure: exactly at the 0.9 target.
	for i := 0; i < 9; i++ {
		tracker.Record(SLOObservation{Operation: OpAnchorBatch, Latency: 10 * time.Millisecond, Success: true, Timestamp: now})
	}
	tracker.Record(SLOObservation{Operation: OpAnchorBatch, Latency: 10 * time.Millisecond, Success: false, Timestamp: now})

	status, err := tracker.Status(OpAnchorBatch)
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.InDelta(t, 0.9, status.CurrentSuccess, 1e-9)
	assert.InDelta(t, 1.0, status.BurnRate, 1e-9)
	assert.Equal(t, 10, status.ObservationCount)

	// One more failure breaches the objective.
	tracker.Record(SLOObservation{Operation: OpAnchorBatch, Latency: 10 * time.Millisecond, Success: false, Timestamp: now})
	status, err = tracker.Status(OpAnchorBatch)
	require.NoError(t, err)
	assert.False(t, status.InCompliance)
	assert.Greater(t, status.BurnRate, 1.0)
}

func TestSLOTrackerWindowExcludesOldObservations(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })

	tracker.Record(SLOObservation{
		Operation: OpVerify,
		Latency:   time.Hour, // would breach if counted
		Success:   false,
		Timestamp: now.Add(-48 * time.Hour),
	})

	status, err := tracker.Status(OpVerify)
	require.NoError(t, err)
	assert.True(t, status.InCompliance)
	assert.Zero(t, status.ObservationCount)
}

func TestSLOTrackerUnknownOperation(t *testing.T) {
	tracker := NewSLOTracker()
	_, err := tracker.Status("unknown_op")
	require.Error(t, err)
}

func TestDefaultConfigDisabled(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "matchproof", cfg.ServiceName)
}
