// Package fanout delivers optimistic and confirmed state updates to match
// spectators. The coordinator publishes after every local apply and again
// after chain confirmation; each update carries the confirmed flag so
// clients can render instantly and reconcile later.
package fanout

import (
	"context"
	"time"
)

// Update event names.
const (
	EventMoveApplied        = "move_applied"
	EventMoveConfirmed      = "move_confirmed"
	EventMoveRolledBack     = "move_rolled_back"
	EventMatchPaused        = "match_paused"
	EventMatchResumed       = "match_resumed"
	EventMatchEnded         = "match_ended"
	EventCheckpointAnchored = "checkpoint_anchored"
)

// Update is one state broadcast. MatchState is the coordinator's public
// snapshot; Confirmed reports whether the triggering move has settled on
// chain.
type Update struct {
	Type       string    `json:"type"`
	Event      string    `json:"event"`
	MatchID    string    `json:"match_id"`
	MatchState any       `json:"match_state,omitempty"`
	MoveIndex  int       `json:"move_index,omitempty"`
	Confirmed  bool      `json:"confirmed"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// NewUpdate stamps a state_update message.
func NewUpdate(event, matchID string, state any, moveIndex int, confirmed bool, at time.Time) Update {
	return Update{
		Type:       "state_update",
		Event:      event,
		MatchID:    matchID,
		MatchState: state,
		MoveIndex:  moveIndex,
		Confirmed:  confirmed,
		EmittedAt:  at.UTC(),
	}
}

// Sink receives updates. Send must not block match progress: slow
// consumers lose updates rather than stalling the coordinator.
type Sink interface {
	Send(ctx context.Context, u Update) error
}

// Tee fans one update out to several sinks, returning the first error
// after attempting all of them.
type Tee []Sink

func (t Tee) Send(ctx context.Context, u Update) error {
	var first error
	for _, s := range t {
		if err := s.Send(ctx, u); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard drops every update. Useful as a default when no spectator
// transport is configured.
type Discard struct{}

func (Discard) Send(context.Context, Update) error { return nil }
