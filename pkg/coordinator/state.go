package coordinator

import (
	"fmt"
	"time"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/ledger"
	"github.com/provenplay/matchproof/pkg/record"
)

// Phase is the coordinator-visible lifecycle of a match. It is coarser
// than the rule engine's phase and adds Paused, which exists only off
// chain: a match enters it when reconciliation finds the local state and
// the chain in disagreement, and leaves it only through an operator
// resume.
type Phase string

const (
	PhaseCreated Phase = "created"
	PhaseJoining Phase = "joining"
	PhasePlaying Phase = "playing"
	PhasePaused  Phase = "paused"
	PhaseEnded   Phase = "ended"
)

// matchState is the coordinator's authoritative off-chain state for one
// match. It is owned by the match actor goroutine and never shared;
// snapshots hand out copies.
//
// Rollbacks restore a whole prior matchState rather than undoing
// individual fields, so every mutation path stays trivially reversible.
type matchState struct {
	matchID   string
	game      record.GameDescriptor
	phase     Phase
	players   []record.PlayerRecord
	seed      uint64
	stake     float64
	flags     map[string]bool
	highValue bool

	startTime time.Time
	endTime   time.Time

	// turn indexes players and mirrors the on-chain turn pointer: it
	// advances only on turn-advancing actions.
	turn   int
	moves  []record.MoveRecord
	scores map[string]int64
	winner string
	nonces map[string]uint64

	// lastCheckpoint is the move count covered by the newest anchored
	// checkpoint; sinceReconcile counts applied moves since the last
	// reconciliation pass.
	lastCheckpoint int
	sinceReconcile int

	// conflict carries the human-readable divergence description while the
	// match is paused.
	conflict string
}

// clone deep-copies everything a rollback needs to restore. Move payload
// bytes are shared: they are immutable after construction.
func (s *matchState) clone() *matchState {
	cp := *s
	cp.players = append([]record.PlayerRecord(nil), s.players...)
	cp.moves = append([]record.MoveRecord(nil), s.moves...)
	cp.scores = make(map[string]int64, len(s.scores))
	for k, v := range s.scores {
		cp.scores[k] = v
	}
	cp.nonces = make(map[string]uint64, len(s.nonces))
	for k, v := range s.nonces {
		cp.nonces[k] = v
	}
	if s.flags != nil {
		cp.flags = make(map[string]bool, len(s.flags))
		for k, v := range s.flags {
			cp.flags[k] = v
		}
	}
	return &cp
}

func (s *matchState) currentPlayer() string {
	if s.phase != PhasePlaying || len(s.players) == 0 {
		return ""
	}
	return s.players[s.turn].PlayerID
}

func (s *matchState) playerIDs() []string {
	ids := make([]string, len(s.players))
	for i, p := range s.players {
		ids[i] = p.PlayerID
	}
	return ids
}

func (s *matchState) hasPlayer(playerID string) bool {
	for _, p := range s.players {
		if p.PlayerID == playerID {
			return true
		}
	}
	return false
}

// checkpointDigest is the canonical form committed by a checkpoint
// anchor. The moves digest pins the full move log without putting it on
// chain.
type checkpointDigest struct {
	MatchID       string           `json:"match_id"`
	MoveCount     int              `json:"move_count"`
	Phase         Phase            `json:"phase"`
	CurrentPlayer string           `json:"current_player"`
	Scores        map[string]int64 `json:"scores"`
	MovesDigest   string           `json:"moves_digest"`
}

// stateHash commits to the current off-chain state for checkpoint
// anchoring. Equal states hash equal on any machine: the digest is built
// from the canonical serialization.
func (s *matchState) stateHash() (crypto.Digest, error) {
	movesDigest, err := crypto.HashCanonical(s.moves)
	if err != nil {
		return crypto.Digest{}, fmt.Errorf("coordinator: hash moves: %w", err)
	}
	return crypto.HashCanonical(checkpointDigest{
		MatchID:       s.matchID,
		MoveCount:     len(s.moves),
		Phase:         s.phase,
		CurrentPlayer: s.currentPlayer(),
		Scores:        s.scores,
		MovesDigest:   movesDigest.Hex(),
	})
}

// pendingTx is one optimistically applied move whose chain transaction
// has not confirmed. The snapshot is the full pre-move state; cancel stops
// the confirmation watcher when the transaction is settled another way.
type pendingTx struct {
	handle      ledger.TxHandle
	move        record.MoveRecord
	snapshot    *matchState
	submittedAt time.Time
	cancel      func()
}

// Snapshot is the public, copied view of a match. MoveCount includes
// optimistic moves; ConfirmedCount counts only what the chain has
// settled.
type Snapshot struct {
	MatchID        string                `json:"match_id"`
	Phase          Phase                 `json:"phase"`
	Game           record.GameDescriptor `json:"game"`
	Players        []string              `json:"players"`
	CurrentPlayer  string                `json:"current_player,omitempty"`
	MoveCount      int                   `json:"move_count"`
	ConfirmedCount int                   `json:"confirmed_count"`
	PendingCount   int                   `json:"pending_count"`
	Scores         map[string]int64      `json:"scores,omitempty"`
	Winner         string                `json:"winner,omitempty"`
	LastMove       *record.MoveRecord    `json:"last_move,omitempty"`
	LastCheckpoint int                   `json:"last_checkpoint"`
	HighValue      bool                  `json:"high_value"`
	ConflictDetail string                `json:"conflict_detail,omitempty"`
	StartTime      *time.Time            `json:"start_time,omitempty"`
	EndTime        *time.Time            `json:"end_time,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// MoveReceipt acknowledges an optimistically applied move before its
// chain transaction confirms.
type MoveReceipt struct {
	MatchID     string `json:"match_id"`
	MoveIndex   int    `json:"move_index"`
	Nonce       uint64 `json:"nonce"`
	TxSignature string `json:"tx_signature"`
	Pending     int    `json:"pending"`
}
