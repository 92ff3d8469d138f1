// Package coordinator runs matches optimistically: every move is
// validated and applied against the local rule engine first, broadcast to
// spectators immediately, and submitted to the chain in the background.
// The chain stays authoritative. Three mechanisms keep the fast local
// view honest:
//
//   - Confirmation watchers track every submitted transaction. A
//     transaction that times out or is rejected rolls the match back to
//     the snapshot taken before its move, discarding that move and every
//     later one. Rollback always restores a whole snapshot; nothing is
//     ever undone field by field.
//
//   - Reconciliation compares the local state with the confirmed on-chain
//     state every ReconcileEvery moves and after every rollback. A
//     divergence that clearing settled transactions cannot explain pauses
//     the match; paused matches resume only by operator decision.
//
//   - Checkpoints anchor a hash of the local state every CheckpointEvery
//     moves, or after every move for high-value matches, bounding how much
//     history a dispute has to replay.
//
// When a match ends and its last transaction settles, the finished record
// is handed to the settlement pipeline: sign, persist, archive, then
// anchor either directly or through the batch manager, as classified by
// the match policy.
package coordinator

import (
	"errors"
	"time"
)

// Default coordination cadences.
const (
	DefaultReconcileEvery  = 10
	DefaultCheckpointEvery = 20
	DefaultTxTimeout       = 30 * time.Second

	defaultMailboxSize = 64
)

var (
	// ErrMatchNotFound means no live match has the given ID.
	ErrMatchNotFound = errors.New("coordinator: match not found")
	// ErrMatchClosed is returned when the match actor has shut down.
	ErrMatchClosed = errors.New("coordinator: match closed")
	// ErrMatchPaused rejects operations while a state conflict awaits an
	// operator.
	ErrMatchPaused = errors.New("coordinator: match paused on state conflict")
	// ErrMatchEnded rejects operations on a finished match.
	ErrMatchEnded = errors.New("coordinator: match already ended")
	// ErrNotPlaying rejects moves before the match has started.
	ErrNotPlaying = errors.New("coordinator: match not in playing phase")
	// ErrNotJoinable rejects joins and starts outside the setup phases.
	ErrNotJoinable = errors.New("coordinator: match not joinable")
	// ErrNotPaused rejects a resume on a match that is not paused.
	ErrNotPaused = errors.New("coordinator: match not paused")
	// ErrPendingMoves rejects operations that need every transaction
	// settled first.
	ErrPendingMoves = errors.New("coordinator: unconfirmed transactions outstanding")
	// ErrStateConflict reports a divergence between local state and the
	// chain that cannot be resolved automatically.
	ErrStateConflict = errors.New("coordinator: state conflicts with chain")
	// ErrInvalidMove rejects a structurally invalid move submission.
	ErrInvalidMove = errors.New("coordinator: invalid move")
	// ErrRecordNotFound means no finalized record is stored for the match.
	ErrRecordNotFound = errors.New("coordinator: match record not found")
)

// Config tunes match coordination. Zero values take the documented
// defaults.
type Config struct {
	// ReconcileEvery is the reconciliation cadence in applied moves.
	ReconcileEvery int
	// CheckpointEvery is the checkpoint anchor cadence in applied moves
	// for ordinary matches. High-value matches checkpoint every move.
	CheckpointEvery int
	// TxTimeout bounds how long a submitted transaction may stay
	// unconfirmed before it is treated as lost and rolled back.
	TxTimeout time.Duration
	// MailboxSize is the actor command queue depth per match.
	MailboxSize int
	// Clock overrides time.Now.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = DefaultReconcileEvery
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = DefaultCheckpointEvery
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = defaultMailboxSize
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}
