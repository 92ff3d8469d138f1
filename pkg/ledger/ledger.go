// Package ledger defines the chain-facing surface the coordinator, batch
// manager, and verifier consume: match lifecycle instructions, move
// submission, anchoring, and authorized-signer lookups. The in-memory
// implementation simulates the contract's account semantics for tests and
// local development.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/record"
)

// Phase mirrors the on-chain match account's phase enum.
type Phase string

const (
	PhaseDealing Phase = "dealing"
	PhasePlaying Phase = "playing"
	PhaseEnded   Phase = "ended"
)

var (
	ErrMatchNotFound    = errors.New("ledger: match not found")
	ErrMatchExists      = errors.New("ledger: match already registered")
	ErrMatchFull        = errors.New("ledger: match full")
	ErrInvalidPhase     = errors.New("ledger: invalid phase for instruction")
	ErrPlayerNotInMatch = errors.New("ledger: player not in match")
	ErrNotPlayersTurn   = errors.New("ledger: not player's turn")
	ErrInvalidMoveIndex = errors.New("ledger: move index does not match on-chain count")
	ErrInvalidNonce     = errors.New("ledger: nonce not greater than last seen")
	ErrInvalidBatch     = errors.New("ledger: invalid batch anchor")
	ErrInvalidAnchor    = errors.New("ledger: invalid anchor")
	ErrBatchExists      = errors.New("ledger: batch already anchored")
	ErrAnchorNotFound   = errors.New("ledger: anchor not found")
	ErrNotConfirmed     = errors.New("ledger: transaction not confirmed")
	ErrUnknownTx        = errors.New("ledger: unknown transaction")
)

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Signature   string    `json:"signature"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// OnChainState is the authoritative subset the coordinator reconciles
// against.
type OnChainState struct {
	MatchID       string   `json:"match_id"`
	Phase         Phase    `json:"phase"`
	Players       []string `json:"players"`
	CurrentPlayer string   `json:"current_player"`
	MoveCount     int      `json:"move_count"`
	Winner        string   `json:"winner,omitempty"`
}

// MoveSubmission is the on-chain projection of one move. ClientSignature
// is chosen by the submitter before broadcast, as chain clients sign
// transactions locally, so the coordinator can track a pending move by its
// signature from the moment it is sent.
type MoveSubmission struct {
	MatchID         string        `json:"match_id"`
	Index           int           `json:"index"`
	PlayerID        string        `json:"player_id"`
	Action          string        `json:"action"`
	PayloadHash     crypto.Digest `json:"payload_hash"`
	Nonce           uint64        `json:"nonce"`
	ClientSignature string        `json:"client_signature,omitempty"`
}

// BatchAnchor is the persisted on-chain commitment for a flushed batch.
type BatchAnchor struct {
	BatchID      string        `json:"batch_id"`
	MerkleRoot   crypto.Digest `json:"merkle_root"`
	Count        int           `json:"count"`
	FirstMatchID string        `json:"first_match_id"`
	LastMatchID  string        `json:"last_match_id"`
	Timestamp    time.Time     `json:"timestamp"`
	TxSignature  string        `json:"tx_signature"`
}

// MatchAnchor is a direct single-match commitment: hash plus archive URL.
type MatchAnchor struct {
	MatchID     string        `json:"match_id"`
	MatchHash   crypto.Digest `json:"match_hash"`
	StorageURL  string        `json:"storage_url,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	TxSignature string        `json:"tx_signature"`
}

// CheckpointAnchor is the lightweight intra-match commitment.
type CheckpointAnchor struct {
	MatchID     string        `json:"match_id"`
	EventIndex  int           `json:"event_index"`
	StateHash   crypto.Digest `json:"state_hash"`
	Timestamp   time.Time     `json:"timestamp"`
	TxSignature string        `json:"tx_signature"`
}

// MatchChain carries the match lifecycle and move instructions.
type MatchChain interface {
	RegisterMatch(ctx context.Context, matchID string, game record.GameDescriptor, creator string) (TxHandle, error)
	JoinMatch(ctx context.Context, matchID, playerID string) (TxHandle, error)
	StartMatch(ctx context.Context, matchID string) (TxHandle, error)
	SubmitMove(ctx context.Context, mv MoveSubmission) (TxHandle, error)
	EndMatch(ctx context.Context, matchID, winner string) (TxHandle, error)
	GetConfirmedState(ctx context.Context, matchID string) (*OnChainState, error)
	// Confirm blocks until the transaction is confirmed or ctx is done.
	Confirm(ctx context.Context, tx TxHandle) error
}

// Anchorer carries the commitment instructions and their lookups.
type Anchorer interface {
	AnchorBatch(ctx context.Context, batchID string, root crypto.Digest, count int, firstID, lastID string) (TxHandle, error)
	AnchorMatchRecord(ctx context.Context, matchID string, hash crypto.Digest, storageURL string) (TxHandle, error)
	AnchorCheckpoint(ctx context.Context, matchID string, eventIndex int, stateHash crypto.Digest) (TxHandle, error)
	GetBatchAnchor(ctx context.Context, batchID string) (*BatchAnchor, error)
	GetMatchAnchor(ctx context.Context, matchID string) (*MatchAnchor, error)
}

// SignerDirectory answers whether a key may sign for a match.
type SignerDirectory interface {
	IsAuthorizedSigner(ctx context.Context, matchID, pubKeyHex string) (bool, error)
}

// Ledger is the full client surface.
type Ledger interface {
	MatchChain
	Anchorer
	SignerDirectory
}
