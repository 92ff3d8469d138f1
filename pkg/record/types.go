// Package record defines the persisted match record schema: the finalized,
// signable document whose canonical hash is anchored on chain. It owns
// structural and semantic validation, signing, and migration from the
// legacy field layout.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the current record schema version.
const Version = "1.0.0"

// Player types.
const (
	PlayerHuman = "human"
	PlayerAI    = "ai"
	PlayerBot   = "bot"
)

// MatchRecord is the finalized account of one match. Once finalized the
// record is immutable except for appending signatures.
type MatchRecord struct {
	MatchID   string         `json:"match_id"`
	Version   string         `json:"version"`
	Game      GameDescriptor `json:"game"`
	StartTime Timestamp      `json:"start_time"`
	EndTime   Timestamp      `json:"end_time"`
	Seed      uint64         `json:"seed"`
	Players   []PlayerRecord `json:"players"`
	Moves     []MoveRecord   `json:"moves"`
	// Scores keyed by player_id, as recorded by the coordinator. Replay
	// verification recomputes and compares these.
	Scores map[string]int64 `json:"scores"`
	Winner string           `json:"winner,omitempty"`

	Artifacts      []Artifact        `json:"artifacts,omitempty"`
	ChainOfThought map[string]string `json:"chain_of_thought,omitempty"`
	ModelVersions  map[string]string `json:"model_versions,omitempty"`
	Storage        *StoragePointer   `json:"storage,omitempty"`

	Signatures []SignatureRecord `json:"signatures,omitempty"`
}

// GameDescriptor names the game and its player bounds.
type GameDescriptor struct {
	Name       string `json:"name"`
	Variant    string `json:"variant,omitempty"`
	MinPlayers int    `json:"min_players"`
	MaxPlayers int    `json:"max_players"`
}

// MoveRecord is one move in the authoritative order. Index, never
// timestamp, defines ordering.
type MoveRecord struct {
	Index     int             `json:"index"`
	Timestamp Timestamp       `json:"timestamp"`
	PlayerID  string          `json:"player_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Proofs    []string        `json:"proofs,omitempty"`
	// Nonce is the player's replay-protection counter carried through to
	// the on-chain move account.
	Nonce uint64 `json:"nonce,omitempty"`
}

type PlayerRecord struct {
	PlayerID  string            `json:"player_id"`
	Type      string            `json:"type"`
	PublicKey string            `json:"public_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SignatureRecord is one detached signature over the record's signing hash.
type SignatureRecord struct {
	Signer    string    `json:"signer"`
	SigType   string    `json:"sig_type"`
	Signature string    `json:"signature"`
	SignedAt  Timestamp `json:"signed_at"`
	Role      string    `json:"role,omitempty"`
}

// Artifact points at auxiliary match material (replay file, log bundle).
type Artifact struct {
	Name      string `json:"name"`
	CID       string `json:"cid,omitempty"`
	URL       string `json:"url,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// StoragePointer locates the archived full record.
type StoragePointer struct {
	Provider  string `json:"provider"`
	URL       string `json:"url,omitempty"`
	CID       string `json:"cid,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// timestampLayout is the only accepted wire form: ISO8601 UTC with
// millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp marshals to the exact ISO8601 string the canonical form
// preserves. Sub-millisecond precision is truncated at construction so the
// wire string and the in-memory value never disagree.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.UTC().Format(timestampLayout))
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("record: timestamp: %w", err)
	}
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return fmt.Errorf("record: timestamp %q is not ISO8601 UTC with millisecond precision: %w", s, err)
	}
	ts.Time = t
	return nil
}

// Equal compares instants, tolerating the monotonic clock reading.
func (ts Timestamp) Equal(other Timestamp) bool {
	return ts.Time.Equal(other.Time)
}
