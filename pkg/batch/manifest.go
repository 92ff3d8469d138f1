// Package batch aggregates finalized match hashes into Merkle-anchored
// batches. A manifest is persisted before its anchor transaction goes out,
// so a crash between the two leaves a pending manifest that Recover can
// finish instead of a batch that silently never lands on chain.
package batch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/merkle"
)

// AnchorState tracks a manifest through the anchor pipeline.
type AnchorState string

const (
	StatePending  AnchorState = "pending"
	StateAnchored AnchorState = "anchored"
	StateFailed   AnchorState = "failed"
)

// Leaf is one batched match: its identifier and canonical record hash, in
// flush order. The hash order defines the Merkle tree, so manifests must
// never be reordered after persistence.
type Leaf struct {
	MatchID string        `json:"match_id"`
	Hash    crypto.Digest `json:"hash"`
}

// Manifest is the durable description of one batch.
type Manifest struct {
	BatchID    string        `json:"batch_id"`
	Leaves     []Leaf        `json:"leaves"`
	MerkleRoot crypto.Digest `json:"merkle_root"`
	CreatedAt  time.Time     `json:"created_at"`

	State       AnchorState `json:"state"`
	Attempts    int         `json:"attempts"`
	TxSignature string      `json:"tx_signature,omitempty"`
	AnchoredAt  *time.Time  `json:"anchored_at,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
}

// manifestKeyPrefix namespaces manifests in the shared store.
const manifestKeyPrefix = "batch/manifest/"

func manifestKey(batchID string) string {
	return manifestKeyPrefix + batchID
}

// NewManifest computes the Merkle root over the leaves and returns a
// pending manifest.
func NewManifest(batchID string, leaves []Leaf, now time.Time) (*Manifest, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("batch: manifest %q has no leaves", batchID)
	}
	tree, err := merkle.Build(leafHashes(leaves))
	if err != nil {
		return nil, fmt.Errorf("batch: build tree: %w", err)
	}
	cp := make([]Leaf, len(leaves))
	copy(cp, leaves)
	return &Manifest{
		BatchID:    batchID,
		Leaves:     cp,
		MerkleRoot: tree.Root(),
		CreatedAt:  now.UTC(),
		State:      StatePending,
	}, nil
}

// First returns the first batched match ID.
func (m *Manifest) First() string { return m.Leaves[0].MatchID }

// Last returns the last batched match ID.
func (m *Manifest) Last() string { return m.Leaves[len(m.Leaves)-1].MatchID }

// Count returns the number of batched matches.
func (m *Manifest) Count() int { return len(m.Leaves) }

// Proof regenerates the inclusion proof for one batched match.
func (m *Manifest) Proof(matchID string) (*merkle.Proof, error) {
	index := -1
	for i, leaf := range m.Leaves {
		if leaf.MatchID == matchID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("batch: match %q not in batch %q", matchID, m.BatchID)
	}
	tree, err := merkle.Build(leafHashes(m.Leaves))
	if err != nil {
		return nil, fmt.Errorf("batch: rebuild tree: %w", err)
	}
	proof, err := tree.Proof(index)
	if err != nil {
		return nil, fmt.Errorf("batch: proof for %q: %w", matchID, err)
	}
	return &proof, nil
}

// Encode serializes the manifest for storage.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("batch: encode manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest parses a stored manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("batch: decode manifest: %w", err)
	}
	return &m, nil
}

func leafHashes(leaves []Leaf) []crypto.Digest {
	hashes := make([]crypto.Digest, len(leaves))
	for i, leaf := range leaves {
		hashes[i] = leaf.Hash
	}
	return hashes
}
