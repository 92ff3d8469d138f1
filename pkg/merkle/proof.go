package merkle

import (
	"github.com/provenplay/matchproof/pkg/crypto"
)

// ProofStep is one sibling on the path from a leaf to the root. Left
// reports whether the sibling sits to the left of the running hash.
type ProofStep struct {
	SiblingHash crypto.Digest `json:"sibling_hash"`
	Left        bool          `json:"left"`
}

// Proof is an ordered inclusion proof for a single leaf.
type Proof struct {
	LeafIndex int         `json:"leaf_index"`
	Steps     []ProofStep `json:"steps"`
}

// VerifyProof recomputes the path from matchHash through the proof steps
// and compares the result against the expected root. Cost is O(len(Steps)).
func VerifyProof(matchHash crypto.Digest, proof Proof, root crypto.Digest) bool {
	current := LeafHash(matchHash)
	for _, step := range proof.Steps {
		if step.Left {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return current == root
}
