//go:build property
// +build property

package merkle_test

import (
	"crypto/sha256"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/provenplay/matchproof/pkg/crypto"
	"github.com/provenplay/matchproof/pkg/merkle"
)

func hashAll(items []string) []crypto.Digest {
	out := make([]crypto.Digest, len(items))
	for i, s := range items {
		out[i] = sha256.Sum256([]byte(s))
	}
	return out
}

// Property: every proof the tree generates verifies against its own root.
func TestEveryProofVerifies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("generated proofs always verify", prop.ForAll(
		func(items []string) bool {
			if len(items) == 0 {
				return true
			}
			hashes := hashAll(items)
			tree, err := merkle.Build(hashes)
			if err != nil {
				return false
			}
			for i, h := range hashes {
				proof, err := tree.Proof(i)
				if err != nil {
					return false
				}
				if !merkle.VerifyProof(h, proof, tree.Root()) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// Property: flipping a single byte in any leaf changes the root and breaks
// every stale proof for that leaf.
func TestFlippedLeafBreaksVerification(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("single flipped leaf invalidates proof", prop.ForAll(
		func(items []string, flipAt uint8) bool {
			if len(items) == 0 {
				return true
			}
			hashes := hashAll(items)
			tree, err := merkle.Build(hashes)
			if err != nil {
				return false
			}

			idx := int(flipAt) % len(hashes)
			proof, err := tree.Proof(idx)
			if err != nil {
				return false
			}

			tampered := hashes[idx]
			tampered[0] ^= 0xFF

			return !merkle.VerifyProof(tampered, proof, tree.Root())
		},
		gen.SliceOf(gen.AnyString()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
