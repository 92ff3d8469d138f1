// Package merkle builds the batch trees whose roots are anchored on chain
// and produces the inclusion proofs verifiers replay against those roots.
//
// Leaf and internal hashes live in separate domains: a leaf is
// SHA256(0x00 || matchHash) and an internal node SHA256(0x01 || left ||
// right), so a leaf can never be reinterpreted as a node. When a level has
// an odd node it is promoted to the next level unchanged; nothing is ever
// duplicated, so the root of {h1, h2} can never collide with {h1, h2, h2}.
package merkle

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/provenplay/matchproof/pkg/crypto"
)

const (
	leafDomain = 0x00
	nodeDomain = 0x01
)

var (
	ErrEmptyTree     = errors.New("merkle: tree needs at least one leaf")
	ErrLeafNotFound  = errors.New("merkle: leaf not in tree")
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// Tree is an immutable Merkle tree over an ordered set of match hashes.
type Tree struct {
	// levels[0] holds the leaf hashes, levels[len-1] the root.
	levels [][]crypto.Digest
	count  int
}

// LeafHash computes the leaf-domain hash of a match hash.
func LeafHash(matchHash crypto.Digest) crypto.Digest {
	h := sha256.New()
	h.Write([]byte{leafDomain})
	h.Write(matchHash[:])
	var d crypto.Digest
	copy(d[:], h.Sum(nil))
	return d
}

func nodeHash(left, right crypto.Digest) crypto.Digest {
	h := sha256.New()
	h.Write([]byte{nodeDomain})
	h.Write(left[:])
	h.Write(right[:])
	var d crypto.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Build constructs the tree bottom-up from ordered match hashes.
func Build(matchHashes []crypto.Digest) (*Tree, error) {
	if len(matchHashes) == 0 {
		return nil, ErrEmptyTree
	}

	leaves := make([]crypto.Digest, len(matchHashes))
	for i, mh := range matchHashes {
		leaves[i] = LeafHash(mh)
	}

	t := &Tree{count: len(leaves)}
	level := leaves
	for {
		t.levels = append(t.levels, level)
		if len(level) == 1 {
			break
		}
		level = nextLevel(level)
	}
	return t, nil
}

// nextLevel pairs nodes left to right; an odd trailing node is promoted
// unchanged.
func nextLevel(level []crypto.Digest) []crypto.Digest {
	next := make([]crypto.Digest, 0, (len(level)+1)/2)
	for i := 0; i+1 < len(level); i += 2 {
		next = append(next, nodeHash(level[i], level[i+1]))
	}
	if len(level)%2 != 0 {
		next = append(next, level[len(level)-1])
	}
	return next
}

// Root returns the tree's root hash.
func (t *Tree) Root() crypto.Digest {
	return t.levels[len(t.levels)-1][0]
}

// LeafCount reports the number of leaves.
func (t *Tree) LeafCount() int {
	return t.count
}

// Proof returns the inclusion proof for the leaf at index. Promoted nodes
// contribute no step for the levels they skip.
func (t *Tree) Proof(index int) (Proof, error) {
	if index < 0 || index >= t.count {
		return Proof{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, t.count)
	}

	proof := Proof{LeafIndex: index}
	i := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := i ^ 1
		if sibling < len(level) {
			proof.Steps = append(proof.Steps, ProofStep{
				SiblingHash: level[sibling],
				Left:        sibling < i,
			})
		}
		i /= 2
	}
	return proof, nil
}
