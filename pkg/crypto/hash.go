// Package crypto provides the hashing and signing primitives for match
// records: SHA-256 whole-record digests, Ed25519 and Dilithium3 signatures
// over those digests, the authorized-signer registry, and per-match key
// derivation.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/provenplay/matchproof/pkg/canonical"
)

// DigestSize is the length of every record digest.
const DigestSize = sha256.Size

// Digest is a SHA-256 hash of a record's canonical bytes.
type Digest [DigestSize]byte

// Hex returns the lowercase hex encoding of d.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// MarshalText renders the digest as hex so persisted structs stay readable.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a 64-character hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("crypto: invalid digest hex: %w", err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("crypto: digest must be %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// HashBytes returns the SHA-256 digest of raw bytes.
func HashBytes(data []byte) Digest {
	return sha256.Sum256(data)
}

// HashCanonical canonicalizes v and hashes the resulting bytes. This is the
// whole-record hash anchored on chain and used as Merkle leaf input.
func HashCanonical(v any) (Digest, error) {
	b, err := canonical.Marshal(v)
	if err != nil {
		return Digest{}, fmt.Errorf("crypto: canonicalize: %w", err)
	}
	return HashBytes(b), nil
}
