package record

import (
	"fmt"
	"time"

	"github.com/provenplay/matchproof/pkg/canonical"
	"github.com/provenplay/matchproof/pkg/crypto"
)

// SigningBytes returns the canonical bytes of the record with the
// signatures array excluded. Signatures cover these bytes' hash, and the
// same hash is what gets anchored, so appending a signature never
// invalidates earlier signatures or a prior anchor.
func (r *MatchRecord) SigningBytes() ([]byte, error) {
	unsigned := *r
	unsigned.Signatures = nil
	b, err := canonical.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.MatchID, err)
	}
	return b, nil
}

// Hash returns the record's signing hash: SHA-256 over SigningBytes. This
// is the digest signed by every signer and committed on chain.
func (r *MatchRecord) Hash() (crypto.Digest, error) {
	b, err := r.SigningBytes()
	if err != nil {
		return crypto.Digest{}, err
	}
	return crypto.HashBytes(b), nil
}

// CanonicalBytes returns the canonical bytes of the full record including
// signatures. This is the persisted and archived form.
func (r *MatchRecord) CanonicalBytes() ([]byte, error) {
	b, err := canonical.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.MatchID, err)
	}
	return b, nil
}

// Sign appends a signature over the record's signing hash.
func (r *MatchRecord) Sign(signer crypto.Signer, role crypto.Role, at time.Time) error {
	digest, err := r.Hash()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("record %s: sign: %w", r.MatchID, err)
	}
	r.Signatures = append(r.Signatures, SignatureRecord{
		Signer:    signer.PublicKeyHex(),
		SigType:   signer.Type(),
		Signature: crypto.EncodeSignature(sig),
		SignedAt:  NewTimestamp(at),
		Role:      string(role),
	})
	return nil
}
