package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const matchKeyInfo = "matchproof-match-kdf"

// Keyring derives per-match coordinator signing keys from one master seed.
// Derivation is deterministic, so a restarted coordinator re-derives the
// same key for an in-flight match.
type Keyring struct {
	master ed25519.PrivateKey
}

func NewKeyring(master ed25519.PrivateKey) (*Keyring, error) {
	if len(master) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: master key must be %d bytes, got %d", ed25519.PrivateKeySize, len(master))
	}
	return &Keyring{master: master}, nil
}

func NewKeyringFromSeed(seed []byte) (*Keyring, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Keyring{master: ed25519.NewKeyFromSeed(seed)}, nil
}

// DeriveForMatch derives the match-scoped Ed25519 signer using HKDF-SHA256
// with the master seed as IKM and the match ID as info.
func (k *Keyring) DeriveForMatch(matchID string) (*Ed25519Signer, error) {
	if matchID == "" {
		return nil, fmt.Errorf("crypto: match id must not be empty")
	}

	reader := hkdf.New(sha256.New, k.master.Seed(), []byte(matchKeyInfo), []byte(matchID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derivation failed: %w", err)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed)), nil
}

// MasterPublicKeyHex identifies the keyring for registry bootstrap.
func (k *Keyring) MasterPublicKeyHex() string {
	return NewEd25519SignerFromKey(k.master).PublicKeyHex()
}
