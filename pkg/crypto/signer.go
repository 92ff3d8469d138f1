package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Signature algorithm identifiers carried in SignatureRecord.sig_type.
const (
	SigTypeEd25519    = "ed25519"
	SigTypeDilithium3 = "dilithium3"
)

var (
	// ErrSignatureInvalid means a signature failed cryptographic verification.
	ErrSignatureInvalid = errors.New("crypto: signature invalid")

	// ErrUnsupportedSigType means the signature algorithm is not one this
	// build can verify. Verification fails closed on it.
	ErrUnsupportedSigType = errors.New("crypto: unsupported signature type")
)

// Signer signs 32-byte record digests. Signatures are always over the
// digest, never over the full record bytes.
type Signer interface {
	Sign(digest Digest) ([]byte, error)
	PublicKeyHex() string
	Type() string
}

// Ed25519Signer signs digests with an Ed25519 private key.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
	}
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed)), nil
}

func (s *Ed25519Signer) Sign(digest Digest) ([]byte, error) {
	return ed25519.Sign(s.privKey, digest[:]), nil
}

func (s *Ed25519Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) Type() string { return SigTypeEd25519 }

// Dilithium3Signer signs digests with a Dilithium mode3 private key.
type Dilithium3Signer struct {
	privKey *mode3.PrivateKey
	pubKey  *mode3.PublicKey
}

func NewDilithium3Signer() (*Dilithium3Signer, error) {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Dilithium3Signer{privKey: priv, pubKey: pub}, nil
}

func (s *Dilithium3Signer) Sign(digest Digest) ([]byte, error) {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.privKey, digest[:], sig)
	return sig, nil
}

func (s *Dilithium3Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey.Bytes())
}

func (s *Dilithium3Signer) Type() string { return SigTypeDilithium3 }

// EncodeSignature renders raw signature bytes in the on-record base64 form.
func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// DecodeSignature accepts padded or raw standard base64.
func DecodeSignature(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// VerifySignature checks a base64 signature over digest against a hex
// public key. Key and signature lengths are validated before the
// cryptographic check.
func VerifySignature(sigType, pubKeyHex string, digest Digest, sigB64 string) error {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	sig, err := DecodeSignature(sigB64)
	if err != nil {
		return fmt.Errorf("crypto: invalid signature base64: %w", err)
	}

	switch sigType {
	case SigTypeEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: ed25519 public key length %d", ErrSignatureInvalid, len(pub))
		}
		if len(sig) != ed25519.SignatureSize {
			return fmt.Errorf("%w: ed25519 signature length %d", ErrSignatureInvalid, len(sig))
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], sig) {
			return ErrSignatureInvalid
		}
		return nil
	case SigTypeDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return fmt.Errorf("%w: dilithium3 public key: %v", ErrSignatureInvalid, err)
		}
		if len(sig) != mode3.SignatureSize {
			return fmt.Errorf("%w: dilithium3 signature length %d", ErrSignatureInvalid, len(sig))
		}
		if !mode3.Verify(&pk, digest[:], sig) {
			return ErrSignatureInvalid
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedSigType, sigType)
	}
}
