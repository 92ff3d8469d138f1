package archive

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ContentID returns the CIDv1 (raw codec, SHA2-256) for a blob. The same
// bytes always yield the same CID, which is what makes Put idempotent
// across backends.
func ContentID(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("archive: multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// VerifyContentID checks data against an encoded CID.
func VerifyContentID(data []byte, encoded string) error {
	parsed, err := cid.Decode(encoded)
	if err != nil {
		return fmt.Errorf("archive: decode cid: %w", err)
	}
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return fmt.Errorf("archive: multihash: %w", err)
	}
	if !cid.NewCidV1(cid.Raw, sum).Equals(parsed) {
		return ErrIntegrity
	}
	return nil
}
