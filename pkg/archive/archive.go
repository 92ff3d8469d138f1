// Package archive persists full match records off chain and hands back
// content-addressed pointers. The on-chain anchor stores only the record
// hash (or its batch root) plus the archive URL; anyone resolving the
// pointer can re-verify the bytes against the CID and the anchored hash.
package archive

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a pointer resolves to nothing.
	ErrNotFound = errors.New("archive: object not found")
	// ErrIntegrity is returned when fetched bytes do not match the
	// pointer's CID.
	ErrIntegrity = errors.New("archive: content does not match CID")
	// ErrProviderMismatch is returned when a pointer belongs to a
	// different backend.
	ErrProviderMismatch = errors.New("archive: pointer provider mismatch")
)

// Pointer locates an archived object and commits to its content.
type Pointer struct {
	Provider  string `json:"provider"`
	URL       string `json:"url"`
	CID       string `json:"cid"`
	SizeBytes int64  `json:"size_bytes"`
}

// Archive is implemented by each storage backend. Put is idempotent for
// identical content; Fetch verifies the returned bytes against the
// pointer's CID before handing them out.
type Archive interface {
	// Put stores data under the logical name and returns its pointer.
	Put(ctx context.Context, name string, data []byte) (Pointer, error)
	// Fetch resolves a pointer produced by this backend.
	Fetch(ctx context.Context, ptr Pointer) ([]byte, error)
}

// verifyFetched cross-checks fetched bytes against the pointer.
func verifyFetched(data []byte, ptr Pointer) error {
	if ptr.CID == "" {
		return nil
	}
	if err := VerifyContentID(data, ptr.CID); err != nil {
		return err
	}
	return nil
}
