package crypto

import (
	"errors"
	"fmt"
	"sync"
)

// Role classifies an authorized signer.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RolePlayer      Role = "player"
	RoleValidator   Role = "validator"
	RoleAuthority   Role = "authority"
)

// MaxSigners caps registry size, mirroring the on-chain registry account.
const MaxSigners = 100

var (
	// ErrSignerUnauthorized means a public key is not in the registry or
	// does not hold the claimed role.
	ErrSignerUnauthorized = errors.New("crypto: signer unauthorized")

	ErrSignerExists   = errors.New("crypto: signer already registered")
	ErrSignerNotFound = errors.New("crypto: signer not found")
	ErrRegistryFull   = errors.New("crypto: signer registry full")
)

// Registry holds the authorized signers for a deployment. Lookups during
// verification fail closed: an unknown key is a verification failure, never
// a skipped check.
type Registry struct {
	mu      sync.RWMutex
	signers map[string]Role
}

func NewRegistry() *Registry {
	return &Registry{signers: make(map[string]Role)}
}

// Add registers a public key under a role. Duplicate keys are rejected even
// when the role differs.
func (r *Registry) Add(pubKeyHex string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signers[pubKeyHex]; ok {
		return fmt.Errorf("%w: %s", ErrSignerExists, pubKeyHex)
	}
	if len(r.signers) >= MaxSigners {
		return ErrRegistryFull
	}
	r.signers[pubKeyHex] = role
	return nil
}

func (r *Registry) Remove(pubKeyHex string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signers[pubKeyHex]; !ok {
		return fmt.Errorf("%w: %s", ErrSignerNotFound, pubKeyHex)
	}
	delete(r.signers, pubKeyHex)
	return nil
}

// Authorize returns the signer's role, or ErrSignerUnauthorized when the
// key is unknown.
func (r *Registry) Authorize(pubKeyHex string) (Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.signers[pubKeyHex]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSignerUnauthorized, pubKeyHex)
	}
	return role, nil
}

// AuthorizeRole checks that the key is registered with exactly this role.
func (r *Registry) AuthorizeRole(pubKeyHex string, role Role) error {
	got, err := r.Authorize(pubKeyHex)
	if err != nil {
		return err
	}
	if got != role {
		return fmt.Errorf("%w: %s holds role %q, not %q", ErrSignerUnauthorized, pubKeyHex, got, role)
	}
	return nil
}

// Len reports the number of registered signers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.signers)
}
