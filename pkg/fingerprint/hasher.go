// Package fingerprint provides irreversible tenant identity hashing and
// cohort metadata management.
//
// A tenant is represented downstream of ingestion only by its fingerprint:
// a keyed one-way hash plus coarse cohort attributes. The raw tenant
// identifier never crosses into stored telemetry or aggregates.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ErrMissingSecret indicates the hashing secret is not configured.
// This is a fatal configuration error: callers must refuse to run rather
// than degrade to an unkeyed hash.
var ErrMissingSecret = errors.New("fingerprint: hashing secret is not configured")

// hashDomainSep separates the salt version from the tenant id inside the
// hashed message so neither value can extend into the other.
const hashDomainSep = 0x1f

// Hasher computes deterministic keyed tenant hashes.
//
// The construction is keyed BLAKE2b-256 over "saltVersion || 0x1f || tenantID".
// Keyed BLAKE2b is a MAC by construction, so the output is computationally
// infeasible to invert or forge without the server-held secret. Changing the
// salt version changes every resulting hash with no linkage between epochs.
type Hasher struct {
	secret      []byte
	saltVersion string
}

// NewHasher creates a Hasher from the server-held secret and salt version.
// It returns ErrMissingSecret when the secret is empty.
func NewHasher(secret []byte, saltVersion string) (*Hasher, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if saltVersion == "" {
		return nil, errors.New("fingerprint: salt version must not be empty")
	}
	// BLAKE2b keys are capped at 64 bytes; reject oversized secrets up front
	// instead of failing on every Hash call.
	if len(secret) > blake2b.Size {
		return nil, fmt.Errorf("fingerprint: secret exceeds %d bytes", blake2b.Size)
	}
	return &Hasher{secret: secret, saltVersion: saltVersion}, nil
}

// SaltVersion returns the salt version this hasher stamps on fingerprints.
func (h *Hasher) SaltVersion() string {
	return h.saltVersion
}

// Hash returns the hex-encoded keyed hash of the tenant identifier.
// Identical inputs always yield identical output.
func (h *Hasher) Hash(tenantID string) string {
	mac, err := blake2b.New256(h.secret)
	if err != nil {
		// Key length is validated in NewHasher; New256 cannot fail here.
		panic(fmt.Sprintf("fingerprint: blake2b init: %v", err))
	}
	mac.Write([]byte(h.saltVersion))
	mac.Write([]byte{hashDomainSep})
	mac.Write([]byte(tenantID))
	return hex.EncodeToString(mac.Sum(nil))
}
