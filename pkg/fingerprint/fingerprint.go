package fingerprint

import (
	"context"
	"fmt"
	"time"
)

// CohortGlobal is the cohort every tenant belongs to.
const CohortGlobal = "global"

// Cohort key prefixes for the optional dimensions.
const (
	CohortPrefixRegion   = "region"
	CohortPrefixSize     = "size"
	CohortPrefixVertical = "vertical"
)

// Fingerprint is the stored representation of a tenant: an irreversible
// hash plus coarse cohort attributes. The original tenant identifier is
// never stored alongside it.
type Fingerprint struct {
	TenantHash      string
	HashSaltVersion string
	Region          string // empty when unknown
	SizeBand        string
	Vertical        string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CohortHints carries optional cohort dimensions supplied at ingestion time.
// Empty fields mean "no information", not "clear the field".
type CohortHints struct {
	Region   string
	SizeBand string
	Vertical string
}

// CohortKeys returns every cohort the fingerprint belongs to. The global
// cohort is always included; each populated dimension adds one more key.
// Membership is a fan-out, not a partition: a tenant contributes to all of
// its cohorts simultaneously.
func CohortKeys(fp *Fingerprint) []string {
	keys := []string{CohortGlobal}
	if fp.Region != "" {
		keys = append(keys, CohortPrefixRegion+":"+fp.Region)
	}
	if fp.SizeBand != "" {
		keys = append(keys, CohortPrefixSize+":"+fp.SizeBand)
	}
	if fp.Vertical != "" {
		keys = append(keys, CohortPrefixVertical+":"+fp.Vertical)
	}
	return keys
}

// Store defines persistence for fingerprints, keyed by tenant hash.
type Store interface {
	// Upsert inserts the fingerprint or updates its cohort fields.
	// Populated stored fields are never overwritten with empty values.
	Upsert(ctx context.Context, fp *Fingerprint) error

	// Get returns the fingerprint for the hash, or nil when absent.
	Get(ctx context.Context, tenantHash string) (*Fingerprint, error)

	// GetBatch returns the fingerprints for the given hashes, keyed by hash.
	// Missing hashes are simply absent from the result.
	GetBatch(ctx context.Context, tenantHashes []string) (map[string]*Fingerprint, error)
}

// Service combines hashing and fingerprint persistence.
type Service struct {
	hasher *Hasher
	store  Store
}

// NewService creates a fingerprint service.
func NewService(hasher *Hasher, store Store) *Service {
	return &Service{hasher: hasher, store: store}
}

// Hash returns the tenant hash for the given tenant identifier.
func (s *Service) Hash(tenantID string) string {
	return s.hasher.Hash(tenantID)
}

// GetOrCreate resolves the fingerprint for a tenant, creating it on first
// contact. Newly supplied cohort hints fill in empty fields; absent hints
// never clear populated ones. The raw tenant identifier is hashed here and
// does not travel further.
func (s *Service) GetOrCreate(ctx context.Context, tenantID string, hints CohortHints) (*Fingerprint, error) {
	fp := &Fingerprint{
		TenantHash:      s.hasher.Hash(tenantID),
		HashSaltVersion: s.hasher.SaltVersion(),
		Region:          hints.Region,
		SizeBand:        hints.SizeBand,
		Vertical:        hints.Vertical,
	}
	if err := s.store.Upsert(ctx, fp); err != nil {
		return nil, fmt.Errorf("upserting fingerprint: %w", err)
	}
	stored, err := s.store.Get(ctx, fp.TenantHash)
	if err != nil {
		return nil, fmt.Errorf("loading fingerprint: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("fingerprint missing after upsert")
	}
	return stored, nil
}
