// Package postgres provides PostgreSQL storage for tenant fingerprints.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/peerbench/peerbench/pkg/fingerprint"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// fingerprintColumns lists columns returned by fingerprint SELECT queries.
var fingerprintColumns = []string{
	"tenant_hash", "hash_salt_version", "region", "size_band", "vertical",
	"metadata", "created_at", "updated_at",
}

// Store implements fingerprint.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL fingerprint store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts the fingerprint or updates its cohort fields. Empty hint
// values never overwrite populated stored values; the salt version and
// updated_at always follow the latest write.
func (s *Store) Upsert(ctx context.Context, fp *fingerprint.Fingerprint) error {
	meta, err := json.Marshal(fp.Metadata)
	if err != nil || fp.Metadata == nil {
		meta = []byte("{}")
	}

	query := `
		INSERT INTO fingerprints (tenant_hash, hash_salt_version, region, size_band, vertical, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (tenant_hash) DO UPDATE SET
			hash_salt_version = EXCLUDED.hash_salt_version,
			region = COALESCE(NULLIF(EXCLUDED.region, ''), fingerprints.region),
			size_band = COALESCE(NULLIF(EXCLUDED.size_band, ''), fingerprints.size_band),
			vertical = COALESCE(NULLIF(EXCLUDED.vertical, ''), fingerprints.vertical),
			metadata = fingerprints.metadata || EXCLUDED.metadata,
			updated_at = now()
	`

	_, err = s.db.ExecContext(ctx, query,
		fp.TenantHash,
		fp.HashSaltVersion,
		fp.Region,
		fp.SizeBand,
		fp.Vertical,
		meta,
	)
	if err != nil {
		return fmt.Errorf("upserting fingerprint: %w", err)
	}

	return nil
}

// Get returns the fingerprint for the hash, or nil if it does not exist.
// It returns an error only for database failures, not for missing rows.
func (s *Store) Get(ctx context.Context, tenantHash string) (*fingerprint.Fingerprint, error) {
	query, args, err := psq.Select(fingerprintColumns...).
		From("fingerprints").
		Where(sq.Eq{"tenant_hash": tenantHash}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building fingerprint query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fingerprint: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating fingerprint rows: %w", err)
		}
		return nil, nil
	}
	fp, err := scanFingerprint(rows)
	if err != nil {
		return nil, err
	}
	return fp, rows.Err()
}

// GetBatch returns the fingerprints for the given hashes, keyed by hash.
func (s *Store) GetBatch(ctx context.Context, tenantHashes []string) (map[string]*fingerprint.Fingerprint, error) {
	out := make(map[string]*fingerprint.Fingerprint, len(tenantHashes))
	if len(tenantHashes) == 0 {
		return out, nil
	}

	query, args, err := psq.Select(fingerprintColumns...).
		From("fingerprints").
		Where(sq.Eq{"tenant_hash": tenantHashes}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building fingerprint batch query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fingerprints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, err
		}
		out[fp.TenantHash] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fingerprint rows: %w", err)
	}

	return out, nil
}

func scanFingerprint(rows *sql.Rows) (*fingerprint.Fingerprint, error) {
	var fp fingerprint.Fingerprint
	var meta []byte

	err := rows.Scan(
		&fp.TenantHash,
		&fp.HashSaltVersion,
		&fp.Region,
		&fp.SizeBand,
		&fp.Vertical,
		&meta,
		&fp.CreatedAt,
		&fp.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning fingerprint row: %w", err)
	}

	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &fp.Metadata)
	}

	return &fp, nil
}
