// Package postgres provides PostgreSQL storage for hourly telemetry points.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/peerbench/peerbench/pkg/telemetry"
)

const (
	// defaultDeleteBatchSize bounds retention deletes so they never take
	// locks long enough to block concurrent ingestion or aggregation.
	defaultDeleteBatchSize = 5000

	// upsertRetryDelay is the pause before retrying a serialization failure.
	upsertRetryDelay = 100 * time.Millisecond
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// pointColumns lists columns returned by telemetry point SELECT queries.
var pointColumns = []string{
	"tenant_hash", "bucket_start", "metric_family", "metric_key",
	"value", "unit", "metadata",
}

// Store implements telemetry.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL telemetry point store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertPoints writes points keyed by the composite idempotency key,
// overwriting the value on conflict (last-write-wins). Serialization-class
// failures from overlapping runs are retried once; overlapping runs write
// identical rows, so retrying is always safe.
func (s *Store) UpsertPoints(ctx context.Context, points []telemetry.Point) error {
	query := `
		INSERT INTO telemetry_points (tenant_hash, bucket_start, metric_family, metric_key, value, unit, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (tenant_hash, bucket_start, metric_family, metric_key) DO UPDATE SET
			value = EXCLUDED.value,
			unit = EXCLUDED.unit,
			metadata = EXCLUDED.metadata,
			updated_at = now()
	`

	for i := range points {
		p := &points[i]
		meta, err := json.Marshal(p.Metadata)
		if err != nil || p.Metadata == nil {
			meta = []byte("{}")
		}

		args := []any{
			p.TenantHash,
			p.BucketStart.UTC(),
			string(p.MetricFamily),
			p.MetricKey,
			p.Value,
			p.Unit,
			meta,
		}

		_, err = s.db.ExecContext(ctx, query, args...)
		if err != nil && isSerializationFailure(err) {
			select {
			case <-time.After(upsertRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			_, err = s.db.ExecContext(ctx, query, args...)
		}
		if err != nil {
			return fmt.Errorf("upserting telemetry point: %w", err)
		}
	}

	return nil
}

// LoadWindow returns all points with bucket_start in [start, end), ordered
// by the composite key so aggregation input is deterministic.
func (s *Store) LoadWindow(ctx context.Context, start, end time.Time) ([]telemetry.Point, error) {
	query, args, err := psq.Select(pointColumns...).
		From("telemetry_points").
		Where(sq.GtOrEq{"bucket_start": start.UTC()}).
		Where(sq.Lt{"bucket_start": end.UTC()}).
		OrderBy("tenant_hash", "bucket_start", "metric_family", "metric_key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building telemetry window query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying telemetry points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var points []telemetry.Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating telemetry point rows: %w", err)
	}

	return points, nil
}

// DeleteOlderThan removes points with bucket_start before cutoff in batches,
// returning the total number of rows deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultDeleteBatchSize
	}

	query := `
		DELETE FROM telemetry_points
		WHERE ctid IN (
			SELECT ctid FROM telemetry_points
			WHERE bucket_start < $1
			LIMIT $2
		)
	`

	var total int64
	for {
		res, err := s.db.ExecContext(ctx, query, cutoff.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("deleting telemetry points: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("counting deleted telemetry points: %w", err)
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

func scanPoint(rows *sql.Rows) (telemetry.Point, error) {
	var p telemetry.Point
	var family string
	var meta []byte

	err := rows.Scan(
		&p.TenantHash,
		&p.BucketStart,
		&family,
		&p.MetricKey,
		&p.Value,
		&p.Unit,
		&meta,
	)
	if err != nil {
		return p, fmt.Errorf("scanning telemetry point row: %w", err)
	}

	p.MetricFamily = telemetry.MetricFamily(family)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &p.Metadata)
	}

	return p, nil
}

// isSerializationFailure reports whether err is a transaction-rollback class
// Postgres error (SQLSTATE 40xxx), the only store errors worth retrying.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code.Class() == "40"
}
