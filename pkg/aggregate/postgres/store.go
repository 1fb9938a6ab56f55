// Package postgres provides PostgreSQL storage for daily benchmark
// aggregates.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/peerbench/peerbench/pkg/aggregate"
)

// defaultDeleteBatchSize bounds retention deletes on the aggregates table.
const defaultDeleteBatchSize = 5000

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// aggregateColumns lists columns returned by aggregate SELECT queries.
var aggregateColumns = []string{
	"bucket_date", "cohort_key", "metric_family", "metric_key",
	"p50", "p75", "p90", "p95", "p99", "mean", "stddev",
	"sample_size", "computed_at",
}

// Store implements aggregate.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL aggregate store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertAggregates writes rows keyed by (bucket_date, cohort_key,
// metric_family, metric_key), fully overwriting prior values so
// recomputation for a date is always safe.
func (s *Store) UpsertAggregates(ctx context.Context, aggs []aggregate.Aggregate) error {
	query := `
		INSERT INTO daily_aggregates (bucket_date, cohort_key, metric_family, metric_key, p50, p75, p90, p95, p99, mean, stddev, sample_size, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (bucket_date, cohort_key, metric_family, metric_key) DO UPDATE SET
			p50 = EXCLUDED.p50,
			p75 = EXCLUDED.p75,
			p90 = EXCLUDED.p90,
			p95 = EXCLUDED.p95,
			p99 = EXCLUDED.p99,
			mean = EXCLUDED.mean,
			stddev = EXCLUDED.stddev,
			sample_size = EXCLUDED.sample_size,
			computed_at = EXCLUDED.computed_at
	`

	for i := range aggs {
		a := &aggs[i]
		_, err := s.db.ExecContext(ctx, query,
			a.BucketDate.UTC(),
			a.CohortKey,
			a.MetricFamily,
			a.MetricKey,
			a.Stats.P50,
			a.Stats.P75,
			a.Stats.P90,
			a.Stats.P95,
			a.Stats.P99,
			a.Stats.Mean,
			a.Stats.StdDev,
			a.SampleSize,
			a.ComputedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upserting daily aggregate: %w", err)
		}
	}

	return nil
}

// applyListFilter adds the shared filter conditions to a SELECT builder.
func applyListFilter(qb sq.SelectBuilder, filter aggregate.ListFilter) sq.SelectBuilder {
	qb = qb.Where(sq.Eq{"cohort_key": filter.CohortKey}).
		Where(sq.GtOrEq{"bucket_date": filter.StartDate.UTC()}).
		Where(sq.LtOrEq{"bucket_date": filter.EndDate.UTC()})
	if filter.MetricFamily != "" {
		qb = qb.Where(sq.Eq{"metric_family": filter.MetricFamily})
	}
	if filter.MetricKey != "" {
		qb = qb.Where(sq.Eq{"metric_key": filter.MetricKey})
	}
	return qb
}

// List returns aggregate rows matching the filter with sample_size at or
// above the anonymity floor, ordered by the uniqueness key for stable
// keyset pagination.
func (s *Store) List(ctx context.Context, filter aggregate.ListFilter) ([]aggregate.Aggregate, error) {
	qb := applyListFilter(psq.Select(aggregateColumns...).From("daily_aggregates"), filter).
		Where(sq.GtOrEq{"sample_size": filter.MinSampleSize}).
		OrderBy("bucket_date", "cohort_key", "metric_family", "metric_key")
	if filter.After != nil {
		qb = qb.Where(sq.Expr(
			"(bucket_date, cohort_key, metric_family, metric_key) > (?, ?, ?, ?)",
			filter.After.BucketDate.UTC(),
			filter.After.CohortKey,
			filter.After.MetricFamily,
			filter.After.MetricKey,
		))
	}
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building aggregate list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying daily aggregates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var aggs []aggregate.Aggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating daily aggregate rows: %w", err)
	}

	return aggs, nil
}

// CountRedacted returns how many rows match the filter but fall below the
// anonymity floor across the whole date range. Callers learn that
// suppression occurred without learning anything about the suppressed
// values.
func (s *Store) CountRedacted(ctx context.Context, filter aggregate.ListFilter) (int, error) {
	qb := applyListFilter(psq.Select("COUNT(*)").From("daily_aggregates"), filter).
		Where(sq.Lt{"sample_size": filter.MinSampleSize})

	query, args, err := qb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building redacted count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting redacted aggregates: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes aggregates with bucket_date before cutoff in
// batches, returning the total number of rows deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultDeleteBatchSize
	}

	query := `
		DELETE FROM daily_aggregates
		WHERE ctid IN (
			SELECT ctid FROM daily_aggregates
			WHERE bucket_date < $1
			LIMIT $2
		)
	`

	var total int64
	for {
		res, err := s.db.ExecContext(ctx, query, cutoff.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("deleting daily aggregates: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("counting deleted daily aggregates: %w", err)
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

func scanAggregate(rows *sql.Rows) (aggregate.Aggregate, error) {
	var a aggregate.Aggregate

	err := rows.Scan(
		&a.BucketDate,
		&a.CohortKey,
		&a.MetricFamily,
		&a.MetricKey,
		&a.Stats.P50,
		&a.Stats.P75,
		&a.Stats.P90,
		&a.Stats.P95,
		&a.Stats.P99,
		&a.Stats.Mean,
		&a.Stats.StdDev,
		&a.SampleSize,
		&a.ComputedAt,
	)
	if err != nil {
		return a, fmt.Errorf("scanning daily aggregate row: %w", err)
	}

	return a, nil
}
