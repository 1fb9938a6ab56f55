package aggregate

import (
	"context"
	"time"
)

// ListFilter selects daily aggregate rows for benchmark queries.
// Rows with sample_size below MinSampleSize are excluded from List and
// counted by CountRedacted, so the anonymity floor is enforced in one
// place for both the page and its redaction metadata.
type ListFilter struct {
	CohortKey     string
	MetricFamily  string // optional
	MetricKey     string // optional
	StartDate     time.Time
	EndDate       time.Time // inclusive
	MinSampleSize int
	Limit         int
	After         *Key // exclusive keyset cursor position
}

// Querier is the read side of the aggregate store, consumed by the
// benchmark query service.
type Querier interface {
	// List returns rows at or above the anonymity floor, ordered by the
	// uniqueness key.
	List(ctx context.Context, filter ListFilter) ([]Aggregate, error)

	// CountRedacted returns how many matching rows fall below the floor
	// across the whole date range.
	CountRedacted(ctx context.Context, filter ListFilter) (int, error)
}
