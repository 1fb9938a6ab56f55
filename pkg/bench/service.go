// Package bench provides the read-only benchmark query service over daily
// aggregates, enforcing input validation and the k-anonymity floor at the
// query boundary.
package bench

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/peerbench/peerbench/pkg/aggregate"
	"github.com/peerbench/peerbench/pkg/fingerprint"
)

const (
	// DefaultMinSampleSize is the anonymity floor applied when the caller
	// does not supply one.
	DefaultMinSampleSize = 5

	// DefaultLimit is the page size applied when the caller does not
	// supply one.
	DefaultLimit = 100

	// MaxLimit caps the page size.
	MaxLimit = 1000

	// defaultWindowDays is the trailing date range applied when the
	// caller supplies no dates.
	defaultWindowDays = 30
)

// cohortKeyPattern matches dimension cohort keys like "region:apac".
var cohortKeyPattern = regexp.MustCompile(`^(region|size|vertical):[a-z0-9_-]+$`)

// metricNamePattern matches metric family and key values.
var metricNamePattern = regexp.MustCompile(`^[a-z0-9_.]+$`)

// ValidationError reports a rejected query parameter. Requests failing
// validation are rejected wholesale, never partially processed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Params are the benchmark query parameters after HTTP decoding, before
// normalization and validation.
type Params struct {
	CohortKey     string
	MetricFamily  string
	MetricKey     string
	StartDate     time.Time // zero = default
	EndDate       time.Time // zero = default
	MinSampleSize int       // 0 = default
	Limit         int       // 0 = default
	Cursor        string
}

// EffectiveFilters echoes the normalized parameters applied to a query.
type EffectiveFilters struct {
	CohortKey     string `json:"cohort_key"`
	MetricFamily  string `json:"metric_family,omitempty"`
	MetricKey     string `json:"metric_key,omitempty"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	MinSampleSize int    `json:"min_sample_size"`
	Limit         int    `json:"limit"`
}

// Percentiles carries the summary statistics of one benchmark row.
type Percentiles struct {
	P50    float64 `json:"p50"`
	P75    float64 `json:"p75"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Row is one disclosed benchmark aggregate. It contains no
// tenant-identifying field by construction.
type Row struct {
	Date         string      `json:"date"`
	CohortKey    string      `json:"cohort_key"`
	MetricFamily string      `json:"metric_family"`
	MetricKey    string      `json:"metric_key"`
	Percentiles  Percentiles `json:"percentiles"`
	SampleSize   int         `json:"sample_size"`
}

// Result is a benchmark query response page.
type Result struct {
	Rows          []Row            `json:"rows"`
	HasMore       bool             `json:"has_more"`
	NextCursor    string           `json:"next_cursor,omitempty"`
	Filters       EffectiveFilters `json:"filters"`
	RedactedCount int              `json:"redacted_count"`
}

// Service answers benchmark queries against the aggregate store.
type Service struct {
	querier      aggregate.Querier
	defaultFloor int
	now          func() time.Time // injectable for tests
}

// NewService creates a benchmark query service. defaultFloor overrides
// DefaultMinSampleSize when positive.
func NewService(querier aggregate.Querier, defaultFloor int) *Service {
	if defaultFloor <= 0 {
		defaultFloor = DefaultMinSampleSize
	}
	return &Service{
		querier:      querier,
		defaultFloor: defaultFloor,
		now:          time.Now,
	}
}

// normalize applies defaults and validates the parameters. All parameters
// are checked before any query executes.
func (s *Service) normalize(p Params) (Params, *aggregate.Key, error) {
	if p.CohortKey == "" {
		p.CohortKey = fingerprint.CohortGlobal
	}
	if p.CohortKey != fingerprint.CohortGlobal && !cohortKeyPattern.MatchString(p.CohortKey) {
		return p, nil, &ValidationError{Field: "cohort_key", Message: "must be \"global\" or \"<dimension>:<value>\""}
	}
	if p.MetricFamily != "" && !metricNamePattern.MatchString(p.MetricFamily) {
		return p, nil, &ValidationError{Field: "metric_family", Message: "malformed metric family"}
	}
	if p.MetricKey != "" && !metricNamePattern.MatchString(p.MetricKey) {
		return p, nil, &ValidationError{Field: "metric_key", Message: "malformed metric key"}
	}

	if p.EndDate.IsZero() {
		p.EndDate = s.now().UTC().Truncate(24 * time.Hour)
	}
	if p.StartDate.IsZero() {
		p.StartDate = p.EndDate.AddDate(0, 0, -defaultWindowDays)
	}
	if p.EndDate.Before(p.StartDate) {
		return p, nil, &ValidationError{Field: "date_range", Message: "end_date precedes start_date"}
	}

	if p.MinSampleSize == 0 {
		p.MinSampleSize = s.defaultFloor
	}
	if p.MinSampleSize < 1 {
		return p, nil, &ValidationError{Field: "min_sample_size", Message: "must be at least 1"}
	}

	if p.Limit == 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit < 1 || p.Limit > MaxLimit {
		return p, nil, &ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", MaxLimit)}
	}

	var after *aggregate.Key
	if p.Cursor != "" {
		key, err := decodeCursor(p.Cursor)
		if err != nil {
			return p, nil, &ValidationError{Field: "cursor", Message: "malformed cursor"}
		}
		after = key
	}

	return p, after, nil
}

// Query runs a validated benchmark query. Every candidate row is checked
// against the anonymity floor by the store; sub-floor rows are excluded
// entirely and surface only through RedactedCount.
func (s *Service) Query(ctx context.Context, params Params) (*Result, error) {
	p, after, err := s.normalize(params)
	if err != nil {
		return nil, err
	}

	filter := aggregate.ListFilter{
		CohortKey:     p.CohortKey,
		MetricFamily:  p.MetricFamily,
		MetricKey:     p.MetricKey,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
		MinSampleSize: p.MinSampleSize,
		Limit:         p.Limit + 1, // one extra row to detect another page
		After:         after,
	}

	aggs, err := s.querier.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing aggregates: %w", err)
	}

	redacted, err := s.querier.CountRedacted(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("counting redacted aggregates: %w", err)
	}

	result := &Result{
		Rows:          make([]Row, 0, min(len(aggs), p.Limit)),
		RedactedCount: redacted,
		Filters: EffectiveFilters{
			CohortKey:     p.CohortKey,
			MetricFamily:  p.MetricFamily,
			MetricKey:     p.MetricKey,
			StartDate:     p.StartDate.Format("2006-01-02"),
			EndDate:       p.EndDate.Format("2006-01-02"),
			MinSampleSize: p.MinSampleSize,
			Limit:         p.Limit,
		},
	}

	if len(aggs) > p.Limit {
		result.HasMore = true
		aggs = aggs[:p.Limit]
	}

	for i := range aggs {
		a := &aggs[i]
		result.Rows = append(result.Rows, Row{
			Date:         a.BucketDate.Format("2006-01-02"),
			CohortKey:    a.CohortKey,
			MetricFamily: a.MetricFamily,
			MetricKey:    a.MetricKey,
			Percentiles: Percentiles{
				P50:    a.Stats.P50,
				P75:    a.Stats.P75,
				P90:    a.Stats.P90,
				P95:    a.Stats.P95,
				P99:    a.Stats.P99,
				Mean:   a.Stats.Mean,
				StdDev: a.Stats.StdDev,
			},
			SampleSize: a.SampleSize,
		})
	}

	if result.HasMore && len(aggs) > 0 {
		last := &aggs[len(aggs)-1]
		result.NextCursor = encodeCursor(&aggregate.Key{
			BucketDate:   last.BucketDate,
			CohortKey:    last.CohortKey,
			MetricFamily: last.MetricFamily,
			MetricKey:    last.MetricKey,
		})
	}

	return result, nil
}

// encodeCursor serializes a keyset position as an opaque token.
func encodeCursor(key *aggregate.Key) string {
	b, _ := json.Marshal(key)
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeCursor parses an opaque cursor token back into a keyset position.
func decodeCursor(cursor string) (*aggregate.Key, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	var key aggregate.Key
	if err := json.Unmarshal(b, &key); err != nil {
		return nil, err
	}
	if key.CohortKey == "" || key.MetricFamily == "" || key.MetricKey == "" || key.BucketDate.IsZero() {
		return nil, fmt.Errorf("incomplete cursor")
	}
	return &key, nil
}
