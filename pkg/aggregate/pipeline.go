package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/peerbench/peerbench/pkg/fingerprint"
	"github.com/peerbench/peerbench/pkg/telemetry"
)

// Store defines persistence for daily aggregates.
type Store interface {
	// UpsertAggregates writes rows keyed by (bucket_date, cohort_key,
	// metric_family, metric_key), fully overwriting prior values.
	UpsertAggregates(ctx context.Context, aggs []Aggregate) error
}

// RunSummary reports the outcome of one daily aggregation pass.
type RunSummary struct {
	RunID          string
	Date           time.Time
	PointsLoaded   int
	TenantsSeen    int
	GroupsComputed int
	GroupsFailed   int
	RowsUpserted   int
}

// Pipeline recomputes daily aggregates from hourly telemetry points.
// Recomputation is a pure function of the day's points, so re-running a
// date after late-arriving ingestion safely corrects published aggregates.
type Pipeline struct {
	points       telemetry.Store
	fingerprints fingerprint.Store
	aggregates   Store
	logger       *slog.Logger
}

// NewPipeline creates a daily aggregation pipeline.
func NewPipeline(points telemetry.Store, fps fingerprint.Store, aggs Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		points:       points,
		fingerprints: fps,
		aggregates:   aggs,
		logger:       logger,
	}
}

// groupKey identifies one (cohort, family, key) aggregate group.
type groupKey struct {
	cohortKey string
	family    string
	key       string
}

// group accumulates values and distinct tenants for one aggregate group.
type group struct {
	values  []float64
	tenants map[string]struct{}
}

// Run recomputes all aggregates for the date containing day. It loads the
// complete set of hourly points for the day before computing any statistic,
// fans each tenant out into every cohort it belongs to, and upserts one row
// per non-empty group. Per-group compute failures are skipped with a
// warning; other groups proceed.
func (p *Pipeline) Run(ctx context.Context, day time.Time) (*RunSummary, error) {
	window := telemetry.DayWindow(day)
	summary := &RunSummary{
		RunID: uuid.NewString(),
		Date:  window.Start,
	}
	log := p.logger.With("run_id", summary.RunID, "date", window.Start.Format("2006-01-02"))

	points, err := p.points.LoadWindow(ctx, window.Start, window.End)
	if err != nil {
		return summary, fmt.Errorf("loading hourly points: %w", err)
	}
	summary.PointsLoaded = len(points)
	if len(points) == 0 {
		log.Info("aggregation run complete", "points", 0, "rows", 0)
		return summary, nil
	}

	cohorts, err := p.resolveCohorts(ctx, points)
	if err != nil {
		return summary, err
	}
	summary.TenantsSeen = len(cohorts)

	groups := make(map[groupKey]*group)
	for _, pt := range points {
		keys, ok := cohorts[pt.TenantHash]
		if !ok {
			// A point without a fingerprint cannot be placed in any
			// cohort, the global one included. Should not happen since
			// ingestion creates fingerprints first.
			log.Warn("point has no fingerprint, skipping",
				"tenant_hash", pt.TenantHash)
			continue
		}
		for _, cohortKey := range keys {
			gk := groupKey{
				cohortKey: cohortKey,
				family:    string(pt.MetricFamily),
				key:       pt.MetricKey,
			}
			g, ok := groups[gk]
			if !ok {
				g = &group{tenants: make(map[string]struct{})}
				groups[gk] = g
			}
			g.values = append(g.values, pt.Value)
			g.tenants[pt.TenantHash] = struct{}{}
		}
	}

	computedAt := time.Now().UTC()
	rows := make([]Aggregate, 0, len(groups))
	for gk, g := range groups {
		stats, err := Compute(g.values)
		if err != nil {
			summary.GroupsFailed++
			log.Warn("aggregate group computation failed",
				"cohort_key", gk.cohortKey,
				"metric_family", gk.family,
				"metric_key", gk.key,
				"error", err)
			continue
		}
		summary.GroupsComputed++
		rows = append(rows, Aggregate{
			BucketDate:   window.Start,
			CohortKey:    gk.cohortKey,
			MetricFamily: gk.family,
			MetricKey:    gk.key,
			Stats:        stats,
			SampleSize:   len(g.tenants),
			ComputedAt:   computedAt,
		})
	}

	// Deterministic write order keeps overlapping recomputations from
	// deadlocking on row locks.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CohortKey != rows[j].CohortKey {
			return rows[i].CohortKey < rows[j].CohortKey
		}
		if rows[i].MetricFamily != rows[j].MetricFamily {
			return rows[i].MetricFamily < rows[j].MetricFamily
		}
		return rows[i].MetricKey < rows[j].MetricKey
	})

	if err := p.aggregates.UpsertAggregates(ctx, rows); err != nil {
		return summary, fmt.Errorf("writing daily aggregates: %w", err)
	}
	summary.RowsUpserted = len(rows)

	log.Info("aggregation run complete",
		"points", summary.PointsLoaded,
		"tenants", summary.TenantsSeen,
		"groups", summary.GroupsComputed,
		"failed_groups", summary.GroupsFailed,
		"rows", summary.RowsUpserted)

	return summary, nil
}

// resolveCohorts batch-loads fingerprints for every distinct tenant hash in
// the points and returns each hash's cohort key set.
func (p *Pipeline) resolveCohorts(ctx context.Context, points []telemetry.Point) (map[string][]string, error) {
	seen := make(map[string]struct{})
	hashes := make([]string, 0)
	for i := range points {
		h := points[i].TenantHash
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}

	fps, err := p.fingerprints.GetBatch(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("resolving fingerprints: %w", err)
	}

	cohorts := make(map[string][]string, len(fps))
	for hash, fp := range fps {
		cohorts[hash] = fingerprint.CohortKeys(fp)
	}
	return cohorts, nil
}
