// Package telemetry defines the hourly telemetry point model and the
// extraction boundary through which coarse per-tenant metrics enter the pool.
package telemetry

import (
	"context"
	"time"
)

// MetricFamily groups related metric keys and determines how duplicate
// observations within one hour are merged.
type MetricFamily string

const (
	// FamilyAlerts covers alert volume counts.
	FamilyAlerts MetricFamily = "alerts"

	// FamilyIncidents covers incident volume counts.
	FamilyIncidents MetricFamily = "incidents"

	// FamilyRisk covers score-like risk measurements.
	FamilyRisk MetricFamily = "risk"

	// FamilyQA covers quality-assurance activity counts.
	FamilyQA MetricFamily = "qa"

	// FamilyPerf covers performance latency measurements.
	FamilyPerf MetricFamily = "perf"
)

// Default metric catalog. The catalog is extensible: extractors may emit
// additional keys, and unknown families fall back to count semantics.
const (
	KeyAlertsTotal         = "alerts.total"
	KeyAlertsCritical      = "alerts.critical"
	KeyIncidentsTotal      = "incidents.total"
	KeyIncidentsCritical   = "incidents.critical"
	KeyRiskAvgScore        = "risk.avg_score"
	KeyQADrillsCompleted   = "qa.drills_completed"
	KeyQARegressionRuns    = "qa.regression_runs"
	KeyQACoverageSnapshots = "qa.coverage_snapshots"
	KeyPerfP95MS           = "perf.p95_ms"
)

// DefaultUnits maps catalog keys to their canonical units.
var DefaultUnits = map[string]string{
	KeyAlertsTotal:         "count",
	KeyAlertsCritical:      "count",
	KeyIncidentsTotal:      "count",
	KeyIncidentsCritical:   "count",
	KeyRiskAvgScore:        "score",
	KeyQADrillsCompleted:   "count",
	KeyQARegressionRuns:    "count",
	KeyQACoverageSnapshots: "count",
	KeyPerfP95MS:           "ms",
}

// Point is one hourly telemetry observation for one tenant hash.
// Points are unique per (TenantHash, BucketStart, MetricFamily, MetricKey);
// that composite key is the idempotency key for writes.
type Point struct {
	TenantHash   string
	BucketStart  time.Time // truncated to the hour, UTC
	MetricFamily MetricFamily
	MetricKey    string
	Value        float64
	Unit         string
	Metadata     map[string]any
}

// Sample is a raw extractor observation, not yet bucketed or merged.
type Sample struct {
	MetricFamily MetricFamily
	MetricKey    string
	Value        float64
	Unit         string
	ObservedAt   time.Time
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// TruncateHour truncates t to the top of its hour in UTC.
func TruncateHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// HourWindow returns the hour-long window containing t.
func HourWindow(t time.Time) Window {
	start := TruncateHour(t)
	return Window{Start: start, End: start.Add(time.Hour)}
}

// DayWindow returns the day-long window containing t.
func DayWindow(t time.Time) Window {
	start := t.UTC().Truncate(24 * time.Hour)
	return Window{Start: start, End: start.Add(24 * time.Hour)}
}

// Extractor is the collaborator boundary through which per-tenant metrics
// are pulled. Implementations must return only coarse aggregates (counts,
// rates, averages), never raw per-event records, names, or identifying
// detail.
type Extractor interface {
	Extract(ctx context.Context, tenantID string, window Window) ([]Sample, error)
}

// Store defines persistence for hourly telemetry points.
type Store interface {
	// UpsertPoints writes points keyed by (tenant_hash, bucket_start,
	// metric_family, metric_key), overwriting values on conflict.
	UpsertPoints(ctx context.Context, points []Point) error

	// LoadWindow returns all points with bucket_start in [start, end).
	LoadWindow(ctx context.Context, start, end time.Time) ([]Point, error)

	// DeleteOlderThan removes points with bucket_start before cutoff in
	// batches of at most batchSize rows, returning the number deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}
