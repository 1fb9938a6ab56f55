package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbench/peerbench/pkg/fingerprint"
	"github.com/peerbench/peerbench/pkg/telemetry"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

// fakePoints serves a fixed point set for any window.
type fakePoints struct {
	points []telemetry.Point
	err    error
}

func (f *fakePoints) UpsertPoints(context.Context, []telemetry.Point) error { return nil }

func (f *fakePoints) LoadWindow(_ context.Context, start, end time.Time) ([]telemetry.Point, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []telemetry.Point
	for _, p := range f.points {
		if !p.BucketStart.Before(start) && p.BucketStart.Before(end) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePoints) DeleteOlderThan(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

// fakeFingerprints serves fingerprints by hash.
type fakeFingerprints struct {
	fps map[string]*fingerprint.Fingerprint
}

func (f *fakeFingerprints) Upsert(context.Context, *fingerprint.Fingerprint) error { return nil }

func (f *fakeFingerprints) Get(_ context.Context, hash string) (*fingerprint.Fingerprint, error) {
	return f.fps[hash], nil
}

func (f *fakeFingerprints) GetBatch(_ context.Context, hashes []string) (map[string]*fingerprint.Fingerprint, error) {
	out := make(map[string]*fingerprint.Fingerprint)
	for _, h := range hashes {
		if fp, ok := f.fps[h]; ok {
			out[h] = fp
		}
	}
	return out, nil
}

// captureStore records upserted aggregate rows.
type captureStore struct {
	rows []Aggregate
	err  error
}

func (c *captureStore) UpsertAggregates(_ context.Context, aggs []Aggregate) error {
	if c.err != nil {
		return c.err
	}
	c.rows = append(c.rows, aggs...)
	return nil
}

func point(hash string, hour int, family telemetry.MetricFamily, key string, value float64) telemetry.Point {
	return telemetry.Point{
		TenantHash:   hash,
		BucketStart:  day.Add(time.Duration(hour) * time.Hour),
		MetricFamily: family,
		MetricKey:    key,
		Value:        value,
	}
}

func fp(hash, region, sizeBand string) *fingerprint.Fingerprint {
	return &fingerprint.Fingerprint{TenantHash: hash, Region: region, SizeBand: sizeBand}
}

func findRow(t *testing.T, rows []Aggregate, cohortKey, metricKey string) Aggregate {
	t.Helper()
	for _, r := range rows {
		if r.CohortKey == cohortKey && r.MetricKey == metricKey {
			return r
		}
	}
	t.Fatalf("no row for cohort %q metric %q", cohortKey, metricKey)
	return Aggregate{}
}

func TestPipelineRun_FansOutCohorts(t *testing.T) {
	points := &fakePoints{points: []telemetry.Point{
		point("hash-a", 9, telemetry.FamilyAlerts, telemetry.KeyAlertsTotal, 10),
		point("hash-b", 9, telemetry.FamilyAlerts, telemetry.KeyAlertsTotal, 20),
		point("hash-c", 9, telemetry.FamilyAlerts, telemetry.KeyAlertsTotal, 30),
	}}
	fps := &fakeFingerprints{fps: map[string]*fingerprint.Fingerprint{
		"hash-a": fp("hash-a", "apac", ""),
		"hash-b": fp("hash-b", "apac", ""),
		"hash-c": fp("hash-c", "emea", ""),
	}}
	store := &captureStore{}

	summary, err := NewPipeline(points, fps, store, nil).Run(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.PointsLoaded)
	assert.Equal(t, 3, summary.TenantsSeen)
	assert.Equal(t, 3, summary.RowsUpserted)

	global := findRow(t, store.rows, fingerprint.CohortGlobal, telemetry.KeyAlertsTotal)
	assert.Equal(t, 3, global.SampleSize)
	assert.InDelta(t, 20.0, global.Stats.Mean, 1e-9)

	apac := findRow(t, store.rows, "region:apac", telemetry.KeyAlertsTotal)
	assert.Equal(t, 2, apac.SampleSize)
	assert.InDelta(t, 15.0, apac.Stats.P50, 1e-9)

	emea := findRow(t, store.rows, "region:emea", telemetry.KeyAlertsTotal)
	assert.Equal(t, 1, emea.SampleSize)
}

// A tenant contributing several hourly points counts once toward sample size,
// while each point still contributes a value.
func TestPipelineRun_SampleSizeCountsDistinctTenants(t *testing.T) {
	points := &fakePoints{points: []telemetry.Point{
		point("hash-a", 1, telemetry.FamilyPerf, telemetry.KeyPerfP95MS, 100),
		point("hash-a", 2, telemetry.FamilyPerf, telemetry.KeyPerfP95MS, 200),
		point("hash-a", 3, telemetry.FamilyPerf, telemetry.KeyPerfP95MS, 300),
		point("hash-b", 1, telemetry.FamilyPerf, telemetry.KeyPerfP95MS, 400),
	}}
	fps := &fakeFingerprints{fps: map[string]*fingerprint.Fingerprint{
		"hash-a": fp("hash-a", "", ""),
		"hash-b": fp("hash-b", "", ""),
	}}
	store := &captureStore{}

	_, err := NewPipeline(points, fps, store, nil).Run(context.Background(), day)
	require.NoError(t, err)

	row := findRow(t, store.rows, fingerprint.CohortGlobal, telemetry.KeyPerfP95MS)
	assert.Equal(t, 2, row.SampleSize)
	assert.InDelta(t, 250.0, row.Stats.Mean, 1e-9)
}

func TestPipelineRun_SkipsPointsOutsideDay(t *testing.T) {
	points := &fakePoints{points: []telemetry.Point{
		point("hash-a", -1, telemetry.FamilyAlerts, telemetry.KeyAlertsTotal, 1),
		point("hash-a", 5, telemetry.FamilyAlerts, telemetry.KeyAlertsTotal, 2),
		point("hash-a", 24, telemetry.FamilyAlerts, telemetry.KeyAlertsTotal, 3),
	}}
	fps := &fakeFingerprints{fps: map[string]*fingerprint.Fingerprint{
		"hash-a": fp("hash-a", "", ""),
	}}
	store := &captureStore{}

	summary, err := NewPipeline(points, fps, store, nil).Run(context.Background(), day)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.PointsLoaded)
	row := findRow(t, store.rows, fingerprint.CohortGlobal, telemetry.KeyAlertsTotal)
	assert.InDelta(t, 2.0, row.Stats.Mean, 1e-9)
}

func TestPipelineRun_EmptyDay(t *testing.T) {
	store := &captureStore{}
	summary, err := NewPipeline(&fakePoints{}, &fakeFingerprints{}, store, nil).Run(context.Background(), day)
	require.NoError(t, err)

	assert.Zero(t, summary.PointsLoaded)
	assert.Zero(t, summary.RowsUpserted)
	assert.Empty(t, store.rows)
}

func TestPipelineRun_SkipsPointsWithoutFingerprint(t *testing.T) {
	points := &fakePoints{points: []telemetry.Point{
		point("hash-known", 3, telemetry.FamilyQA, telemetry.KeyQADrillsCompleted, 12),
		point("hash-orphan", 3, telemetry.FamilyQA, telemetry.KeyQADrillsCompleted, 3),
	}}
	fps := &fakeFingerprints{fps: map[string]*fingerprint.Fingerprint{
		"hash-known": fp("hash-known", "", ""),
	}}
	store := &captureStore{}

	_, err := NewPipeline(points, fps, store, nil).Run(context.Background(), day)
	require.NoError(t, err)

	row := findRow(t, store.rows, fingerprint.CohortGlobal, telemetry.KeyQADrillsCompleted)
	assert.Equal(t, 1, row.SampleSize)
	assert.InDelta(t, 12.0, row.Stats.Mean, 1e-9)
}

func TestPipelineRun_NormalizesDateToMidnight(t *testing.T) {
	points := &fakePoints{points: []telemetry.Point{
		point("hash-a", 12, telemetry.FamilyAlerts, telemetry.KeyAlertsTotal, 1),
	}}
	fps := &fakeFingerprints{fps: map[string]*fingerprint.Fingerprint{
		"hash-a": fp("hash-a", "", ""),
	}}
	store := &captureStore{}

	noon := day.Add(12*time.Hour + 34*time.Minute)
	summary, err := NewPipeline(points, fps, store, nil).Run(context.Background(), noon)
	require.NoError(t, err)

	assert.Equal(t, day, summary.Date)
	require.NotEmpty(t, store.rows)
	assert.Equal(t, day, store.rows[0].BucketDate)
}

func TestPipelineRun_LoadFailure(t *testing.T) {
	points := &fakePoints{err: errors.New("db down")}
	_, err := NewPipeline(points, &fakeFingerprints{}, &captureStore{}, nil).Run(context.Background(), day)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading hourly points")
}

func TestPipelineRun_UpsertFailure(t *testing.T) {
	points := &fakePoints{points: []telemetry.Point{
		point("hash-a", 0, telemetry.FamilyAlerts, telemetry.KeyAlertsTotal, 1),
	}}
	fps := &fakeFingerprints{fps: map[string]*fingerprint.Fingerprint{
		"hash-a": fp("hash-a", "", ""),
	}}
	store := &captureStore{err: errors.New("write refused")}

	_, err := NewPipeline(points, fps, store, nil).Run(context.Background(), day)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writing daily aggregates")
}
