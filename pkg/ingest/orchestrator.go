// Package ingest orchestrates idempotent hourly telemetry ingestion:
// fingerprint resolution, metric extraction, duplicate merging, and
// last-write-wins point upserts.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/peerbench/peerbench/pkg/fingerprint"
	"github.com/peerbench/peerbench/pkg/telemetry"
)

// defaultTenantTimeout bounds one per-tenant ingestion call. A timeout is a
// recoverable, isolated failure of that tenant, never a batch abort.
const defaultTenantTimeout = 2 * time.Minute

// Tenant identifies one tenant eligible for ingestion, with optional cohort
// hints. The ID exists only upstream of hashing.
type Tenant struct {
	ID    string
	Hints fingerprint.CohortHints
}

// TenantSource enumerates tenants eligible for bulk ingestion.
type TenantSource interface {
	ActiveTenants(ctx context.Context) ([]Tenant, error)
}

// TenantResult summarizes one successful per-tenant ingestion.
type TenantResult struct {
	TenantHash     string
	PointsIngested int
}

// TenantError records one isolated per-tenant failure. Only the tenant hash
// is carried; the raw identifier never appears in summaries or logs here.
type TenantError struct {
	TenantHash string
	Err        string
}

// RunSummary aggregates the outcome of one bulk ingestion run.
type RunSummary struct {
	RunID            string
	Window           telemetry.Window
	TenantsProcessed int
	TenantsFailed    int
	PointsIngested   int
	Errors           []TenantError
}

// Orchestrator drives telemetry ingestion for one or many tenants.
type Orchestrator struct {
	fingerprints  *fingerprint.Service
	extractor     telemetry.Extractor
	points        telemetry.Store
	tenants       TenantSource
	tenantTimeout time.Duration
	logger        *slog.Logger
}

// Config configures the ingestion orchestrator.
type Config struct {
	// TenantTimeout bounds each per-tenant ingestion call.
	TenantTimeout time.Duration
	Logger        *slog.Logger
}

// New creates an ingestion orchestrator.
func New(fps *fingerprint.Service, extractor telemetry.Extractor, points telemetry.Store, tenants TenantSource, cfg Config) *Orchestrator {
	if cfg.TenantTimeout <= 0 {
		cfg.TenantTimeout = defaultTenantTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		fingerprints:  fps,
		extractor:     extractor,
		points:        points,
		tenants:       tenants,
		tenantTimeout: cfg.TenantTimeout,
		logger:        cfg.Logger,
	}
}

// IngestForTenant ingests one tenant's metrics for the window. Extracted
// samples are defensively re-merged before writing, and every point is
// upserted on its composite key, so re-running an already-processed window
// reproduces identical stored state.
func (o *Orchestrator) IngestForTenant(ctx context.Context, tenantID string, window telemetry.Window, hints fingerprint.CohortHints) (TenantResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.tenantTimeout)
	defer cancel()

	fp, err := o.fingerprints.GetOrCreate(ctx, tenantID, hints)
	if err != nil {
		return TenantResult{}, fmt.Errorf("resolving fingerprint: %w", err)
	}
	result := TenantResult{TenantHash: fp.TenantHash}

	samples, err := o.extractor.Extract(ctx, tenantID, window)
	if err != nil {
		return result, fmt.Errorf("extracting metrics: %w", err)
	}

	// Extractors are required to pre-merge, but a buggy source must not be
	// able to break the idempotency key, so merge again here.
	merged := telemetry.MergeSamples(samples, window)
	if len(merged) == 0 {
		return result, nil
	}

	points := make([]telemetry.Point, 0, len(merged))
	for _, s := range merged {
		points = append(points, telemetry.Point{
			TenantHash:   fp.TenantHash,
			BucketStart:  s.ObservedAt,
			MetricFamily: s.MetricFamily,
			MetricKey:    s.MetricKey,
			Value:        s.Value,
			Unit:         s.Unit,
		})
	}

	if err := o.points.UpsertPoints(ctx, points); err != nil {
		return result, fmt.Errorf("writing telemetry points: %w", err)
	}

	result.PointsIngested = len(points)
	return result, nil
}

// IngestAll ingests the trailing hoursBack hour buckets for every active
// tenant. Per-tenant failures are isolated: the failing tenant is skipped,
// recorded in the summary, and the batch continues. Only tenant enumeration
// failure aborts the run.
func (o *Orchestrator) IngestAll(ctx context.Context, hoursBack int) (*RunSummary, error) {
	if hoursBack <= 0 {
		hoursBack = 1
	}

	end := telemetry.TruncateHour(time.Now())
	window := telemetry.Window{
		Start: end.Add(-time.Duration(hoursBack) * time.Hour),
		End:   end,
	}

	summary := &RunSummary{
		RunID:  uuid.NewString(),
		Window: window,
	}

	tenants, err := o.tenants.ActiveTenants(ctx)
	if err != nil {
		return summary, fmt.Errorf("enumerating active tenants: %w", err)
	}

	log := o.logger.With("run_id", summary.RunID)
	log.Info("ingestion run starting",
		"tenants", len(tenants),
		"window_start", window.Start,
		"window_end", window.End)

	for _, t := range tenants {
		result, err := o.IngestForTenant(ctx, t.ID, window, t.Hints)
		if err != nil {
			if result.TenantHash == "" {
				result.TenantHash = o.fingerprints.Hash(t.ID)
			}
			summary.TenantsFailed++
			summary.Errors = append(summary.Errors, TenantError{
				TenantHash: result.TenantHash,
				Err:        err.Error(),
			})
			log.Warn("tenant ingestion failed",
				"tenant_hash", result.TenantHash,
				"error", err)
			continue
		}
		summary.TenantsProcessed++
		summary.PointsIngested += result.PointsIngested
	}

	log.Info("ingestion run complete",
		"processed", summary.TenantsProcessed,
		"failed", summary.TenantsFailed,
		"points", summary.PointsIngested)

	return summary, nil
}
