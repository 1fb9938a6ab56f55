// Package retention purges aged hourly telemetry points and daily
// aggregates. Deletes run in bounded batches so they never block concurrent
// ingestion or aggregation.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultHourlyRetention keeps hourly points for 90 days.
	DefaultHourlyRetention = 2160 * time.Hour

	// DefaultDailyRetention keeps daily aggregates for 365 days.
	DefaultDailyRetention = 8760 * time.Hour

	// DefaultBatchSize bounds each delete statement.
	DefaultBatchSize = 5000
)

// PointDeleter deletes hourly telemetry points older than a cutoff.
type PointDeleter interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// AggregateDeleter deletes daily aggregates older than a cutoff.
type AggregateDeleter interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// Report summarizes one cleanup run.
type Report struct {
	HourlyDeleted int64
	DailyDeleted  int64
}

// Config tunes the retention runner. Zero values take the defaults.
// Fingerprints are never subject to automatic deletion.
type Config struct {
	HourlyRetention time.Duration
	DailyRetention  time.Duration
	BatchSize       int
	Logger          *slog.Logger
}

// Runner deletes aged rows from both stores on demand or on a schedule.
type Runner struct {
	points     PointDeleter
	aggregates AggregateDeleter
	cfg        Config
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewRunner creates a retention runner.
func NewRunner(points PointDeleter, aggregates AggregateDeleter, cfg Config) *Runner {
	if cfg.HourlyRetention <= 0 {
		cfg.HourlyRetention = DefaultHourlyRetention
	}
	if cfg.DailyRetention <= 0 {
		cfg.DailyRetention = DefaultDailyRetention
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{points: points, aggregates: aggregates, cfg: cfg}
}

// Run deletes aged hourly points and daily aggregates independently.
// A failure on one side does not abort the other; both errors are joined.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	now := time.Now().UTC()
	var report Report
	var errs []error

	n, err := r.points.DeleteOlderThan(ctx, now.Add(-r.cfg.HourlyRetention), r.cfg.BatchSize)
	report.HourlyDeleted = n
	if err != nil {
		errs = append(errs, fmt.Errorf("purging hourly points: %w", err))
	}

	n, err = r.aggregates.DeleteOlderThan(ctx, now.Add(-r.cfg.DailyRetention), r.cfg.BatchSize)
	report.DailyDeleted = n
	if err != nil {
		errs = append(errs, fmt.Errorf("purging daily aggregates: %w", err))
	}

	r.cfg.Logger.Info("retention run complete",
		"hourly_deleted", report.HourlyDeleted,
		"daily_deleted", report.DailyDeleted,
		"errors", len(errs))

	return report, errors.Join(errs...)
}

// StartRoutine starts a background goroutine that runs cleanup
// periodically. The goroutine is stopped when Close is called.
func (r *Runner) StartRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Run(ctx); err != nil {
					r.cfg.Logger.Warn("scheduled retention run failed", "error", err)
				}
			}
		}
	}()
}

// Close cancels the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartRoutine was never called.
func (r *Runner) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return nil
}
