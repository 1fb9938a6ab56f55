// Package main provides the entry point for the peerbench jobs and server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/peerbench/peerbench/internal/server"
	"github.com/peerbench/peerbench/pkg/aggregate"
	aggregatepg "github.com/peerbench/peerbench/pkg/aggregate/postgres"
	"github.com/peerbench/peerbench/pkg/bench"
	"github.com/peerbench/peerbench/pkg/database/migrate"
	"github.com/peerbench/peerbench/pkg/fingerprint"
	fingerprintpg "github.com/peerbench/peerbench/pkg/fingerprint/postgres"
	"github.com/peerbench/peerbench/pkg/ingest"
	"github.com/peerbench/peerbench/pkg/platform"
	"github.com/peerbench/peerbench/pkg/retention"
	telemetrypg "github.com/peerbench/peerbench/pkg/telemetry/postgres"
)

const usage = `Usage: peerbench -config <path> <command>

Commands:
  migrate                 apply database migrations
  ingest    -feed <path> [-hours N]   ingest telemetry for active tenants
  aggregate [-date YYYY-MM-DD]        recompute daily aggregates
  cleanup                 purge aged telemetry and aggregates
  serve                   run the benchmark query server
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func openDatabase(cfg platform.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

func run() error {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if showVersion {
		fmt.Printf("peerbench version %s\n", server.Version)
		return nil
	}

	command := flag.Arg(0)
	if command == "" {
		flag.Usage()
		return fmt.Errorf("no command given")
	}
	if configPath == "" {
		return fmt.Errorf("-config is required")
	}

	cfg, err := platform.LoadConfig(configPath)
	if err != nil {
		return err
	}
	// Configuration errors are fatal: no command runs with a missing or
	// invalid hashing secret.
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx := setupSignalHandler()

	switch command {
	case "migrate":
		return migrate.Run(db)
	case "ingest":
		return runIngest(ctx, cfg, db, logger, flag.Args()[1:])
	case "aggregate":
		return runAggregate(ctx, cfg, db, logger, flag.Args()[1:])
	case "cleanup":
		return runCleanup(ctx, cfg, db, logger)
	case "serve":
		return runServe(ctx, cfg, db, logger)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runIngest(ctx context.Context, cfg *platform.Config, db *sql.DB, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	feedPath := fs.String("feed", "", "Path to extraction feed file")
	hoursBack := fs.Int("hours", 1, "Trailing hour buckets to ingest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *feedPath == "" {
		return fmt.Errorf("ingest: -feed is required")
	}

	feed, err := ingest.LoadFeed(*feedPath)
	if err != nil {
		return err
	}

	hasher, err := fingerprint.NewHasher([]byte(cfg.Hashing.Secret), cfg.Hashing.SaltVersion)
	if err != nil {
		return err
	}
	fps := fingerprint.NewService(hasher, fingerprintpg.New(db))

	orchestrator := ingest.New(fps, feed, telemetrypg.New(db), feed, ingest.Config{
		TenantTimeout: cfg.Ingestion.TenantTimeout,
		Logger:        logger,
	})

	summary, err := orchestrator.IngestAll(ctx, *hoursBack)
	if err != nil {
		return err
	}
	if summary.TenantsFailed > 0 {
		logger.Warn("ingestion finished with isolated tenant failures",
			"failed", summary.TenantsFailed,
			"processed", summary.TenantsProcessed)
	}
	return nil
}

func runAggregate(ctx context.Context, cfg *platform.Config, db *sql.DB, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	dateStr := fs.String("date", "", "Date to aggregate (YYYY-MM-DD, default: yesterday)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	day := time.Now().UTC().AddDate(0, 0, -1)
	if *dateStr != "" {
		parsed, err := time.ParseInLocation("2006-01-02", *dateStr, time.UTC)
		if err != nil {
			return fmt.Errorf("aggregate: invalid -date: %w", err)
		}
		day = parsed
	}

	pipeline := aggregate.NewPipeline(
		telemetrypg.New(db),
		fingerprintpg.New(db),
		aggregatepg.New(db),
		logger,
	)

	runCtx, cancel := context.WithTimeout(ctx, cfg.Aggregation.RunTimeout)
	defer cancel()

	_, err := pipeline.Run(runCtx, day)
	return err
}

func runCleanup(ctx context.Context, cfg *platform.Config, db *sql.DB, logger *slog.Logger) error {
	runner := retention.NewRunner(telemetrypg.New(db), aggregatepg.New(db), retention.Config{
		HourlyRetention: cfg.Retention.HourlyRetention,
		DailyRetention:  cfg.Retention.DailyRetention,
		Logger:          logger,
	})
	_, err := runner.Run(ctx)
	return err
}

func runServe(ctx context.Context, cfg *platform.Config, db *sql.DB, logger *slog.Logger) error {
	store := aggregatepg.New(db)

	service := bench.NewService(store, cfg.Bench.MinSampleSize)
	handler := bench.NewHandler(service, logger)

	runner := retention.NewRunner(telemetrypg.New(db), store, retention.Config{
		HourlyRetention: cfg.Retention.HourlyRetention,
		DailyRetention:  cfg.Retention.DailyRetention,
		Logger:          logger,
	})
	runner.StartRoutine(cfg.Retention.Interval)
	defer func() { _ = runner.Close() }()

	srv := server.New(cfg.Server.Address, handler, db, logger)
	return srv.Run(ctx)
}
