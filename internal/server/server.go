// Package server wires the benchmark query API and health endpoints into
// an HTTP server.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/peerbench/peerbench/pkg/bench"
	"github.com/peerbench/peerbench/pkg/health"
)

// Version is set at build time.
var Version = "dev"

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Server is the benchmark query HTTP server.
type Server struct {
	httpServer *http.Server
	checker    *health.Checker
	logger     *slog.Logger
}

// New creates a Server exposing the benchmark handler plus liveness and
// readiness probes on addr. The readiness probe pings db.
func New(addr string, benchHandler *bench.Handler, db *sql.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	checker := health.NewChecker()
	if db != nil {
		checker.AddCheck("database", db.PingContext)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", checker.LivenessHandler())
	mux.HandleFunc("GET /readyz", checker.ReadinessHandler())
	mux.Handle("/api/v1/benchmarks", benchHandler)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
		},
		checker: checker,
		logger:  logger,
	}
}

// Run serves HTTP until ctx is cancelled, then drains and shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("benchmark query server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.checker.SetReady()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.checker.SetDraining()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
