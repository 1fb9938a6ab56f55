package bench

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Handler exposes the benchmark query service over HTTP. The surface is
// read-only and carries no tenant-identifying data by construction, so no
// authorization applies; protection is input validation plus the anonymity
// floor.
type Handler struct {
	mux     *http.ServeMux
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a benchmark API handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		mux:     http.NewServeMux(),
		service: service,
		logger:  logger,
	}
	h.mux.HandleFunc("GET /api/v1/benchmarks", h.getBenchmarks)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// getBenchmarks handles GET /api/v1/benchmarks.
//
// @Summary      Query benchmark aggregates
// @Description  Returns anonymized daily benchmark statistics for a cohort. Rows below the anonymity floor are excluded and counted in redacted_count.
// @Tags         Benchmarks
// @Produce      json
// @Param        cohort_key       query  string  false  "Cohort key (default: global)"
// @Param        metric_family    query  string  false  "Metric family filter"
// @Param        metric_key       query  string  false  "Metric key filter"
// @Param        start_date       query  string  false  "Start date (YYYY-MM-DD, default: 30 days back)"
// @Param        end_date         query  string  false  "End date (YYYY-MM-DD, default: today)"
// @Param        min_sample_size  query  integer false  "Anonymity floor (default: 5)"
// @Param        limit            query  integer false  "Page size (default: 100, max: 1000)"
// @Param        cursor           query  string  false  "Opaque pagination cursor"
// @Success      200  {object}  Result
// @Failure      400  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/benchmarks [get]
func (h *Handler) getBenchmarks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	params := Params{
		CohortKey:    q.Get("cohort_key"),
		MetricFamily: q.Get("metric_family"),
		MetricKey:    q.Get("metric_key"),
		Cursor:       q.Get("cursor"),
	}

	var err error
	if params.StartDate, err = parseDateParam(q, "start_date"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_date: expected YYYY-MM-DD")
		return
	}
	if params.EndDate, err = parseDateParam(q, "end_date"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_date: expected YYYY-MM-DD")
		return
	}
	if params.MinSampleSize, err = parseIntParam(q, "min_sample_size"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid min_sample_size: expected integer")
		return
	}
	if params.Limit, err = parseIntParam(q, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: expected integer")
		return
	}

	result, err := h.service.Query(r.Context(), params)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		// Internal detail stays internal: log it, return a generic signal.
		h.logger.Error("benchmark query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query benchmarks")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// parseDateParam parses a YYYY-MM-DD query parameter; absent means zero.
func parseDateParam(q url.Values, name string) (time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation("2006-01-02", raw, time.UTC)
}

// parseIntParam parses an integer query parameter; absent means zero.
func parseIntParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
