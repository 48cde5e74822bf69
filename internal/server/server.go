package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/pipeline"
)

// Assembler builds the borehole tables for a bounding box.
type Assembler interface {
	Assemble(ctx context.Context, bounds model.Bounds, maxExtent float64, samples model.SampleOptions) (*model.Result, error)
}

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

// CheckReadiness calls f.
func (f ReadinessFunc) CheckReadiness(ctx context.Context) error { return f(ctx) }

// Server exposes the query API plus health, readiness and metrics routes.
type Server struct {
	httpServer   *http.Server
	assembler    Assembler
	maxExtent    float64
	samples      model.SampleOptions
	queryTimeout time.Duration
	logger       *slog.Logger
}

// NewServer creates the HTTP server. samples holds the aggregation defaults
// a /v1/boreholes request may override.
func NewServer(cfg model.ServerConfig, maxExtent float64, samples model.SampleOptions, assembler Assembler, ready ReadinessChecker, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	s := &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		assembler:    assembler,
		maxExtent:    maxExtent,
		samples:      samples,
		queryTimeout: cfg.QueryTimeout,
		logger:       logger,
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", handleReady(ready))
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/boreholes", s.handleBoreholes)
		r.Get("/rockdepth", s.handleRockDepth)
	})

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) handleBoreholes(w http.ResponseWriter, r *http.Request) {
	bounds, err := model.ParseBounds(r.URL.Query().Get("bbox"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := s.samples
	for _, p := range []struct {
		name string
		dst  *bool
		def  bool
	}{
		{"samples", &opts.Include, false},
		{"aggregate", &opts.Aggregate, s.samples.Aggregate},
		{"map_layer_composition", &opts.MapLayerComposition, s.samples.MapLayerComposition},
	} {
		v, err := boolParam(r, p.name, p.def)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		*p.dst = v
	}

	result, err := s.assemble(r, bounds, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type rockDepthResponse struct {
	QueryID string               `json:"query_id"`
	CRS     string               `json:"crs"`
	Rows    []model.RockDepthRow `json:"rows"`
	Stats   model.Stats          `json:"stats"`
}

func (s *Server) handleRockDepth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bounds, err := model.ParseBounds(q.Get("bbox"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	threshold := 0
	if v := q.Get("threshold"); v != "" {
		if threshold, err = strconv.Atoi(v); err != nil {
			s.writeError(w, r, &model.ValidationError{Field: "threshold", Reason: "must be an integer"})
			return
		}
	}
	noRock := pipeline.DefaultNoRockDepth
	if v := q.Get("max_depth"); v != "" {
		if noRock, err = strconv.ParseFloat(v, 64); err != nil {
			s.writeError(w, r, &model.ValidationError{Field: "max_depth", Reason: "must be a number"})
			return
		}
	}
	// validate before spending a query on it
	if _, err := pipeline.RockDepthDataset(nil, threshold, noRock); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.assemble(r, bounds, model.SampleOptions{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := pipeline.RockDepthDataset(result.Investigations, threshold, noRock)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rockDepthResponse{QueryID: result.QueryID, CRS: result.CRS, Rows: rows, Stats: result.Stats})
}

func (s *Server) assemble(r *http.Request, bounds model.Bounds, samples model.SampleOptions) (*model.Result, error) {
	ctx := r.Context()
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}
	return s.assembler.Assemble(ctx, bounds, s.maxExtent, samples)
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &model.ValidationError{Field: name, Reason: "must be a boolean"}
	}
	return b, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.logger.Warn("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}
