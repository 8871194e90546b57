// Package api serves the status endpoints of a running sync: health, readiness, live progress and version.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Father1993/PIM-Image-Management/internal/pipeline"
	"github.com/Father1993/PIM-Image-Management/internal/versions"
)

//go:generate mockgen -destination=mocks/mock_server.go -package=mocks -source=server.go ProgressSource

// ProgressSource provides the live progress of the current run
type ProgressSource interface {
	Snapshot() pipeline.ProgressSnapshot
}

// ServerOption configures the status server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// NewServer creates the status router over the given progress source
func NewServer(progress ProgressSource, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(progress))
	r.Get("/progress", progressHandler(progress))
	r.Get("/version", versionHandler)

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

// readinessHandler reports ready once a run has started
func readinessHandler(progress ProgressSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if progress.Snapshot().RunID == "" {
			writeJSONResponse(w, ErrorResponse{Error: "run not started"}, http.StatusServiceUnavailable)
			return
		}
		writeJSONResponse(w, ReadinessResponse{Status: "ready"}, http.StatusOK)
	}
}

func progressHandler(progress ProgressSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, progress.Snapshot(), http.StatusOK)
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

func writeJSONResponse(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
