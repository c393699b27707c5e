// Package api exposes the HTTP status interface for a pull state snapshot.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/histpull/histpull/internal/scraper"
)

// StateService is the read/reset surface the server exposes over HTTP.
type StateService interface {
	Summary() scraper.Summary
	FailedKeys() []scraper.FailedKey
	CompletedKeys() []string
	Record(key string) (scraper.Record, bool)
	Reset() error
}

// Server wires HTTP handlers to the state snapshot and metrics registry.
type Server struct {
	router   chi.Router
	state    StateService
	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(state StateService, registry *prometheus.Registry, logger *zap.Logger) *Server {
	s := &Server{
		state:    state,
		registry: registry,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/summary", s.getSummary)
		r.Get("/failed", s.getFailed)
		r.Get("/completed", s.getCompleted)
		r.Get("/keys/{key}", s.getKey)
		r.Post("/reset", s.postReset)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// The snapshot lives on local disk, so readiness matches liveness.
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, s.state.Summary())
}

func (s *Server) getFailed(w http.ResponseWriter, _ *http.Request) {
	failed := s.state.FailedKeys()
	if failed == nil {
		failed = []scraper.FailedKey{}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"count":  len(failed),
		"failed": failed,
	})
}

func (s *Server) getCompleted(w http.ResponseWriter, _ *http.Request) {
	keys := s.state.CompletedKeys()
	if keys == nil {
		keys = []string{}
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"count": len(keys),
		"keys":  keys,
	})
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, ok := s.state.Record(key)
	if !ok {
		writeError(s.logger, w, http.StatusNotFound, "key not tracked")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"key":    key,
		"record": rec,
	})
}

func (s *Server) postReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.state.Reset(); err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "reset"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
