// Package http serves liveness, readiness, metrics, and the manifest of the
// most recently built dataset.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server exposes /healthz, /readyz, /metrics, and /manifest.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger

	mu       sync.RWMutex
	manifest *domain.Manifest
}

// NewServer creates an HTTP server. ready is typically the dataset loader,
// which reports ready once a bundle has been built.
func NewServer(addr string, ready sharedobs.ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      otelhttp.NewHandler(mux, "flood-mesh-etl"),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /manifest", s.handleManifest)

	return s
}

// SetManifest publishes m on /manifest, replacing any earlier one.
func (s *Server) SetManifest(m domain.Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = &m
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

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	m := s.manifest
	s.mu.RUnlock()

	if m == nil {
		sharedobs.WriteJSON(w, http.StatusNotFound, map[string]string{
			"status": "not built",
		})
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, m)
}
