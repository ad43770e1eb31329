package observability

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Server provides HTTP endpoints for observability
type Server struct {
	httpServer *http.Server
}

// NewServer creates an observability server listening on addr.
func NewServer(addr string, checker *HealthChecker) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewMux(checker),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// NewMux returns the health and metrics routes.
func NewMux(checker *HealthChecker) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", checker.HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", checker.ReadinessHandler())

	mux.Handle("/metrics", MetricsHandler())
	return mux
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
