// Package rest is the control-plane HTTP surface: thin pass-throughs
// onto the core domain, built on net/http.ServeMux with slog logging
// middleware rather than a web framework.
package rest

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Server wraps an http.Server configured with the module's four
// control-plane routes and its middleware chain.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Config bundles Server's construction-time options.
type Config struct {
	Addr            string
	JWTSecret       string
	RateLimit       int
	RateLimitWindow time.Duration
}

// NewServer builds a Server around handlers, gating job submission behind
// JWT bearer auth and everything behind logging/recovery/CORS/rate-limit
// middleware.
func NewServer(cfg Config, handlers *Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	auth := NewJWTAuth(cfg.JWTSecret)

	mux.Handle("POST /api/v1/jobs", jwtAuthMiddleware(auth, http.HandlerFunc(handlers.SubmitJob)))
	mux.HandleFunc("GET /api/v1/jobs/{id}", handlers.GetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/progress", handlers.GetJobProgress)
	mux.Handle("POST /api/v1/admin/nodes/{id}/healthcheck", jwtAuthMiddleware(auth, http.HandlerFunc(handlers.HealthcheckNode)))

	limiter := newRateLimiter(cfg.RateLimit, cfg.RateLimitWindow)

	var handler http.Handler = mux
	handler = limiter.middleware(handler)
	handler = allowCORS(handler)
	handler = recoverPanics(logger, handler)
	handler = requestLogger(logger, handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  90 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe starts the server, returning http.ErrServerClosed on a
// graceful Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("rest server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
