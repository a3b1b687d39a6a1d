// Package api provides the HTTP management surface for thread
// administration.
//
// Endpoints:
//
//	GET    /health             liveness probe
//	GET    /ready              readiness probe (pings the backend)
//	GET    /config             resolved configuration, secrets redacted
//	GET    /threads            list threads visible to the caller
//	POST   /threads            create a thread
//	GET    /threads/{id}       full thread including history
//	GET    /threads/{id}/export  history download (format=json|txt)
//	PATCH  /threads/{id}       edit title/tags
//	DELETE /threads/{id}       delete a thread
//	POST   /threads/cleanup    age-based bulk delete
//
// The caller's identity is taken from the X-User-ID header; an absent
// header is an anonymous caller, which the thread store rejects when
// authentication is required.
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: health check endpoints (/health, /ready)
//   - threads.go: thread management endpoints
//   - config.go: resolved-configuration endpoint
//   - response.go: JSON response helpers
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/thread"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:3600"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout is the timeout for reading request headers.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout = 60 * time.Second

	// IdleTimeout is the maximum time to wait for the next request on
	// keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// Server is the thread-management HTTP server.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health  *HealthHandler
	threads *ThreadHandler
	config  *ConfigHandler
}

// NewServer creates a server with all routes registered.
func NewServer(store *thread.Store, resolved config.Resolved, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		mux:     mux,
		logger:  logger,
		health:  NewHealthHandler(store, logger),
		threads: NewThreadHandler(store, logger),
		config:  NewConfigHandler(resolved),
	}

	s.health.RegisterRoutes(mux)
	s.threads.RegisterRoutes(mux)
	s.config.RegisterRoutes(mux)

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
