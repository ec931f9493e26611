// Package api provides the HTTP API server for condastore.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/condastore/internal/api/handlers"
	"github.com/narvanalabs/condastore/internal/api/health"
	"github.com/narvanalabs/condastore/internal/api/middleware"
	"github.com/narvanalabs/condastore/internal/buildkey"
	"github.com/narvanalabs/condastore/internal/conda"
	"github.com/narvanalabs/condastore/internal/lockfile"
	"github.com/narvanalabs/condastore/internal/store"
	"github.com/narvanalabs/condastore/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	store         store.Store
	codec         *buildkey.Codec
	resolver      *lockfile.Resolver
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server. The build key codec is taken from
// the configuration, so an invalid version fails here rather than on the
// first request.
func NewServer(cfg *config.Config, st store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	codec, err := cfg.BuildKeyCodec()
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:  st,
		codec:  codec,
		config: cfg,
		logger: logger,
		resolver: lockfile.NewResolver(st,
			lockfile.WithPlatform(conda.Platform()),
			lockfile.WithCodec(codec),
			lockfile.WithLogger(logger),
		),
	}

	s.healthChecker = health.NewChecker(st, Version, cfg.Action.CondaCommand, cfg.Action.CondaLockCommand)

	s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", s.healthChecker.Handler())

	buildHandler := handlers.NewBuildHandler(s.store, s.codec, s.resolver, s.logger)
	buildKeyHandler := handlers.NewBuildKeyHandler(s.codec, s.logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/build/{buildID}", func(r chi.Router) {
			r.Get("/", buildHandler.Get)
			r.Get("/lockfile", buildHandler.Lockfile)
		})
		r.Get("/environment/{namespace}/{environment}/build/{buildID}/lockfile", buildHandler.EnvironmentLockfile)
		r.Get("/build-key/{key}", buildKeyHandler.Decode)
	})

	s.router = r
}

// ListenAndServe serves requests until Shutdown is called. A clean
// shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting API server", "addr", s.httpServer.Addr, "build_key_version", int(s.codec.Version()))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
