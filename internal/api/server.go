// Package api wires the accepting HTTP/WebSocket endpoint for the nukleus
// proxy: the chi router, its middleware chain, health/readiness probes,
// an optional grant-table diagnostic route, and the stream-upgrade
// handler itself.
//
// Usage:
//
//	cfg := config.MustLoad()
//	server := api.NewServer(cfg, deps)
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal("Server failed:", err)
//	}
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jwtproxy/nukleus/internal/api/middleware"
	"github.com/jwtproxy/nukleus/internal/config"
	"github.com/jwtproxy/nukleus/internal/grant"
)

// Dependencies holds everything the API server mounts routes against. The
// proxy's own core (key store, realm registry, verifier, grant table,
// signaling executor) is assembled by cmd/proxy; the server only needs the
// finished Accepter and a read-only view of the grant table for the
// diagnostic route.
type Dependencies struct {
	// Accepter upgrades inbound stream requests into proxy pairs. Required.
	Accepter http.Handler

	// Grants backs the optional /debug/grants route. Nil disables it even
	// if Observability.DebugRoutesEnabled is set.
	Grants *grant.Table
}

// Server represents the HTTP API server.
type Server struct {
	config     *config.Config
	logger     *slog.Logger
	router     *chi.Mux
	httpServer *http.Server

	accepter http.Handler
	grants   *grant.Table
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, deps *Dependencies) *Server {
	if deps == nil {
		deps = &Dependencies{}
	}

	logger := slog.Default()

	s := &Server{
		config:   cfg,
		logger:   logger,
		router:   chi.NewRouter(),
		accepter: deps.Accepter,
		grants:   deps.Grants,
	}

	s.setupMiddleware()
	s.registerRoutes()

	return s
}

// setupMiddleware configures the common middleware chain:
// RequestID -> RealIP -> Logger -> Recoverer -> CleanPath. There is no per-request auth
// middleware here — token verification happens once, inside the Accepter,
// on the BEGIN that opens a stream, not on every HTTP request.
func (s *Server) setupMiddleware() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.RequestLogger(&slogLogFormatter{logger: s.logger}))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(chimiddleware.CleanPath)
}

// registerRoutes mounts the health/ready probes, the optional grant-table
// diagnostic route, and the stream-upgrade handler. The probe routes get a
// request timeout; the upgrade route must not — the timeout wrapper buffers
// the response and cannot hijack the connection, and an upgraded stream
// lives far past any request deadline anyway.
func (s *Server) registerRoutes() {
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.TimeoutMiddleware(s.config.Server.ReadTimeout))

		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		if s.config.Observability.DebugRoutesEnabled && s.grants != nil {
			r.Get("/debug/grants", s.handleDebugGrants)
		}
	})

	if s.accepter != nil {
		s.router.Handle("/*", s.accepter)
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       s.config.Server.ReadTimeout,
		WriteTimeout:      s.config.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting API server",
		slog.String("address", addr),
		slog.String("environment", string(s.config.App.Environment)),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server listen error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server due to context cancellation")
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", slog.Any("error", err))
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server shutdown complete")
	return nil
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDebugGrants reports the grant table's current live-grant counts
// per realm index, for operators diagnosing a leak or a stuck subject.
func (s *Server) handleDebugGrants(w http.ResponseWriter, r *http.Request) {
	snap := s.grants.Snapshot()
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// slogLogFormatter implements chi's LogFormatter interface using slog.
type slogLogFormatter struct {
	logger *slog.Logger
}

// NewLogEntry creates a new log entry for the request.
func (f *slogLogFormatter) NewLogEntry(r *http.Request) chimiddleware.LogEntry {
	return &slogLogEntry{
		logger: f.logger,
		r:      r,
	}
}

// slogLogEntry implements chi's LogEntry interface.
type slogLogEntry struct {
	logger *slog.Logger
	r      *http.Request
}

// Write logs the response status and details.
func (e *slogLogEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	e.logger.Info("request completed",
		slog.String("method", e.r.Method),
		slog.String("path", e.r.URL.Path),
		slog.Int("status", status),
		slog.Int("bytes", bytes),
		slog.Duration("elapsed", elapsed),
		slog.String("request_id", chimiddleware.GetReqID(e.r.Context())),
		slog.String("remote_addr", e.r.RemoteAddr),
	)
}

// Panic logs panic information.
func (e *slogLogEntry) Panic(v interface{}, stack []byte) {
	e.logger.Error("request panic",
		slog.Any("panic", v),
		slog.String("stack", string(stack)),
		slog.String("request_id", chimiddleware.GetReqID(e.r.Context())),
	)
}
