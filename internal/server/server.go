// Package server exposes the monitor over HTTP: health, Prometheus metrics,
// a status snapshot, a manual cycle trigger and a websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/balance-monitor/pkg/metrics"
	"github.com/Sternrassler/balance-monitor/pkg/orchestrator"
	"github.com/Sternrassler/balance-monitor/pkg/pool"
	"github.com/Sternrassler/balance-monitor/pkg/store"
)

// PoolStats is the part of the resource pool the server reports on.
type PoolStats interface {
	Stats() pool.Stats
}

// Config holds server dependencies.
type Config struct {
	Addr string
	Log  zerolog.Logger

	Orchestrator *orchestrator.Orchestrator
	Store        *store.Store
	Pool         PoolStats
	Hub          *Hub

	// Trigger starts a cycle in the background. It returns
	// orchestrator.ErrCycleInProgress when one is already running.
	Trigger func() error
}

// Server is the HTTP surface.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New creates a server. Routes whose dependency is missing are not mounted.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	if s.cfg.Orchestrator != nil {
		s.router.Get("/status", s.handleStatus)
	}
	if s.cfg.Trigger != nil {
		s.router.Post("/cycles", s.handleTrigger)
	}
	if s.cfg.Hub != nil {
		// Streams outlive any request timeout, so /events is mounted without one.
		s.router.Handle("/events", s.cfg.Hub)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC(),
	}
	if s.cfg.Orchestrator != nil {
		resp["cycle_running"] = s.cfg.Orchestrator.Running()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// CycleSummary is the last cycle without its per-account results.
type CycleSummary struct {
	ID        string        `json:"id"`
	Total     float64       `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Running   bool                         `json:"running"`
	Today     string                       `json:"today,omitempty"`
	LastCycle *CycleSummary                `json:"last_cycle,omitempty"`
	Accounts  []orchestrator.AccountStatus `json:"accounts"`
	Entries   map[string]store.Entry       `json:"entries,omitempty"`
	Pool      *pool.Stats                  `json:"pool,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	o := s.cfg.Orchestrator
	resp := StatusResponse{
		Running:  o.Running(),
		Accounts: o.Status().Snapshot(),
	}
	if c, ok := o.LastCycle(); ok {
		resp.LastCycle = &CycleSummary{
			ID:        c.ID,
			Total:     c.Total,
			Succeeded: c.Succeeded,
			Failed:    c.Failed,
			StartedAt: c.StartedAt,
			Duration:  c.Duration,
		}
	}
	if s.cfg.Store != nil {
		resp.Today = s.cfg.Store.Today()
		resp.Entries = s.cfg.Store.Snapshot()
	}
	if s.cfg.Pool != nil {
		st := s.cfg.Pool.Stats()
		resp.Pool = &st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Trigger(); err != nil {
		if errors.Is(err, orchestrator.ErrCycleInProgress) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("Failed to trigger cycle")
		s.writeError(w, http.StatusInternalServerError, "failed to trigger cycle")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
