package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/bastion/internal/api/v1"
	"github.com/gosuda/bastion/internal/config"
	"github.com/gosuda/bastion/internal/guard"
	"github.com/gosuda/bastion/internal/server/middleware"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server routes to.
type Deps struct {
	Guard    *guard.Guard
	Upstream http.Handler
	Audit    v1.AuditService
	Threats  v1.ThreatControl
	Limiter  v1.LimiterView
	Metrics  http.Handler
	// Decisions enables operator block and quarantine endpoints. Optional.
	Decisions v1.DecisionStore
	Announce  func(ctx context.Context, identity string) error
	Events    v1.EventHistory
	// Ready maps a dependency name to its probe. Optional.
	Ready map[string]Pinger
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
}

// New creates a Server with all routes wired. ctx bounds the background
// cleanup of the operational rate limiter.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	if cfg.Server.TrustProxy {
		router.Use(chimw.RealIP)
	}
	router.Use(middleware.RequestLogger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           router,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
		},
	}

	ops := middleware.RateLimitByIP(ctx, 10, 20, cfg.Server.TrustProxy)

	// Operational endpoints (unauthenticated, flat per-address limit).
	router.Group(func(r chi.Router) {
		r.Use(ops)
		registerHealthRoutes(r, deps.Ready)
		if deps.Metrics != nil {
			r.Handle("/metrics", deps.Metrics)
		}
	})

	// Operator API, admin bearer token required.
	router.Route("/admin/api/v1", func(r chi.Router) {
		r.Use(ops)
		r.Use(middleware.Auth(cfg.JWT.Secret))
		r.Use(middleware.RequireAdmin())
		registerAdminRoutes(r, deps)
	})

	// Everything else is protected application traffic.
	router.Handle("/*", deps.Guard.Middleware(deps.Upstream))

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func readiness(ctx context.Context, deps map[string]Pinger) map[string]string {
	out := make(map[string]string, len(deps))
	for name, p := range deps {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("readiness probe failed")
			out[name] = "unavailable"
			continue
		}
		out[name] = "ok"
	}
	return out
}
