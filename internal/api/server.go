package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/chatblast/internal/campaign"
	"github.com/foxzi/chatblast/internal/config"
	"github.com/foxzi/chatblast/internal/ipfilter"
	"github.com/foxzi/chatblast/internal/lifecycle"
	"github.com/foxzi/chatblast/internal/metrics"
	"github.com/foxzi/chatblast/internal/outcome"
)

// Campaigns is the lifecycle surface the API drives
type Campaigns interface {
	Start(ctx context.Context, nc *lifecycle.NewCampaign) (string, error)
	Resume(ctx context.Context, id string) error
	RequestStop(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Unpause(ctx context.Context, id string) error
	IsPaused(id string) bool
	Progress(ctx context.Context, id string) (campaign.Progress, error)
	Get(ctx context.Context, id string) (*campaign.Campaign, error)
	List(ctx context.Context, filter campaign.ListFilter) ([]*campaign.Campaign, error)
	Delete(ctx context.Context, id string) error
}

// RouteRegistrar mounts additional routes under /api/v1
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  Campaigns
	register   outcome.Register
	extra      []RouteRegistrar
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// NewServer creates a new API server. Extra registrars (sandbox, rate
// limits) are mounted next to the campaign routes.
func NewServer(c Campaigns, register outcome.Register, cfg *config.APIConfig, version string, logger *slog.Logger, extra ...RouteRegistrar) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: c,
		register:  register,
		extra:     extra,
		config:    cfg,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}

	s.filter = ipfilter.New(ipfilter.Config{
		AllowedIPs:     cfg.AllowedIPs,
		TrustedProxies: cfg.TrustedProxies,
	}, logger)

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleStart)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleGet)
			r.Delete("/{id}", s.handleDelete)
			r.Get("/{id}/progress", s.handleProgress)
			r.Post("/{id}/resume", s.handleResume)
			r.Post("/{id}/stop", s.handleStop)
			r.Post("/{id}/pause", s.handlePause)
			r.Post("/{id}/unpause", s.handleUnpause)
		})

		// Write path of the confirmation agent
		r.Post("/outcome", s.handleOutcome)
		r.Get("/outcome", s.handleOutcomeGet)

		for _, reg := range s.extra {
			reg.RegisterRoutes(r)
		}
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server",
		"addr", s.config.ListenAddr,
		"ip_filter", s.filter.Enabled(),
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
