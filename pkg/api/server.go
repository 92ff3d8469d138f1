// Package api exposes the operational HTTP surface: match lifecycle and
// inspection, batch manifest status, and on-demand record verification.
// It is an operator and audit surface, not player transport; game clients
// talk to the coordinator through their own session channels.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/provenplay/matchproof/pkg/batch"
	"github.com/provenplay/matchproof/pkg/coordinator"
	"github.com/provenplay/matchproof/pkg/observability"
	"github.com/provenplay/matchproof/pkg/rules"
	"github.com/provenplay/matchproof/pkg/verify"
)

// maxBodySize bounds request bodies. Match records stay well under this
// even at the move-count ceiling.
const maxBodySize = "1M"

// Config tunes the HTTP server. Zero values take the documented defaults.
type Config struct {
	// Port defaults to 8080.
	Port int
	// RateRPS enables per-client rate limiting when positive.
	RateRPS int
	// RateBurst defaults to RateRPS when unset.
	RateBurst int
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RateBurst == 0 {
		c.RateBurst = c.RateRPS
	}
}

// Deps wires the server's collaborators. Matches is required; everything
// else degrades to a reduced surface when absent.
type Deps struct {
	Matches *coordinator.Service
	// Batches serves the /batches routes and anchor resolution for
	// verification; nil reports batching as not configured.
	Batches *batch.Manager
	// Verifier serves the verification routes; nil reports verification
	// as not configured.
	Verifier *verify.Verifier
	// Timeline serves per-match audit timelines; nil returns empty ones.
	Timeline *observability.Timeline
	// SLO serves objective compliance on /api/slo; nil reports tracking
	// as not configured.
	SLO *observability.SLOTracker
	// Games defaults to the built-in registry.
	Games *rules.Registry
}

// Server is the echo HTTP server over a running coordinator.
type Server struct {
	cfg     Config
	deps    Deps
	echo    *echo.Echo
	limiter *RateLimiter
	log     *slog.Logger
}

// New validates the dependency set and returns a server with all routes
// registered, ready to Start.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Matches == nil {
		return nil, errors.New("api: coordinator service is required")
	}
	cfg.applyDefaults()
	if deps.Games == nil {
		deps.Games = rules.NewRegistry()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = false
	e.HTTPErrorHandler = problemHandler

	e.Use(middleware.RequestID())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${id} ${remote_ip} ${status} ${method} ${path} ${error} ${latency_human} ${bytes_in} ${bytes_out}\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxBodySize))

	s := &Server{
		cfg:  cfg,
		deps: deps,
		echo: e,
		log:  slog.Default().With("component", "api"),
	}
	if cfg.RateRPS > 0 {
		s.limiter = NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
		e.Use(s.limiter.Middleware())
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.healthz)

	apiGroup := s.echo.Group("/api")
	apiGroup.GET("/games", s.listGames)

	matchGroup := apiGroup.Group("/matches")
	matchGroup.POST("", s.createMatch)
	matchGroup.GET("", s.listMatches)
	matchGroup.GET("/:id", s.getMatch)
	matchGroup.POST("/:id/join", s.joinMatch)
	matchGroup.POST("/:id/start", s.startMatch)
	matchGroup.POST("/:id/moves", s.submitMove)
	matchGroup.POST("/:id/end", s.endMatch)
	matchGroup.POST("/:id/reconcile", s.reconcileMatch)
	matchGroup.POST("/:id/resume", s.resumeMatch)
	matchGroup.GET("/:id/record", s.getRecord)
	matchGroup.GET("/:id/verify", s.verifyMatch)
	matchGroup.GET("/:id/timeline", s.getTimeline)

	batchGroup := apiGroup.Group("/batches")
	batchGroup.GET("", s.listBatches)
	batchGroup.GET("/:id", s.getBatch)
	batchGroup.POST("/flush", s.flushBatches)

	apiGroup.POST("/verify", s.verifyRaw)
	apiGroup.GET("/slo", s.getSLO)
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("api listening", "port", s.cfg.Port)
	if err := s.echo.Start(fmt.Sprintf(":%d", s.cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Close()
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// ServeHTTP makes the server mountable and testable without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// healthz reports liveness plus coarse load figures.
func (s *Server) healthz(c echo.Context) error {
	snaps, err := s.deps.Matches.List(c.Request().Context())
	if err != nil {
		return err
	}
	queued := 0
	if s.deps.Batches != nil {
		queued = s.deps.Batches.QueueLen()
	}
	return c.JSONPretty(http.StatusOK, map[string]any{
		"status":       "ok",
		"live_matches": len(snaps),
		"batch_queue":  queued,
	}, "  ")
}
