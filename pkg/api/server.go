// Package api provides the HTTP control surface: run start/stop, claim
// listing and mutation endpoints, and the long-lived event stream.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/approval"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/config"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/events"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/metrics"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/runner"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/store"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/version"
)

// maxBodyBytes rejects oversized request bodies at the HTTP layer.
const maxBodyBytes = 1 * 1024 * 1024

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg        *config.Config
	controller *runner.Controller
	claims     *store.Store
	orch       *approval.Orchestrator
	bus        *events.Bus
	limiter    *rateLimiter
}

// NewServer wires routes over the run controller and claim store.
func NewServer(cfg *config.Config, controller *runner.Controller, claims *store.Store, orch *approval.Orchestrator, bus *events.Bus) *Server {
	s := &Server{
		echo:       echo.New(),
		cfg:        cfg,
		controller: controller,
		claims:     claims,
		orch:       orch,
		bus:        bus,
		limiter:    newRateLimiter(cfg.RateLimitPerMinute, time.Minute),
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes behind the shared middleware.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(maxBodyBytes))
	s.echo.Use(securityHeaders())
	s.echo.Use(s.rateLimit())

	s.echo.GET("/health", s.healthHandler)
	metricsHandler := metrics.Handler()
	s.echo.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	// Control endpoints.
	s.echo.POST("/start", s.startHandler, s.requireControl())
	s.echo.POST("/stop", s.stopHandler, s.requireControl())
	s.echo.POST("/claims/:id/approve-output", s.approveOutputHandler, s.requireControl())
	s.echo.POST("/claims/:id/reject-output", s.rejectOutputHandler, s.requireControl())
	s.echo.POST("/claims/:id/generate-package", s.generatePackageHandler, s.requireControl())
	s.echo.POST("/claims/:id/render-image", s.renderImageHandler, s.requireControl())
	s.echo.POST("/claims/:id/tag-override", s.tagOverrideHandler, s.requireControl())

	// Read endpoints.
	s.echo.GET("/claims", s.listClaimsHandler, s.requireRead())
	s.echo.GET("/events", s.eventsHandler, s.requireRead())
	s.echo.GET("/ws", s.wsHandler, s.requireRead())
}

// Start serves on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener (tests).
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string         `json:"status"`
	Version     string         `json:"version"`
	Running     bool           `json:"running"`
	RunID       string         `json:"runId,omitempty"`
	Subscribers int            `json:"subscribers"`
	Providers   map[string]bool `json:"providers"`
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := &HealthResponse{
		Status:      "healthy",
		Version:     version.Full(),
		Running:     s.controller.Running(),
		Subscribers: s.bus.SubscriberCount(),
		Providers: map[string]bool{
			"transcription": s.cfg.TranscriptionAPIKey != "",
			"reasoning":     s.cfg.ReasoningAPIKey != "",
			"factCheck":     s.cfg.FactCheckAPIKey != "",
			"fred":          s.cfg.FredAPIKey != "",
			"congress":      s.cfg.CongressAPIKey != "",
			"render":        s.cfg.RenderEndpoint != "",
		},
	}
	if run := s.controller.ActiveRun(); run != nil {
		resp.RunID = run.ID
	}
	return c.JSON(http.StatusOK, resp)
}
