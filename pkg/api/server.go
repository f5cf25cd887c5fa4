// Package api provides the control-plane HTTP and WebSocket surface.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/GaryChine-byte/phonefleet/pkg/config"
	"github.com/GaryChine-byte/phonefleet/pkg/database"
	"github.com/GaryChine-byte/phonefleet/pkg/events"
	"github.com/GaryChine-byte/phonefleet/pkg/registry"
	"github.com/GaryChine-byte/phonefleet/pkg/scheduler"
	"github.com/GaryChine-byte/phonefleet/pkg/screenshot"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg         *config.Config
	dbClient    *database.Client // nil when running without a database
	scheduler   *scheduler.Scheduler
	registry    *registry.Registry
	shots       *screenshot.Store
	connManager *events.ConnectionManager
}

// NewServer creates a server with all routes registered.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	sched *scheduler.Scheduler,
	reg *registry.Registry,
	shots *screenshot.Store,
	connManager *events.ConnectionManager,
) *Server {
	e := echo.New()

	s := &Server{
		echo:        e,
		cfg:         cfg,
		dbClient:    dbClient,
		scheduler:   sched,
		registry:    reg,
		shots:       shots,
		connManager: connManager,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(requestLogger())
	s.echo.Use(securityHeaders())
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))

	s.echo.GET("/health", s.healthHandler)

	// Task lifecycle.
	s.echo.POST("/tasks", s.createTaskHandler)
	s.echo.GET("/tasks", s.listTasksHandler)
	s.echo.GET("/tasks/:id", s.getTaskHandler)
	s.echo.POST("/tasks/:id/cancel", s.cancelTaskHandler)
	s.echo.POST("/tasks/:id/answer", s.answerTaskHandler)

	// Devices.
	s.echo.GET("/devices", s.listDevicesHandler)
	s.echo.GET("/devices/:id", s.getDeviceHandler)
	s.echo.POST("/devices/:id/command", s.deviceCommandHandler)

	// Screenshots.
	s.echo.GET("/screenshots/task/:id/summary", s.screenshotSummaryHandler)
	s.echo.GET("/screenshots/task/:id/step/:n/image", s.screenshotImageHandler)
	s.echo.POST("/screenshots/task/:id/export", s.screenshotExportHandler)

	// Device control socket and dashboard event stream.
	s.echo.GET("/ws/device/:port", s.deviceSocketHandler)
	s.echo.GET("/ws/events", s.eventSocketHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener. Test hook for
// OS-assigned ports.
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
