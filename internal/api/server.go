// Package api serves the workcell manager over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/workcell/internal/scheduler"
	"github.com/rendis/workcell/internal/streaming"
	"github.com/rendis/workcell/internal/workcell"
)

const defaultMaxUploadBytes = 256 << 20 // 256MB

// Options configures a Server. Manager is required.
type Options struct {
	Manager *workcell.Manager
	// Hub enables GET /events/stream when set.
	Hub streaming.EventHub
	// Scheduler enables the /schedules routes when set.
	Scheduler *scheduler.Scheduler
	// UploadDir receives files submitted with /start_workflow.
	UploadDir      string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server is the manager's HTTP surface.
type Server struct {
	manager   *workcell.Manager
	hub       streaming.EventHub
	scheduler *scheduler.Scheduler
	uploadDir string
	logger    *slog.Logger
	echo      *echo.Echo
}

// NewServer builds the router.
func NewServer(opts Options) (*Server, error) {
	if opts.Manager == nil {
		return nil, errors.New("api: manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UploadDir == "" {
		opts.UploadDir = filepath.Join(os.TempDir(), "workcell", "uploads")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		manager:   opts.Manager,
		hub:       opts.Hub,
		scheduler: opts.Scheduler,
		uploadDir: opts.UploadDir,
		logger:    opts.Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", opts.MaxUploadBytes)))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	}))
	s.routes(e)
	s.echo = e
	return s, nil
}

func (s *Server) routes(e *echo.Echo) {
	e.GET("/health", s.health)
	e.GET("/workcell", s.getWorkcell)

	e.POST("/start_workflow", s.startWorkflow)
	e.GET("/workflows", s.listWorkflows)
	e.POST("/workflows/clear", s.clearWorkflows)
	e.GET("/workflows/:id", s.getWorkflow)
	e.POST("/workflows/:id/cancel", s.cancelWorkflow)
	e.POST("/workflows/:id/pause", s.pauseWorkflow)
	e.POST("/workflows/:id/resume", s.resumeWorkflow)
	e.POST("/workflows/:id/resubmit", s.resubmitWorkflow)
	e.GET("/workflows/:id/events", s.workflowEvents)
	e.GET("/workflows/:id/history", s.workflowHistory)

	e.GET("/nodes", s.listNodes)
	e.POST("/nodes", s.addNode)
	e.GET("/nodes/:name", s.getNode)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		e.Add(method, "/admin/:command", s.adminCommand)
		e.Add(method, "/admin/:command/:node", s.adminCommand)
	}

	e.GET("/events/stream", s.streamEvents)

	if s.scheduler != nil {
		e.GET("/schedules", s.listSchedules)
		e.POST("/schedules", s.createSchedule)
		e.POST("/schedules/:id/enable", s.setScheduleEnabled(true))
		e.POST("/schedules/:id/disable", s.setScheduleEnabled(false))
		e.DELETE("/schedules/:id", s.deleteSchedule)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("workcell api listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
