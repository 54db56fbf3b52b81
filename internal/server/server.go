// Package server provides the read-only status HTTP API. It publishes what
// the file-backed stores already contain; it never drives jobs itself.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/pebl-systems/peblsync/internal/config"
	"github.com/pebl-systems/peblsync/internal/notify"
	"github.com/pebl-systems/peblsync/internal/progress"
)

// notificationTail bounds how many notifications the status payload carries.
const notificationTail = 10

// Server is the status API server.
type Server struct {
	echo           *echo.Echo
	transfer       *progress.Store
	sync           *progress.Store
	notifier       notify.Notifier
	remoteInfoPath string
	staleThreshold time.Duration
	logger         zerolog.Logger
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a status server reading the stores derived from cfg.
func New(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		echo:           echo.New(),
		transfer:       progress.NewStore(cfg.Paths.ProgressPath(), cfg.Paths.StatusPath()),
		sync:           progress.NewStore(cfg.Paths.SyncStatusPath(), ""),
		notifier:       notify.New(cfg.Paths.NotificationsPath()),
		remoteInfoPath: cfg.Paths.RemoteInfoPath(),
		staleThreshold: cfg.Sync.StaleThreshold,
		logger:         zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.healthHandler)

	api := s.echo.Group("/api")
	api.GET("/status", s.statusHandler)
	api.GET("/notifications", s.notificationsHandler)
	api.GET("/remote", s.remoteHandler)
}

// Start starts the server.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting status server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Handlers

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) statusHandler(c echo.Context) error {
	resp := map[string]any{
		"status":        "idle",
		"transfer":      nil,
		"sync":          nil,
		"notifications": s.notifier.Tail(notificationTail),
		"timestamp":     time.Now(),
	}

	// A terminal or stale transfer record means the box is idle; only a live
	// in-flight record changes the headline status.
	if rec, ok := s.transfer.Read(); ok {
		resp["transfer"] = rec
		if !rec.Status.Terminal() && !s.transfer.Stale(s.staleThreshold) {
			resp["status"] = string(rec.Status)
		}
	}
	if rec, ok := s.sync.Read(); ok {
		resp["sync"] = rec
		if rec.Status == progress.StatusActive && !s.sync.Stale(s.staleThreshold) {
			resp["status"] = "syncing"
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) notificationsHandler(c echo.Context) error {
	events := s.notifier.Tail(notificationTail)
	if events == nil {
		events = []notify.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) remoteHandler(c echo.Context) error {
	raw, err := os.ReadFile(s.remoteInfoPath)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no remote info recorded",
		})
	}
	var info map[string]any
	if err := json.Unmarshal(raw, &info); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "remote info unreadable",
		})
	}
	return c.JSON(http.StatusOK, info)
}
