// Package status provides the read-only HTTP surface for mendd: health,
// current loop state, the final report, and Prometheus metrics.
package status

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendloop/internal/loop"
)

// StateReader exposes the controller's observable state.
type StateReader interface {
	State() *loop.IterationState
	Report() *loop.Report
}

// Config holds status server configuration.
type Config struct {
	Host string
	Port int
}

// Server serves the status endpoints.
type Server struct {
	echo   *echo.Echo
	reader StateReader
	logger *zap.Logger
	config *Config
}

// NewServer creates a status server.
func NewServer(reader StateReader, logger *zap.Logger, cfg *Config) (*Server, error) {
	if reader == nil {
		return nil, fmt.Errorf("state reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9340}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		reader: reader,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/state", s.handleState)
	s.echo.GET("/report", s.handleReport)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleState(c echo.Context) error {
	st := s.reader.State()
	if st == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no run has started")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleReport(c echo.Context) error {
	report := s.reader.Report()
	if report == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run still in progress")
	}
	return c.JSON(http.StatusOK, report)
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("status server listening", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
