package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"labmesh/internal/connmgr"
	"labmesh/internal/topology"
)

// Server is the admin Echo application: /health, /api/state, /api/monitor.
type Server struct {
	echo    *echo.Echo
	mgr     *connmgr.Manager
	topo    topology.Topology
	monitor *Monitor
}

// New constructs the admin HTTP app and wires mgr's events into monitor.
func New(mgr *connmgr.Manager, topo topology.Topology, monitor *Monitor) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, mgr: mgr, topo: topo, monitor: monitor}
	mgr.SetEventSink(monitor.Publish)
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/api/monitor" || path == "/health" {
				slog.Debug("admin http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("admin http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/monitor", s.monitor.handleMonitor)
}

// Run starts Echo and blocks until ctx cancellation or startup failure,
// matching the teacher's httpapi.Server.Run shutdown shape exactly.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("admin: shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("admin: http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Role   string `json:"role"`
	UUID   string `json:"uuid"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Role:   s.topo.LocalRole().String(),
		UUID:   s.topo.LocalUUID(),
	})
}

type stateResponse struct {
	UUID     string `json:"uuid"`
	Role     string `json:"role"`
	Parents  int    `json:"parents"`
	Brothers int    `json:"brothers"`
	Children int    `json:"children"`
	Temps    int    `json:"temps"`
}

func (s *Server) handleState(c echo.Context) error {
	stats := s.mgr.Snapshot()
	return c.JSON(http.StatusOK, stateResponse{
		UUID:     s.topo.LocalUUID(),
		Role:     s.topo.LocalRole().String(),
		Parents:  stats.Parents,
		Brothers: stats.Brothers,
		Children: stats.Children,
		Temps:    stats.Temps,
	})
}
