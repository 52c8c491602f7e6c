// Package webserver hosts the embedded HTTP server: the OAuth redirect
// route, health and metrics endpoints, and any routes the embedder adds.
package webserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/cabana-dev/cabana/pkg/metrics"
	"github.com/cabana-dev/cabana/pkg/version"
)

// CallbackFunc renders the OAuth redirect response. It receives the query
// parameters and returns the status and HTML body to serve. An alias so the
// method satisfies the oauth package's host contract.
type CallbackFunc = func(query url.Values) (status int, html string)

// Server wraps an echo instance behind a lifecycle the OAuth flow can drive:
// it is started on demand for the authorization redirect and torn down again
// when no user routes keep it alive.
type Server struct {
	echo    *echo.Echo
	metrics *metrics.Metrics
	logger  *slog.Logger
	proc    *process.Process
	started time.Time

	mu         sync.Mutex
	httpServer *http.Server
	boundAddr  string
	userRoutes int

	callbackMu   sync.Mutex
	callbackFn   CallbackFunc
	callbackPath string
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status     string  `json:"status"`
	Version    string  `json:"version"`
	UptimeSecs float64 `json:"uptime_seconds"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// New builds the server with health and metrics routes registered. m may be
// nil, in which case /metrics serves the process-default registry.
func New(m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		echo:    echo.New(),
		metrics: m,
		logger:  logger.With("component", "webserver"),
		started: time.Now(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}

	s.echo.Use(securityHeaders())
	s.echo.GET("/healthz", s.healthHandler)
	promHandler := s.metricsHandler()
	s.echo.GET("/metrics", func(c *echo.Context) error {
		promHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})
	return s
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics != nil {
		return promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// healthHandler handles GET /healthz. Unauthenticated, so the body stays
// minimal: liveness plus process stats.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := &HealthResponse{
		Status:     "healthy",
		Version:    version.Full(),
		UptimeSecs: time.Since(s.started).Seconds(),
		Goroutines: runtime.NumGoroutine(),
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// RegisterRoute adds a user route. Routes must be registered before the
// server starts; the count keeps the server alive after the OAuth flow.
func (s *Server) RegisterRoute(method, path string, h echo.HandlerFunc) {
	s.echo.Add(method, path, h)
	s.mu.Lock()
	s.userRoutes++
	s.mu.Unlock()
	s.logger.Info("Route registered", "method", method, "path", path)
}

// UserRoutes reports how many embedder routes are registered.
func (s *Server) UserRoutes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userRoutes
}

// HandleCallback installs (or replaces) the OAuth redirect handler. The
// route itself is registered once; a nil or absent handler answers 404.
func (s *Server) HandleCallback(path string, fn CallbackFunc) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()

	if s.callbackPath == "" {
		s.callbackPath = path
		s.echo.GET(path, func(c *echo.Context) error {
			s.callbackMu.Lock()
			handler := s.callbackFn
			s.callbackMu.Unlock()
			if handler == nil {
				return echo.NewHTTPError(http.StatusNotFound, "no authorization in progress")
			}
			status, html := handler(c.Request().URL.Query())
			return c.HTML(status, html)
		})
	}
	s.callbackFn = fn
}

// Start binds addr and serves in the background. Starting a running server
// is a no-op.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.StartWithListener(ln)
}

// StartWithListener serves on an already bound listener. Used by tests to
// bind port 0.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	srv := &http.Server{Handler: s.echo}
	s.httpServer = srv
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpServer != nil
}

// Addr returns the bound address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		return ""
	}
	return s.boundAddr
}

// Shutdown drains and stops the server. Safe to call when not running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.boundAddr = ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// EnsureStarted brings the server up for the OAuth flow if it is not
// already serving.
func (s *Server) EnsureStarted(addr string) error {
	return s.Start(addr)
}

// StopIfIdle shuts the server down when nothing but the OAuth callback is
// registered on it.
func (s *Server) StopIfIdle(ctx context.Context) {
	if s.UserRoutes() > 0 {
		return
	}
	if !s.Running() {
		return
	}
	s.logger.Info("No user routes registered, stopping HTTP server")
	if err := s.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
	}
}
