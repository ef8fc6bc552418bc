// Package api is the local HTTP server the driver's browser talks to. It
// hosts the app shell through the cache worker, proxies the backend API,
// exposes the open delivery session and streams notices over websocket.
package api

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
	"github.com/els-fr/livreur/internal/outbox"
	"github.com/els-fr/livreur/internal/submission"
	"github.com/els-fr/livreur/internal/swcache"
)

const shutdownTimeout = 5 * time.Second

// PendingLister exposes the outbox contents. *outbox.Queue satisfies it.
type PendingLister interface {
	Pending() []outbox.Task
	Draining() bool
}

// Config locates the upstreams of the proxied routes.
type Config struct {
	APIBaseURL string // backend, target of /api/*
	Origin     string // shell host, target of every other GET
}

// Deps are the components the server exposes.
type Deps struct {
	Worker       *swcache.Worker
	Orchestrator *submission.Orchestrator
	Hub          *Hub
	Queue        PendingLister
	Metrics      http.Handler
	Shell        fs.FS
	Logger       logger.Logger
}

// Server is the local shell server.
type Server struct {
	echo   *echo.Echo
	cfg    Config
	worker *swcache.Worker
	orch   *submission.Orchestrator
	hub    *Hub
	queue  PendingLister
	shell  fs.FS
	fetch  *http.Client
	log    logger.Logger
}

// New builds the server and its routes.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Worker == nil || deps.Orchestrator == nil || deps.Hub == nil {
		return nil, errors.Newf("api server requires a worker, an orchestrator and a hub").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewDiscard()
	}
	shell := deps.Shell
	if shell == nil {
		shell = ShellFS()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		cfg:    Config{APIBaseURL: strings.TrimRight(cfg.APIBaseURL, "/"), Origin: strings.TrimRight(cfg.Origin, "/")},
		worker: deps.Worker,
		orch:   deps.Orchestrator,
		hub:    deps.Hub,
		queue:  deps.Queue,
		shell:  shell,
		fetch:  &http.Client{Transport: deps.Worker},
		log:    log.Module("api"),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request",
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency))
			return nil
		},
	}))

	s.registerPWARoutes()
	e.GET("/ws", s.hub.ServeWS)
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics))
	}
	s.registerLocalRoutes()
	e.Any("/api/*", s.handleAPIProxy)
	e.GET("/*", s.handleShell)
	return s, nil
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("shell server listening", logger.String("addr", addr))
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Newf("shell server failed: %w", err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("addr", addr).
			Build()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.hub.Close()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return errors.Newf("shell server shutdown: %w", err).
			Component("api").
			Category(errors.CategoryNetwork).
			Build()
	}
	s.log.Info("shell server stopped")
	return nil
}

// HandleError logs err and answers with a JSON error body.
func (s *Server) HandleError(c echo.Context, err error, message string, code int) error {
	if code >= http.StatusInternalServerError {
		s.log.Error(message, logger.String("path", c.Path()), logger.Error(err))
	} else {
		s.log.Debug(message, logger.String("path", c.Path()), logger.Error(err))
	}
	return c.JSON(code, map[string]string{"error": message})
}

// handleAPIProxy forwards /api/* to the backend through the cache worker.
func (s *Server) handleAPIProxy(c echo.Context) error {
	return s.forward(c, s.cfg.APIBaseURL)
}

// handleShell serves shell assets through the cache worker.
func (s *Server) handleShell(c echo.Context) error {
	return s.forward(c, s.cfg.Origin)
}

func (s *Server) forward(c echo.Context, base string) error {
	in := c.Request()
	req, err := http.NewRequestWithContext(in.Context(), in.Method, base+in.URL.RequestURI(), in.Body)
	if err != nil {
		return s.HandleError(c, err, "Invalid request", http.StatusBadRequest)
	}
	for _, h := range []string{"Accept", "Content-Type", "Cookie", "Authorization"} {
		if v := in.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := s.fetch.Do(req)
	if err != nil {
		return s.HandleError(c, err, "Upstream unavailable", http.StatusBadGateway)
	}
	defer resp.Body.Close()

	out := c.Response().Header()
	for _, h := range []string{"Content-Type", "Cache-Control", "Set-Cookie", "Location"} {
		for _, v := range resp.Header.Values(h) {
			out.Add(h, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	_, err = io.Copy(c.Response(), resp.Body)
	return err
}
