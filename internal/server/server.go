// Package server is the gateway listener: it accepts connections, enforces
// the resolved security policy per request, and routes into the completion
// pipeline or the RPC bridge.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelgate/internal/policy"
	"modelgate/internal/rpc"
	"modelgate/internal/session"
)

// APIMode selects which surfaces the gateway exposes. Resolved once at
// startup, never re-checked per request.
type APIMode int

const (
	ModeOpenAI APIMode = iota
	ModeMCP
	ModeBoth
)

// ParseAPIMode resolves the configured api string.
func ParseAPIMode(s string) (APIMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "openai":
		return ModeOpenAI, nil
	case "mcp":
		return ModeMCP, nil
	case "both":
		return ModeBoth, nil
	default:
		return 0, fmt.Errorf("unknown api mode %q, expected openai, mcp or both", s)
	}
}

// Config holds listener configuration beyond the security policy.
type Config struct {
	Mode          APIMode
	BodySizeLimit int64 // bytes, default 10MB
	// IdleTimeout closes keep-alive connections with no request in flight.
	// Defaults to 2 minutes. Long-lived streams are unaffected: the timeout
	// only applies between requests.
	IdleTimeout time.Duration
}

// Server wraps the Echo server.
type Server struct {
	echo     *echo.Echo
	policy   *policy.SecurityPolicy
	registry *session.Registry
	metrics  *Metrics
}

// New wires routes and middleware for a resolved policy. The policy has
// already been validated; New never re-checks it and never binds a socket.
func New(pol *policy.SecurityPolicy, cfg Config, handler *Handler, dispatcher rpc.Dispatcher, registry *session.Registry, promReg *prometheus.Registry, logger *slog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	e.Server.IdleTimeout = idle
	e.Server.ReadHeaderTimeout = 10 * time.Second

	if logger == nil {
		logger = slog.Default()
	}
	metrics := NewMetrics(promReg)
	handler.metrics = metrics

	e.Use(middleware.Recover())
	e.Use(requestLogMiddleware(logger, metrics))
	e.Use(corsMiddleware(pol))

	bodyLimit := cfg.BodySizeLimit
	if bodyLimit <= 0 {
		bodyLimit = 10 << 20
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodyLimit, 10)))

	// Liveness and metrics are reachable without a secret.
	e.Use(authMiddleware(pol, []string{"/healthz", "/metrics"}))

	e.GET("/healthz", handler.Health)
	if promReg != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	}

	if cfg.Mode == ModeOpenAI || cfg.Mode == ModeBoth {
		e.GET("/v1/models", handler.ListModels)
		e.POST("/v1/chat/completions", handler.ChatCompletion)
		e.POST("/v1/responses", handler.Responses)
	}
	if cfg.Mode == ModeMCP || cfg.Mode == ModeBoth {
		e.GET("/mcp", func(c echo.Context) error {
			return rpc.Upgrade(c.Response(), c.Request(), dispatcher, registry, logger)
		})
	}

	return &Server{echo: e, policy: pol, registry: registry, metrics: metrics}
}

// Start binds the policy's address and serves until Shutdown.
func (s *Server) Start() error {
	return s.echo.Start(s.policy.Addr())
}

// Shutdown cancels live sessions first, which lets their handlers return,
// then drains the HTTP server. The other order deadlocks: echo waits for
// streaming handlers that only finish once the registry cancels them.
func (s *Server) Shutdown(ctx context.Context) error {
	regErr := s.registry.Shutdown(ctx)
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}
	return regErr
}

// ServeHTTP lets the server run under httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
