// Package main is the entry point for the modelgate server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"modelgate/config"
	"modelgate/internal/logging"
	"modelgate/internal/policy"
	"modelgate/internal/providers/openai"
	"modelgate/internal/requestlog"
	"modelgate/internal/rpc"
	"modelgate/internal/server"
	"modelgate/internal/session"
	"modelgate/internal/stream"
	"modelgate/internal/translate"
	"modelgate/internal/version"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file (TOML)")
		host        = flag.String("host", "", "Bind address (overrides config)")
		port        = flag.Int("port", 0, "Listen port (overrides config)")
		token       = flag.String("token", "", "Bearer token clients must present (overrides config)")
		noAuth      = flag.Bool("no-auth", false, "Disable authentication (loopback binds only)")
		apiMode     = flag.String("api", "", "Exposed API surface: openai, mcp or both (overrides config)")
		stdio       = flag.Bool("stdio", false, "Serve the RPC protocol on stdin/stdout instead of HTTP")
		versionFlag = flag.Bool("version", false, "Print version information")
	)
	var corsOrigins stringList
	flag.Var(&corsOrigins, "cors-origin", "Allowed CORS origin (repeatable)")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.Info("starting modelgate", "version", version.Version, "commit", version.Commit)

	// Flags override the config file where set.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Server.BindAddress = *host
		case "port":
			cfg.Server.Port = *port
		case "token":
			cfg.Server.AuthToken = *token
		case "no-auth":
			cfg.Server.NoAuth = *noAuth
		case "api":
			cfg.Server.API = *apiMode
		case "cors-origin":
			cfg.Server.CORSOrigins = corsOrigins
		}
	})

	// The policy must hold before anything touches a socket. A bad policy is
	// a fatal startup error, never a warning.
	pol, err := policy.Resolve(cfg.Server.PolicyRaw())
	if err != nil {
		logger.Error("invalid security policy", "error", err)
		os.Exit(1)
	}

	mode, err := server.ParseAPIMode(cfg.Server.API)
	if err != nil {
		logger.Error("invalid api mode", "error", err)
		os.Exit(1)
	}

	if cfg.Provider.APIKey == "" && cfg.Provider.BaseURL == "" {
		logger.Error("provider api_key is required (set MODELGATE_PROVIDER_API_KEY or [provider] api_key)")
		os.Exit(1)
	}

	provider := openai.New(openai.Config{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Wire:    openai.Wire(cfg.Provider.Wire),
	})

	promReg := prometheus.NewRegistry()
	registry := session.NewRegistry(cfg.Server.MaxSessions, logger, promReg)
	adapter := stream.NewAdapter(provider, stream.Config{CallTimeout: cfg.Provider.CallTimeout}, logger)

	var reqLogger *requestlog.Logger
	if cfg.RequestLog.Enabled {
		store, err := requestlog.OpenStore(cfg.RequestLog.Path)
		if err != nil {
			logger.Error("failed to open request log", "error", err)
			os.Exit(1)
		}
		reqLogger = requestlog.NewLogger(store, requestlog.Config{}, logger)
		defer func() {
			if err := reqLogger.Close(); err != nil {
				logger.Error("close request log", "error", err)
			}
		}()
	}

	models := cfg.Provider.Models
	if len(models) == 0 {
		models = []string{cfg.Provider.DefaultModel}
	}

	handler := server.NewHandler(server.HandlerConfig{
		Adapter:  adapter,
		Registry: registry,
		Defaults: translate.Defaults{
			Model: cfg.Provider.DefaultModel,
			Bounds: translate.Bounds{
				MaxTemperature: cfg.Provider.MaxTemperature,
				MaxTokens:      cfg.Provider.MaxTokens,
			},
		},
		Models:    models,
		Proxy:     provider,
		ReqLog:    reqLogger,
		KeepAlive: cfg.Server.KeepAlive,
		Logger:    logger,
	})
	dispatcher := rpc.NewDispatcher(handler, "modelgate", version.Version, logger)

	if *stdio {
		// Stdio shares the HTTP bridge's dispatcher; logs go to stderr so
		// stdout stays a clean frame channel.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger.Info("serving rpc on stdio")
		rpc.ServeStdio(ctx, os.Stdin, os.Stdout, dispatcher, logger)
		return
	}

	srv := server.New(pol, server.Config{Mode: mode, IdleTimeout: cfg.Server.IdleTimeout}, handler, dispatcher, registry, promReg, logger)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("listening", "addr", pol.Addr(), "api", cfg.Server.API, "no_auth", pol.NoAuth)
	if err := srv.Start(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("server stopped")
		} else {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}
}
