// API server entry point for CareCircle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/internal/infrastructure/auth/token"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	httpserver "github.com/turtacn/CareCircle/internal/interfaces/http"
	"github.com/turtacn/CareCircle/internal/interfaces/http/handlers"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
)

// Injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	var (
		configPath string
		port       int
	)
	cmd := &cobra.Command{
		Use:           "apiserver",
		Short:         "Serve the CareCircle coordination API",
		Version:       fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides server.port)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "apiserver: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path when it exists and falls back to the environment.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	logCfg := logging.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}
	if cfg.Log.Output != "" {
		logCfg.OutputPaths = []string{cfg.Log.Output}
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}

	logger.Info("starting CareCircle API server",
		logging.String("version", Version),
		logging.String("storage", cfg.Storage.Driver),
		logging.Int("port", cfg.Server.Port),
	)

	var (
		collector prometheus.MetricsCollector
		metrics   = prometheus.NewNopMetrics()
	)
	if cfg.Metrics.Enabled {
		collector, err = prometheus.NewMetricsCollector(prometheus.CollectorConfig{Namespace: cfg.Metrics.Namespace}, logger)
		if err != nil {
			return err
		}
		metrics = prometheus.NewCareMetrics(collector)
	}

	deps := care.Dependencies{Metrics: metrics, Logger: logger}
	in, err := openInfra(cfg, metrics, logger, &deps)
	if err != nil {
		return err
	}
	defer in.close()

	svc, err := care.NewService(deps, cfg.Care)
	if err != nil {
		return err
	}

	tokens, err := token.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	gin.SetMode(cfg.Server.Mode)
	routerCfg := httpserver.RouterConfig{
		Family:     handlers.NewFamilyHandler(svc),
		Activity:   handlers.NewActivityHandler(svc),
		Presence:   handlers.NewPresenceHandler(svc),
		Conflict:   handlers.NewConflictHandler(svc),
		Invitation: handlers.NewInvitationHandler(svc),
		Grant:      handlers.NewGrantHandler(svc),
		Sync:       handlers.NewSyncHandler(svc),
		Stream: handlers.NewStreamHandler(svc, handlers.StreamConfig{
			PingInterval: cfg.Care.Subscription.PingInterval,
		}, logger),
		Health:           handlers.NewHealthHandler(Version, in.checkers...),
		Verifier:         tokens,
		Logging:          middleware.DefaultLoggingConfig(),
		Logger:           logger,
		Metrics:          metrics,
		MetricsCollector: collector,
		MetricsPath:      cfg.Metrics.Path,
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		cors := middleware.DefaultCORSConfig()
		cors.AllowedOrigins = cfg.Server.CORSOrigins
		cors.AllowWildcard = true
		routerCfg.CORS = &cors
	}
	if cfg.Server.RateLimit > 0 {
		routerCfg.RateLimiter = middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateLimitBurst, 0)
	}
	server := httpserver.NewServer(cfg.Server, httpserver.NewRouter(routerCfg), logger)

	watchConfig(configPath, svc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// The server stops accepting first; Shutdown then closes the live
		// streams it cannot drain and flushes pending domain events.
		stopCtx := context.Background()
		serr := server.Stop(stopCtx)
		shutdownCtx, cancel := context.WithTimeout(stopCtx, cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Error("care service shutdown failed", logging.Err(err))
		}
		return serr
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", logging.Err(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

// watchConfig hot-reloads the conflict scoring policy.
func watchConfig(path string, svc care.Service, logger logging.Logger) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	err := config.Watch(path, func(cfg *config.Config) {
		if err := svc.SetConflictPolicy(care.PolicyFromConfig(cfg.Care.Conflict)); err != nil {
			logger.Warn("conflict policy reload rejected", logging.Err(err))
			return
		}
		logger.Info("conflict policy reloaded",
			logging.Float64("threshold", cfg.Care.Conflict.Threshold),
			logging.Duration("window", cfg.Care.Conflict.Window),
		)
	}, func(err error) {
		logger.Warn("config reload failed", logging.Err(err))
	})
	if err != nil {
		logger.Warn("config watch disabled", logging.Err(err))
	}
}
