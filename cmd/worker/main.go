// Background worker for CareCircle. It consumes the domain-event topics the
// API server publishes and runs the follow-up work that does not belong on
// the request path. Today that is removing the stored photo of an event a
// DELETE resolution tombstoned.
//
// Each topic is read by --workers consumers in one group, so partitions are
// shared between them and between worker replicas. A handler is retried
// with exponential backoff (1s, 2s, 4s); after that the message goes to
// <topic>.dlq and is committed.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/internal/infrastructure/database/postgres"
	"github.com/turtacn/CareCircle/internal/infrastructure/database/postgres/repositories"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/CareCircle/internal/infrastructure/storage/minio"
	httpserver "github.com/turtacn/CareCircle/internal/interfaces/http"
	"github.com/turtacn/CareCircle/internal/interfaces/http/handlers"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// Injected via ldflags.
var Version = "dev"

const (
	defaultWorkerConfigPath = "configs/config.yaml"
	defaultHealthPort       = 8081
	defaultGroupID          = "carecircle-worker"
)

type options struct {
	configPath string
	workers    int
	groupID    string
	healthPort int
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Consume CareCircle domain events",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", defaultWorkerConfigPath, "path to configuration file")
	f.IntVar(&opts.workers, "workers", 2, "consumers per topic")
	f.StringVar(&opts.groupID, "group", defaultGroupID, "consumer group")
	f.IntVar(&opts.healthPort, "health-port", defaultHealthPort, "port for /healthz, /readyz and /metrics")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

// checkRequirements rejects configurations the worker cannot run on: it
// reads events from PostgreSQL, photos from MinIO, and its input from Kafka.
func checkRequirements(cfg *config.Config) error {
	switch {
	case !cfg.Kafka.Enabled:
		return errors.New(errors.ErrCodeValidation, "worker requires kafka.enabled")
	case cfg.Storage.Driver != "postgres":
		return errors.New(errors.ErrCodeValidation, "worker requires storage.driver=postgres")
	case !cfg.MinIO.Enabled:
		return errors.New(errors.ErrCodeValidation, "worker requires minio.enabled")
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	if err := checkRequirements(cfg); err != nil {
		return err
	}
	if opts.workers < 1 {
		opts.workers = 1
	}

	logger, err := logging.NewLogger(logging.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}
	logger = logger.Named("worker")

	collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfig{Namespace: cfg.Metrics.Namespace}, logger)
	if err != nil {
		return err
	}
	metrics := prometheus.NewCareMetrics(collector)

	pool, err := postgres.NewConnectionPool(cfg.Database, logger.Named("postgres"))
	if err != nil {
		return err
	}
	defer pool.Close()
	events := repositories.NewEventRepository(pool, logger, repositories.WithMetrics(metrics))

	objects, err := minio.NewClient(&minio.Config{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	}, logger.Named("minio"))
	if err != nil {
		return err
	}
	photos := minio.NewPhotoStore(objects, nil)

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:     cfg.Kafka.Brokers,
		Acks:        "all",
		MaxAttempts: cfg.Kafka.MaxAttempts,
	}, logger.Named("dlq"))
	if err != nil {
		return err
	}
	defer producer.Close()

	topics := kafka.Topics{Prefix: cfg.Kafka.TopicPrefix}
	d := newDispatcher(topics, producer, collector, logger)
	d.route(kafka.TopicConflicts, newPhotoJanitor(events, photos, logger).HandleConflict)

	health := handlers.NewHealthHandler(Version,
		handlers.CheckFunc{Label: "postgres", Fn: func(ctx context.Context) error {
			return postgres.HealthCheck(ctx, pool, logger)
		}},
		handlers.CheckFunc{Label: "minio", Fn: objects.HealthCheck},
	)
	gin.SetMode(cfg.Server.Mode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", health.Liveness)
	engine.GET("/readyz", health.Readiness)
	engine.GET("/metrics", gin.WrapH(collector.Handler()))
	healthSrv := httpserver.NewServer(config.ServerConfig{
		Port:            opts.healthPort,
		ReadTimeout:     5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}, engine, logger)

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range d.Topics() {
		for i := 0; i < opts.workers; i++ {
			consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
				Brokers:        cfg.Kafka.Brokers,
				GroupID:        opts.groupID,
				Topic:          topics.Name(topic),
				CommitInterval: time.Second,
			}, logger.With(logging.String("topic", topic), logging.Int("consumer", i)))
			if err != nil {
				return err
			}
			defer consumer.Close()
			handle := d.handler(topic)
			g.Go(func() error { return consumer.Run(gctx, handle) })
		}
	}
	g.Go(healthSrv.Start)
	g.Go(func() error {
		<-gctx.Done()
		return healthSrv.Stop(context.Background())
	})

	logger.Info("worker started",
		logging.Int("workers", opts.workers),
		logging.String("group", opts.groupID),
		logging.Int("health_port", opts.healthPort))

	err = g.Wait()
	if err != nil && !stderrors.Is(err, context.Canceled) {
		logger.Error("worker exited with error", logging.Err(err))
		return err
	}
	logger.Info("worker stopped")
	return nil
}
