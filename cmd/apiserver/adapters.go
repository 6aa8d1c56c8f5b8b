package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/internal/domain/presence"
	"github.com/turtacn/CareCircle/internal/infrastructure/database/memory"
	"github.com/turtacn/CareCircle/internal/infrastructure/database/postgres"
	"github.com/turtacn/CareCircle/internal/infrastructure/database/postgres/repositories"
	"github.com/turtacn/CareCircle/internal/infrastructure/database/redis"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/CareCircle/internal/infrastructure/storage/minio"
	"github.com/turtacn/CareCircle/internal/interfaces/http/handlers"
)

const leaderName = "sweeper"

// infra owns every external connection the server opened.
type infra struct {
	pool      *pgxpool.Pool
	redis     *redis.Client
	publisher *kafka.Publisher
	photos    *minio.Client
	checkers  []handlers.HealthChecker
	logger    logging.Logger
}

// openInfra connects to whatever the configuration enables and fills the
// storage side of deps. On error everything opened so far is closed.
func openInfra(cfg *config.Config, metrics *prometheus.CareMetrics, logger logging.Logger, deps *care.Dependencies) (_ *infra, err error) {
	in := &infra{logger: logger}
	defer func() {
		if err != nil {
			in.close()
		}
	}()

	if cfg.Redis.Enabled {
		in.redis, err = redis.NewClient(&redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		}, logger.Named("redis"))
		if err != nil {
			return nil, err
		}
		in.checkers = append(in.checkers, &redisHealthAdapter{client: in.redis})
		deps.Leader = in.redis.NewLeader(leaderName, leaderTTL(cfg.Care))
	}

	switch cfg.Storage.Driver {
	case "postgres":
		if cfg.Database.AutoMigrate {
			if err = postgres.RunMigrations(postgres.ConnString(cfg.Database), logger); err != nil {
				return nil, err
			}
		}
		in.pool, err = postgres.NewConnectionPool(cfg.Database, logger.Named("postgres"))
		if err != nil {
			return nil, err
		}
		in.checkers = append(in.checkers, &postgresHealthAdapter{pool: in.pool, logger: logger})

		opt := repositories.WithMetrics(metrics)
		repoLog := logger.Named("repository")
		deps.Families = repositories.NewFamilyRepository(in.pool, repoLog, opt)
		deps.Children = repositories.NewChildRepository(in.pool, repoLog, opt)
		deps.Members = repositories.NewMemberRepository(in.pool, repoLog, opt)
		deps.Events = repositories.NewEventRepository(in.pool, repoLog, opt)
		deps.Conflicts = repositories.NewConflictRepository(in.pool, repoLog, opt)
		deps.Invitations = repositories.NewInvitationRepository(in.pool, repoLog, opt)
		deps.Cursors = repositories.NewCursorRepository(in.pool, repoLog, opt)
	default:
		members := memory.NewMemberRepository()
		deps.Families = memory.NewFamilyRepository(members)
		deps.Children = memory.NewChildRepository()
		deps.Members = members
		deps.Events = memory.NewEventRepository()
		deps.Conflicts = memory.NewConflictRepository()
		deps.Invitations = memory.NewInvitationRepository()
		if in.redis != nil {
			deps.Cursors = redis.NewCursorStore(in.redis)
		} else {
			deps.Cursors = memory.NewCursorRepository()
		}
		logger.Warn("using in-memory storage; data is lost on restart")
	}

	if cfg.Care.Presence.Store == "redis" {
		deps.Presence = redis.NewPresenceStore(in.redis, nil)
	} else {
		deps.Presence = presence.NewMemoryStore(nil)
	}

	if cfg.Kafka.Enabled {
		producer, perr := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Acks:         cfg.Kafka.Acks,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger.Named("kafka"))
		if perr != nil {
			return nil, perr
		}
		in.publisher = kafka.NewPublisher(producer, kafka.Topics{Prefix: cfg.Kafka.TopicPrefix}, "carecircle-apiserver", logger)
		deps.Publisher = in.publisher
	}

	if cfg.MinIO.Enabled {
		in.photos, err = minio.NewClient(&minio.Config{
			Endpoint:      cfg.MinIO.Endpoint,
			AccessKey:     cfg.MinIO.AccessKey,
			SecretKey:     cfg.MinIO.SecretKey,
			Bucket:        cfg.MinIO.Bucket,
			UseSSL:        cfg.MinIO.UseSSL,
			PresignExpiry: cfg.MinIO.PresignExpiry,
		}, logger.Named("minio"))
		if err != nil {
			return nil, err
		}
		in.checkers = append(in.checkers, handlers.CheckFunc{Label: "minio", Fn: in.photos.HealthCheck})
		deps.Photos = minio.NewPhotoStore(in.photos, nil)
	}

	return in, nil
}

// close releases connections in reverse order of opening. The publisher is
// closed after the service has flushed it.
func (in *infra) close() {
	if in.publisher != nil {
		if err := in.publisher.Close(); err != nil {
			in.logger.Warn("closing kafka publisher", logging.Err(err))
		}
	}
	if in.pool != nil {
		in.pool.Close()
	}
	if in.redis != nil {
		if err := in.redis.Close(); err != nil {
			in.logger.Warn("closing redis", logging.Err(err))
		}
	}
}

// leaderTTL outlives the longest gap between two leader sweeps so the
// holder keeps the lock between ticks.
func leaderTTL(c config.CareConfig) time.Duration {
	longest := c.Escalation.SweepInterval
	if c.Invitation.SweepInterval > longest {
		longest = c.Invitation.SweepInterval
	}
	if longest <= 0 {
		longest = 5 * time.Minute
	}
	return 2 * longest
}

// Adapters for HealthHandler
type postgresHealthAdapter struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

func (a *postgresHealthAdapter) Name() string {
	return "postgres"
}

func (a *postgresHealthAdapter) Check(ctx context.Context) error {
	return postgres.HealthCheck(ctx, a.pool, a.logger)
}

type redisHealthAdapter struct {
	client *redis.Client
}

func (a *redisHealthAdapter) Name() string {
	return "redis"
}

func (a *redisHealthAdapter) Check(ctx context.Context) error {
	return a.client.Ping(ctx)
}
