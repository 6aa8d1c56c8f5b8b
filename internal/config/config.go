// Package config defines all configuration structures for the CareCircle
// coordination core. No I/O or parsing logic lives here, only plain data
// types and validation.
package config

import (
	"fmt"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sub-configuration structs
// ─────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server tunables.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // "debug" | "release" | "test"
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`

	// RateLimit is the sustained per-caller request rate; zero disables it.
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "memory" | "postgres"
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"db_name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig holds Redis connection parameters. Redis backs presence and
// sweeper leadership when enabled.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// KafkaConfig holds the domain-event producer parameters.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	TopicPrefix  string        `mapstructure:"topic_prefix"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Acks         string        `mapstructure:"acks"` // "all" | "one" | "none"
}

// MinIOConfig holds object-storage parameters for photo payloads.
type MinIOConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Endpoint      string        `mapstructure:"endpoint"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	Bucket        string        `mapstructure:"bucket"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
}

// AuthConfig holds bearer-token verification parameters.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// LogConfig holds structured-logging parameters.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // "debug" | "info" | "warn" | "error"
	Format string `mapstructure:"format"` // "json" | "console"
	Output string `mapstructure:"output"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Coordination settings
// ─────────────────────────────────────────────────────────────────────────────

// PresenceConfig tunes heartbeat expiry.
type PresenceConfig struct {
	Store         string        `mapstructure:"store"` // "memory" | "redis"
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Retention     time.Duration `mapstructure:"retention"`
}

// ConflictConfig is the duplicate-scoring policy. It can be changed at
// runtime through Watch.
type ConflictConfig struct {
	Window       time.Duration `mapstructure:"window"`
	Threshold    float64       `mapstructure:"threshold"`
	TimeWeight   float64       `mapstructure:"time_weight"`
	FieldWeight  float64       `mapstructure:"field_weight"`
	SignalWeight float64       `mapstructure:"signal_weight"`
}

// EscalationConfig bounds ESCALATED conflicts.
type EscalationConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// InvitationConfig bounds invitations.
type InvitationConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SyncConfig tunes offline replay.
type SyncConfig struct {
	MaxBatch       int           `mapstructure:"max_batch"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// SubscriptionConfig bounds live fan-out.
type SubscriptionConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// ActorConfig tunes per-family actors.
type ActorConfig struct {
	MailboxSize int           `mapstructure:"mailbox_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// CareConfig groups the coordination settings.
type CareConfig struct {
	Presence     PresenceConfig     `mapstructure:"presence"`
	Conflict     ConflictConfig     `mapstructure:"conflict"`
	Escalation   EscalationConfig   `mapstructure:"escalation"`
	Invitation   InvitationConfig   `mapstructure:"invitation"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Actor        ActorConfig        `mapstructure:"actor"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Root Config
// ─────────────────────────────────────────────────────────────────────────────

// Config is the root configuration structure. Every infrastructure component
// and application service reads its settings from the relevant sub-struct.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
	Care     CareConfig     `mapstructure:"care"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

// Validate performs semantic validation of the fully-populated Config.
// It returns the first error encountered; callers should treat any error as
// fatal and refuse to start.
func (c *Config) Validate() error {
	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d is out of range [1, 65535]", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("config: server.mode %q is invalid; expected debug|release|test", c.Server.Mode)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("config: server.rate_limit must not be negative")
	}

	// Storage
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("config: database.host is required")
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("config: database.port %d is out of range [1, 65535]", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("config: database.user is required")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("config: database.db_name is required")
		}
		if c.Database.MaxConns < 1 {
			return fmt.Errorf("config: database.max_conns must be >= 1, got %d", c.Database.MaxConns)
		}
	default:
		return fmt.Errorf("config: storage.driver %q is invalid; expected memory|postgres", c.Storage.Driver)
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required when redis is enabled")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("config: redis.db must be >= 0, got %d", c.Redis.DB)
	}

	// Kafka
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers must contain at least one broker address")
	}

	// MinIO
	if c.MinIO.Enabled && (c.MinIO.Endpoint == "" || c.MinIO.Bucket == "") {
		return fmt.Errorf("config: minio.endpoint and minio.bucket are required when minio is enabled")
	}

	// Auth
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("config: auth.jwt_secret must be at least 16 characters")
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is invalid; expected json|console", c.Log.Format)
	}

	return c.Care.Validate(c.Redis.Enabled)
}

// Validate checks the coordination settings. redisEnabled gates the redis
// presence store.
func (c *CareConfig) Validate(redisEnabled bool) error {
	switch c.Presence.Store {
	case "memory":
	case "redis":
		if !redisEnabled {
			return fmt.Errorf("config: care.presence.store=redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("config: care.presence.store %q is invalid; expected memory|redis", c.Presence.Store)
	}
	if c.Presence.Timeout <= 0 || c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("config: care.presence timeout and sweep_interval must be positive")
	}
	if c.Presence.SweepInterval > c.Presence.Timeout {
		return fmt.Errorf("config: care.presence.sweep_interval must not exceed the timeout")
	}
	if err := c.Conflict.Validate(); err != nil {
		return err
	}
	if c.Escalation.Timeout <= 0 {
		return fmt.Errorf("config: care.escalation.timeout must be positive")
	}
	if c.Invitation.TTL <= 0 {
		return fmt.Errorf("config: care.invitation.ttl must be positive")
	}
	if c.Sync.MaxBatch < 1 || c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("config: care.sync max_batch and max_attempts must be >= 1")
	}
	if c.Subscription.QueueSize < 1 {
		return fmt.Errorf("config: care.subscription.queue_size must be >= 1")
	}
	if c.Actor.MailboxSize < 1 {
		return fmt.Errorf("config: care.actor.mailbox_size must be >= 1")
	}
	return nil
}

// Validate checks the scoring policy ranges.
func (c ConflictConfig) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("config: care.conflict.window must be positive")
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("config: care.conflict.threshold %v is out of range [0, 1]", c.Threshold)
	}
	if c.TimeWeight < 0 || c.FieldWeight < 0 || c.SignalWeight < 0 {
		return fmt.Errorf("config: care.conflict weights must not be negative")
	}
	if c.TimeWeight+c.FieldWeight+c.SignalWeight == 0 {
		return fmt.Errorf("config: care.conflict needs at least one positive weight")
	}
	return nil
}
