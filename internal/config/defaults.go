package config

import "time"

// ─────────────────────────────────────────────────────────────────────────────
// Default value constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	DefaultServerPort = 8080
	DefaultServerMode = "release"

	DefaultStorageDriver = "memory"

	DefaultDBHost     = "localhost"
	DefaultDBPort     = 5432
	DefaultDBName     = "carecircle"
	DefaultDBMaxConns = 20

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisKeyPrefix = "carecircle:"

	DefaultKafkaBroker      = "localhost:9092"
	DefaultKafkaTopicPrefix = "carecircle."

	DefaultMinIOEndpoint = "localhost:9000"
	DefaultMinIOBucket   = "carecircle-photos"

	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "carecircle"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultPresenceTimeout   = 60 * time.Second
	DefaultConflictWindow    = 5 * time.Minute
	DefaultConflictThreshold = 0.6
	DefaultEscalationTimeout = 24 * time.Hour
	DefaultInvitationTTL     = 7 * 24 * time.Hour
	DefaultSubscriptionQueue = 256
	DefaultActorMailboxSize  = 128
	DefaultSyncMaxBatch      = 500
	DefaultSyncMaxAttempts   = 4
)

// ApplyDefaults fills every zero-value field in cfg with the default. Fields
// already set by the caller are left unchanged so that explicit
// configuration always wins.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	// ── Server ────────────────────────────────────────────────────────────────
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = DefaultServerMode
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = 4 << 20
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = int(2 * cfg.Server.RateLimit)
	}

	// ── Storage / Database ────────────────────────────────────────────────────
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = DefaultDBHost
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = DefaultDBPort
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = DefaultDBName
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = DefaultDBMaxConns
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = time.Hour
	}

	// ── Redis ─────────────────────────────────────────────────────────────────
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}

	// ── Kafka ─────────────────────────────────────────────────────────────────
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{DefaultKafkaBroker}
	}
	if cfg.Kafka.TopicPrefix == "" {
		cfg.Kafka.TopicPrefix = DefaultKafkaTopicPrefix
	}
	if cfg.Kafka.BatchSize == 0 {
		cfg.Kafka.BatchSize = 100
	}
	if cfg.Kafka.BatchTimeout == 0 {
		cfg.Kafka.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.Kafka.Acks == "" {
		cfg.Kafka.Acks = "all"
	}
	if cfg.Kafka.MaxAttempts == 0 {
		cfg.Kafka.MaxAttempts = 3
	}

	// ── MinIO ─────────────────────────────────────────────────────────────────
	if cfg.MinIO.Endpoint == "" {
		cfg.MinIO.Endpoint = DefaultMinIOEndpoint
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = DefaultMinIOBucket
	}
	if cfg.MinIO.PresignExpiry == 0 {
		cfg.MinIO.PresignExpiry = 15 * time.Minute
	}

	// ── Auth ──────────────────────────────────────────────────────────────────
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "carecircle"
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 12 * time.Hour
	}

	// ── Metrics / Log ─────────────────────────────────────────────────────────
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	applyCareDefaults(&cfg.Care)
}

func applyCareDefaults(c *CareConfig) {
	if c.Presence.Store == "" {
		c.Presence.Store = "memory"
	}
	if c.Presence.Timeout == 0 {
		c.Presence.Timeout = DefaultPresenceTimeout
	}
	if c.Presence.SweepInterval == 0 {
		c.Presence.SweepInterval = c.Presence.Timeout / 4
	}
	if c.Presence.Retention == 0 {
		c.Presence.Retention = 10 * time.Minute
	}

	// Weights are only defaulted as a set; an explicit 0 for one weight
	// alongside others is a valid policy.
	if c.Conflict.Window == 0 {
		c.Conflict.Window = DefaultConflictWindow
	}
	if c.Conflict.Threshold == 0 {
		c.Conflict.Threshold = DefaultConflictThreshold
	}
	if c.Conflict.TimeWeight == 0 && c.Conflict.FieldWeight == 0 && c.Conflict.SignalWeight == 0 {
		c.Conflict.TimeWeight, c.Conflict.FieldWeight, c.Conflict.SignalWeight = 0.5, 0.3, 0.2
	}

	if c.Escalation.Timeout == 0 {
		c.Escalation.Timeout = DefaultEscalationTimeout
	}
	if c.Escalation.SweepInterval == 0 {
		c.Escalation.SweepInterval = time.Minute
	}
	if c.Invitation.TTL == 0 {
		c.Invitation.TTL = DefaultInvitationTTL
	}
	if c.Invitation.SweepInterval == 0 {
		c.Invitation.SweepInterval = 5 * time.Minute
	}
	if c.Sync.MaxBatch == 0 {
		c.Sync.MaxBatch = DefaultSyncMaxBatch
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = DefaultSyncMaxAttempts
	}
	if c.Sync.InitialBackoff == 0 {
		c.Sync.InitialBackoff = 50 * time.Millisecond
	}
	if c.Sync.MaxBackoff == 0 {
		c.Sync.MaxBackoff = 2 * time.Second
	}
	if c.Subscription.QueueSize == 0 {
		c.Subscription.QueueSize = DefaultSubscriptionQueue
	}
	if c.Subscription.PingInterval == 0 {
		c.Subscription.PingInterval = 30 * time.Second
	}
	if c.Actor.MailboxSize == 0 {
		c.Actor.MailboxSize = DefaultActorMailboxSize
	}
	if c.Actor.IdleTimeout == 0 {
		c.Actor.IdleTimeout = 10 * time.Minute
	}
}
