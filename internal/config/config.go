package config

import (
	"errors"
	"time"

	"github.com/poslink/lansync/internal/model"
)

// Config represents the replication layer configuration.
type Config struct {
	Instance    InstanceConfig    `mapstructure:"instance"`
	Server      ServerConfig      `mapstructure:"server"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Replication ReplicationConfig `mapstructure:"replication"`
	LocalStore  LocalStoreConfig  `mapstructure:"local_store"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// InstanceConfig identifies this deployment within its tenant.
type InstanceConfig struct {
	ID         string `mapstructure:"id"`
	TenantID   string `mapstructure:"tenant_id"`
	TenantName string `mapstructure:"tenant_name"`
	Version    string `mapstructure:"version"`
}

// ServerConfig represents the websocket/metrics HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ClientAuthKey   string        `mapstructure:"client_auth_key"`
	HandshakeWait   time.Duration `mapstructure:"handshake_wait"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DiscoveryConfig represents LAN peer discovery.
type DiscoveryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BindAddr       string        `mapstructure:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port"`
	Seeds          []string      `mapstructure:"seeds"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// ReplicationConfig represents the change propagation engine.
type ReplicationConfig struct {
	ConflictStrategy  string        `mapstructure:"conflict_strategy"`
	QueueWindow       time.Duration `mapstructure:"queue_window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl"`
}

// LocalStoreConfig represents the embedded SQLite database.
type LocalStoreConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig represents the remote PostgreSQL store and the
// reconciliation cycle against it.
type RemoteConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Database         string        `mapstructure:"database"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	MaxConnections   int           `mapstructure:"max_connections"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	OutboxBatchSize  int           `mapstructure:"outbox_batch_size"`
	OutboxMaxRetries int           `mapstructure:"outbox_max_retries"`
	GuardTakeover    time.Duration `mapstructure:"guard_takeover"`
}

// RedisConfig represents the optional Redis idempotency store.
// When Host is empty the in-memory store is used.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetricsConfig represents Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration and fills defaulted fields.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.Instance.TenantID == "" {
		return errors.New("instance.tenant_id is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.ClientAuthKey == "" {
		return errors.New("server.client_auth_key is required")
	}
	if c.Server.HandshakeWait <= 0 {
		c.Server.HandshakeWait = 10 * time.Second
	}
	if c.Discovery.BindPort <= 0 || c.Discovery.BindPort > 65535 {
		return errors.New("discovery.bind_port must be between 1 and 65535")
	}
	if c.Discovery.StaleAfter <= 0 {
		c.Discovery.StaleAfter = 30 * time.Second
	}
	if c.Discovery.SweepInterval <= 0 {
		c.Discovery.SweepInterval = 10 * time.Second
	}
	if c.Replication.ConflictStrategy == "" {
		c.Replication.ConflictStrategy = string(model.ConflictLastWriteWins)
	}
	if !model.ConflictStrategy(c.Replication.ConflictStrategy).Valid() {
		return errors.New("replication.conflict_strategy must be one of: last-write-wins, master-wins, manual")
	}
	if c.Replication.QueueWindow <= 0 {
		c.Replication.QueueWindow = 24 * time.Hour
	}
	if c.Replication.HeartbeatInterval <= 0 {
		c.Replication.HeartbeatInterval = 30 * time.Second
	}
	if c.Replication.IdempotencyTTL <= 0 {
		c.Replication.IdempotencyTTL = 24 * time.Hour
	}
	if c.LocalStore.Path == "" {
		return errors.New("local_store.path is required")
	}
	if c.Remote.OutboxBatchSize <= 0 {
		c.Remote.OutboxBatchSize = 100
	}
	if c.Remote.OutboxMaxRetries <= 0 {
		c.Remote.OutboxMaxRetries = 20
	}
	if c.Remote.ProbeTimeout <= 0 {
		c.Remote.ProbeTimeout = 3 * time.Second
	}
	if c.Remote.SyncInterval <= 0 {
		c.Remote.SyncInterval = 5 * time.Minute
	}
	if c.Remote.GuardTakeover <= 0 {
		c.Remote.GuardTakeover = 10 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// DefaultConfig returns a configuration with all defaults applied,
// suitable for merging a YAML file and environment overrides into.
func DefaultConfig() *Config {
	return &Config{
		Instance: InstanceConfig{
			Version: "1.0.0",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8765,
			HandshakeWait:   10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled:        true,
			BindAddr:       "0.0.0.0",
			BindPort:       7946,
			StaleAfter:     30 * time.Second,
			SweepInterval:  10 * time.Second,
			GossipInterval: 200 * time.Millisecond,
			ProbeTimeout:   500 * time.Millisecond,
			ProbeInterval:  time.Second,
		},
		Replication: ReplicationConfig{
			ConflictStrategy:  string(model.ConflictLastWriteWins),
			QueueWindow:       24 * time.Hour,
			HeartbeatInterval: 30 * time.Second,
			IdempotencyTTL:    24 * time.Hour,
		},
		LocalStore: LocalStoreConfig{
			Path: "./lansync.db",
		},
		Remote: RemoteConfig{
			Port:             5432,
			MaxConnections:   4,
			ProbeTimeout:     3 * time.Second,
			SyncInterval:     5 * time.Minute,
			OutboxBatchSize:  100,
			OutboxMaxRetries: 20,
			GuardTakeover:    10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
