package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/devrev/pairdb/docstore/internal/model"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DOCSTORE_"

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id" env:"NODE_ID"`
	DatabaseID      string        `yaml:"database_id" env:"DATABASE_ID"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir           string  `yaml:"data_dir" env:"DATA_DIR"`
	SegmentSize       int64   `yaml:"segment_size" env:"SEGMENT_SIZE"`
	SyncWrites        bool    `yaml:"sync_writes" env:"SYNC_WRITES"`
	ThrottleThreshold float64 `yaml:"throttle_threshold" env:"THROTTLE_THRESHOLD"`
	CircuitBreaker    float64 `yaml:"circuit_breaker_threshold" env:"CIRCUIT_BREAKER_THRESHOLD"`
	// CheckpointInterval controls how often the commit log is folded into a snapshot
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" env:"CHECKPOINT_INTERVAL"`
}

// MergerConfig holds transaction merger configuration
type MergerConfig struct {
	QueueSize          int `yaml:"queue_size" env:"QUEUE_SIZE"`
	MaxBatchedCommands int `yaml:"max_batched_commands" env:"MAX_BATCHED_COMMANDS"`
}

// ReplicationConfig holds incoming replication configuration
type ReplicationConfig struct {
	KeepAliveInterval        time.Duration `yaml:"keep_alive_interval" env:"KEEP_ALIVE_INTERVAL"`
	SuppressRevisionCreation bool          `yaml:"suppress_revision_creation" env:"SUPPRESS_REVISION_CREATION"`
	ChunkSize                int           `yaml:"chunk_size" env:"CHUNK_SIZE"`
	DedicatedThreshold       int           `yaml:"dedicated_threshold" env:"DEDICATED_THRESHOLD"`
	MaxBatchMemory           int64         `yaml:"max_batch_memory" env:"MAX_BATCH_MEMORY"`
	SpillThreshold           int64         `yaml:"spill_threshold" env:"SPILL_THRESHOLD"`
	TempDir                  string        `yaml:"temp_dir" env:"TEMP_DIR"`
	MaxBatchItems            int32         `yaml:"max_batch_items" env:"MAX_BATCH_ITEMS"`
	MaxAttachmentStreams     int32         `yaml:"max_attachment_streams" env:"MAX_ATTACHMENT_STREAMS"`
}

// ResolutionConfig holds conflict resolution configuration
type ResolutionConfig struct {
	ResolveToLatest bool `yaml:"resolve_to_latest" env:"RESOLVE_TO_LATEST"`
	// Scripts maps a collection to a CUE program that defines `resolved`
	Scripts   map[string]string `yaml:"scripts"`
	MaxRounds int               `yaml:"max_rounds" env:"MAX_ROUNDS"`
	Workers   int               `yaml:"workers" env:"WORKERS"`
}

// EnforcementConfig bounds database-wide retention rounds
type EnforcementConfig struct {
	RoundTimeBudget time.Duration `yaml:"round_time_budget" env:"ROUND_TIME_BUDGET"`
	RoundByteBudget int64         `yaml:"round_byte_budget" env:"ROUND_BYTE_BUDGET"`
}

// AlertsConfig holds operator alert storage configuration
type AlertsConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// GossipConfig holds configuration gossip settings
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	BindPort       int           `yaml:"bind_port" env:"BIND_PORT"`
	SeedNodes      []string      `yaml:"seed_nodes" env:"SEED_NODES" envSeparator:","`
	GossipInterval time.Duration `yaml:"gossip_interval" env:"GOSSIP_INTERVAL"`
	PingTimeout    time.Duration `yaml:"ping_timeout" env:"PING_TIMEOUT"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	JoinRetries    uint64        `yaml:"join_retries" env:"JOIN_RETRIES"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Port    int    `yaml:"port" env:"PORT"`
	Path    string `yaml:"path" env:"PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Config represents the complete configuration for a document store node
type Config struct {
	Server      ServerConfig                 `yaml:"server"`
	Storage     StorageConfig                `yaml:"storage"`
	Merger      MergerConfig                 `yaml:"merger"`
	Replication ReplicationConfig            `yaml:"replication"`
	Resolution  ResolutionConfig             `yaml:"resolution"`
	Revisions   model.RevisionsConfiguration `yaml:"revisions"`
	Enforcement EnforcementConfig            `yaml:"enforcement"`
	Alerts      AlertsConfig                 `yaml:"alerts"`
	Gossip      GossipConfig                 `yaml:"gossip"`
	Metrics     MetricsConfig                `yaml:"metrics"`
	Logging     LoggingConfig                `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file, then applies
// DOCSTORE_* environment overrides. An empty path uses defaults and the
// environment only.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(&cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnvironmentOverrides parses each section under its own prefix.
// Revision policies are file-only.
func applyEnvironmentOverrides(cfg *Config) error {
	sections := []struct {
		prefix string
		target any
	}{
		{"SERVER_", &cfg.Server},
		{"STORAGE_", &cfg.Storage},
		{"MERGER_", &cfg.Merger},
		{"REPLICATION_", &cfg.Replication},
		{"RESOLUTION_", &cfg.Resolution},
		{"ENFORCEMENT_", &cfg.Enforcement},
		{"ALERTS_", &cfg.Alerts},
		{"GOSSIP_", &cfg.Gossip},
		{"METRICS_", &cfg.Metrics},
		{"LOGGING_", &cfg.Logging},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return fmt.Errorf("error getting env configs: %w", err)
		}
	}
	return nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50062
	}
	if cfg.Server.DatabaseID == "" {
		cfg.Server.DatabaseID = cfg.Server.NodeID
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/docstore"
	}
	if cfg.Storage.SegmentSize == 0 {
		cfg.Storage.SegmentSize = 64 * 1024 * 1024
	}
	if cfg.Storage.ThrottleThreshold == 0 {
		cfg.Storage.ThrottleThreshold = 90.0
	}
	if cfg.Storage.CircuitBreaker == 0 {
		cfg.Storage.CircuitBreaker = 95.0
	}
	if cfg.Storage.CheckpointInterval == 0 {
		cfg.Storage.CheckpointInterval = 10 * time.Minute
	}

	if cfg.Merger.QueueSize == 0 {
		cfg.Merger.QueueSize = 1024
	}
	if cfg.Merger.MaxBatchedCommands == 0 {
		cfg.Merger.MaxBatchedCommands = 64
	}

	if cfg.Replication.KeepAliveInterval == 0 {
		cfg.Replication.KeepAliveInterval = 5 * time.Second
	}
	if cfg.Replication.ChunkSize == 0 {
		cfg.Replication.ChunkSize = 64 * 1024
	}
	if cfg.Replication.DedicatedThreshold == 0 {
		cfg.Replication.DedicatedThreshold = 16 * 1024
	}
	if cfg.Replication.MaxBatchMemory == 0 {
		cfg.Replication.MaxBatchMemory = 256 * 1024 * 1024
	}
	if cfg.Replication.SpillThreshold == 0 {
		cfg.Replication.SpillThreshold = 4 * 1024 * 1024
	}
	if cfg.Replication.MaxBatchItems == 0 {
		cfg.Replication.MaxBatchItems = 16 * 1024
	}
	if cfg.Replication.MaxAttachmentStreams == 0 {
		cfg.Replication.MaxAttachmentStreams = 1024
	}

	if cfg.Resolution.MaxRounds == 0 {
		cfg.Resolution.MaxRounds = 16
	}
	if cfg.Resolution.Workers == 0 {
		cfg.Resolution.Workers = 2
	}

	if cfg.Enforcement.RoundTimeBudget == 0 {
		cfg.Enforcement.RoundTimeBudget = 2 * time.Second
	}
	if cfg.Enforcement.RoundByteBudget == 0 {
		cfg.Enforcement.RoundByteBudget = 32 * 1024 * 1024
	}

	if cfg.Alerts.Path == "" {
		cfg.Alerts.Path = filepath.Join(cfg.Storage.DataDir, "alerts.db")
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.PingTimeout == 0 {
		cfg.Gossip.PingTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.PingInterval == 0 {
		cfg.Gossip.PingInterval = time.Second
	}
	if cfg.Gossip.JoinRetries == 0 {
		cfg.Gossip.JoinRetries = 5
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9092
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.ThrottleThreshold <= 0 || c.Storage.ThrottleThreshold > 100 {
		return fmt.Errorf("storage.throttle_threshold must be between 0 and 100")
	}
	if c.Storage.CircuitBreaker < c.Storage.ThrottleThreshold || c.Storage.CircuitBreaker > 100 {
		return fmt.Errorf("storage.circuit_breaker_threshold must be between throttle_threshold and 100")
	}
	if c.Replication.DedicatedThreshold > c.Replication.ChunkSize {
		return fmt.Errorf("replication.dedicated_threshold must not exceed replication.chunk_size")
	}
	if err := validatePolicy("revisions.default", c.Revisions.Default); err != nil {
		return err
	}
	if err := validatePolicy("revisions.conflicts", c.Revisions.Conflicts); err != nil {
		return err
	}
	for name, p := range c.Revisions.Collections {
		p := p
		if err := validatePolicy("revisions.collections."+name, &p); err != nil {
			return err
		}
	}
	return nil
}

func validatePolicy(path string, p *model.RetentionPolicy) error {
	if p == nil {
		return nil
	}
	if p.MinimumRevisionsToKeep != nil && *p.MinimumRevisionsToKeep < 0 {
		return fmt.Errorf("%s.minimum_revisions_to_keep must not be negative", path)
	}
	if p.MinimumRevisionAgeToKeep != nil && *p.MinimumRevisionAgeToKeep < 0 {
		return fmt.Errorf("%s.minimum_revision_age_to_keep must not be negative", path)
	}
	if p.MaxDeletesPerUpdate != nil && *p.MaxDeletesPerUpdate <= 0 {
		return fmt.Errorf("%s.max_deletes_per_update must be positive", path)
	}
	return nil
}
