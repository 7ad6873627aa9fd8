// Package config loads statsync configuration from an optional YAML file
// overlaid with STATSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "STATSYNC_"

// Conflict strategies accepted by SyncConfig.ConflictStrategy.
const (
	StrategyLastWriteWins = "last_write_wins"
	StrategyManual        = "manual"
	StrategyMerge         = "merge"
)

// Config is the root configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir" env:"DATA_DIR"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Sync       SyncConfig       `yaml:"sync" envPrefix:"SYNC_"`
	Cache      CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Relational RelationalConfig `yaml:"relational" envPrefix:"RELATIONAL_"`
	Document   DocumentConfig   `yaml:"document" envPrefix:"DOCUMENT_"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Backup     BackupConfig     `yaml:"backup" envPrefix:"BACKUP_"`
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	Interval           time.Duration `yaml:"interval" env:"INTERVAL"`
	RetryAttempts      int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	OfflineQueueLimit  int           `yaml:"offline_queue_limit" env:"OFFLINE_QUEUE_LIMIT"`
	ConflictStrategy   string        `yaml:"conflict_strategy" env:"CONFLICT_STRATEGY"`
	CompletedRetention time.Duration `yaml:"completed_retention" env:"COMPLETED_RETENTION"`
	RequestTimeout     time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	Tables             []string      `yaml:"tables" env:"TABLES"`
	Realtime           bool          `yaml:"realtime" env:"REALTIME"`
}

// CacheConfig controls the in-process cache.
type CacheConfig struct {
	MaxSize         int           `yaml:"max_size" env:"MAX_SIZE"`
	TTL             time.Duration `yaml:"ttl" env:"TTL"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	EncryptionKey   string        `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
}

// RelationalConfig points at the relational realtime backend.
type RelationalConfig struct {
	URL         string `yaml:"url" env:"URL"`
	APIKey      string `yaml:"api_key" env:"API_KEY"`
	Schema      string `yaml:"schema" env:"SCHEMA"`
	RealtimeURL string `yaml:"realtime_url" env:"REALTIME_URL"`
}

// DocumentConfig points at the document realtime backend.
type DocumentConfig struct {
	URL       string `yaml:"url" env:"URL"`
	ProjectID string `yaml:"project_id" env:"PROJECT_ID"`
	APIKey    string `yaml:"api_key" env:"API_KEY"`
	FeedURL   string `yaml:"feed_url" env:"FEED_URL"`
}

// TelemetryConfig controls trace export. Tracing is off unless an
// endpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio  float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
	MaxMetrics   int     `yaml:"max_metrics" env:"MAX_METRICS"`
}

// BackupConfig controls automatic backups.
type BackupConfig struct {
	Dir        string        `yaml:"dir" env:"DIR"`
	Password   string        `yaml:"password" env:"PASSWORD"`
	MaxBackups int           `yaml:"max_backups" env:"MAX_BACKUPS"`
	Interval   time.Duration `yaml:"interval" env:"INTERVAL"`
	Enabled    bool          `yaml:"enabled" env:"ENABLED"`
}

// ServerConfig controls the status server of the daemon.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ".statsync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".statsync")
	}
	return &Config{
		DataDir: dataDir,
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Sync: SyncConfig{
			Interval:           30 * time.Second,
			RetryAttempts:      3,
			OfflineQueueLimit:  1000,
			ConflictStrategy:   StrategyLastWriteWins,
			CompletedRetention: 24 * time.Hour,
			RequestTimeout:     15 * time.Second,
			Realtime:           true,
		},
		Cache: CacheConfig{
			MaxSize:         1000,
			TTL:             5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Relational: RelationalConfig{Schema: "public"},
		Telemetry: TelemetryConfig{
			ServiceName: "statsync",
			SampleRatio: 1,
			MaxMetrics:  1000,
		},
		Backup: BackupConfig{
			MaxBackups: 7,
			Interval:   24 * time.Hour,
		},
		Server: ServerConfig{Addr: "127.0.0.1:8787"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.DataDir, "backups")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Sync.ConflictStrategy {
	case StrategyLastWriteWins, StrategyManual, StrategyMerge:
	default:
		return fmt.Errorf("unknown conflict strategy %q", c.Sync.ConflictStrategy)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.RetryAttempts < 1 {
		return fmt.Errorf("sync.retry_attempts must be at least 1")
	}
	if c.Sync.OfflineQueueLimit < 0 {
		return fmt.Errorf("sync.offline_queue_limit must not be negative")
	}
	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("cache.max_size must be at least 1")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

// RelationalEnabled reports whether the relational backend is configured.
func (c *Config) RelationalEnabled() bool {
	return c.Relational.URL != ""
}

// DocumentEnabled reports whether the document backend is configured.
func (c *Config) DocumentEnabled() bool {
	return c.Document.URL != "" && c.Document.ProjectID != ""
}
