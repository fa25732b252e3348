package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Stateflow  StateflowConfig  `yaml:"stateflow"`
	Redis      RedisConfig      `yaml:"redis"`
	Listener   ListenerConfig   `yaml:"listener"`
	Batcher    BatcherConfig    `yaml:"batcher"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	History    HistoryConfig    `yaml:"history"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Events     EventsConfig     `yaml:"events"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type StateflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	TimeoutMs int    `yaml:"timeout_ms"`
	PoolSize  int    `yaml:"pool_size"`
}

func (r RedisConfig) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

type ListenerConfig struct {
	// KeyPattern restricts keyspace notifications to matching keys.
	KeyPattern       string `yaml:"key_pattern"`
	BackoffBaseMs    int    `yaml:"backoff_base_ms"`
	BackoffCeilingMs int    `yaml:"backoff_ceiling_ms"`
}

func (l ListenerConfig) BackoffBase() time.Duration {
	return time.Duration(l.BackoffBaseMs) * time.Millisecond
}

func (l ListenerConfig) BackoffCeiling() time.Duration {
	return time.Duration(l.BackoffCeilingMs) * time.Millisecond
}

type BatcherConfig struct {
	BatchSize     int `yaml:"batch_size"`
	BatchWindowMs int `yaml:"batch_window_ms"`
}

func (b BatcherConfig) Window() time.Duration {
	return time.Duration(b.BatchWindowMs) * time.Millisecond
}

type ReconcilerConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	// StartupScanRate caps keys inspected per second during the one-time
	// startup scan so a large keyspace does not monopolize the store.
	StartupScanRate float64 `yaml:"startup_scan_rate"`
}

func (r ReconcilerConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

type HistoryConfig struct {
	RetentionHours int `yaml:"retention_hours"`
}

type MarketDataConfig struct {
	// MaxReadAttempts bounds retries of a validated read. Validation and
	// transient-infra failures share this one budget: a validation failure
	// can indicate a write-in-progress that resolves on the next attempt.
	MaxReadAttempts int      `yaml:"max_read_attempts"`
	RetryPauseMs    int      `yaml:"retry_pause_ms"`
	RequiredFields  []string `yaml:"required_fields"`
	// Sentinel bid/ask extremes marking a no-liquidity record eligible for
	// conditional deletion.
	NoBidSentinel float64 `yaml:"no_bid_sentinel"`
	NoAskSentinel float64 `yaml:"no_ask_sentinel"`
}

func (m MarketDataConfig) RetryPause() time.Duration {
	return time.Duration(m.RetryPauseMs) * time.Millisecond
}

type EventsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ArchiveConfig struct {
	Enabled     bool     `yaml:"enabled"`
	IntervalMs  int      `yaml:"interval_ms"`
	WindowHours int      `yaml:"window_hours"`
	S3          S3Config `yaml:"s3"`
}

func (a ArchiveConfig) Interval() time.Duration {
	return time.Duration(a.IntervalMs) * time.Millisecond
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Address           string `yaml:"address"`
	RefreshIntervalMs int    `yaml:"refresh_interval_ms"`
}

func (d DashboardConfig) RefreshInterval() time.Duration {
	if d.RefreshIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(d.RefreshIntervalMs) * time.Millisecond
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	MaxAge      int    `yaml:"max_age"`
	CloudWatch  bool   `yaml:"cloudwatch"`
	CWNamespace string `yaml:"cloudwatch_namespace"`
	CWRegion    string `yaml:"cloudwatch_region"`
	Report      bool   `yaml:"report"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Listener: ListenerConfig{
			KeyPattern:       "history:*",
			BackoffBaseMs:    1000,
			BackoffCeilingMs: 60000,
		},
		Batcher: BatcherConfig{
			BatchSize:     50,
			BatchWindowMs: 5000,
		},
		Reconciler: ReconcilerConfig{
			IntervalMs:      60000,
			StartupScanRate: 500,
		},
		History: HistoryConfig{
			RetentionHours: 24,
		},
		MarketData: MarketDataConfig{
			MaxReadAttempts: 3,
			RetryPauseMs:    100,
			NoBidSentinel:   0,
			NoAskSentinel:   999999,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment overrides for deployment-specific values
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			config.Redis.DB = db
		}
	}
	if config.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}

	// The archive window defaults to the retention horizon: entries older
	// than it have already been trimmed from the history zsets.
	if config.Archive.WindowHours <= 0 {
		config.Archive.WindowHours = config.History.RetentionHours
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Stateflow.Name == "" {
		return fmt.Errorf("stateflow.name is required")
	}
	if cfg.Stateflow.Version == "" {
		return fmt.Errorf("stateflow.version is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Batcher.BatchSize <= 0 {
		return fmt.Errorf("batcher.batch_size must be greater than 0")
	}
	if cfg.Batcher.BatchWindowMs <= 0 {
		return fmt.Errorf("batcher.batch_window_ms must be greater than 0")
	}
	if cfg.Reconciler.IntervalMs <= 0 {
		return fmt.Errorf("reconciler.interval_ms must be greater than 0")
	}
	if cfg.History.RetentionHours <= 0 {
		return fmt.Errorf("history.retention_hours must be greater than 0")
	}
	if cfg.MarketData.MaxReadAttempts <= 0 {
		return fmt.Errorf("market_data.max_read_attempts must be greater than 0")
	}
	if cfg.Listener.BackoffBaseMs <= 0 || cfg.Listener.BackoffCeilingMs < cfg.Listener.BackoffBaseMs {
		return fmt.Errorf("listener backoff settings are invalid")
	}
	if cfg.Events.Enabled {
		if len(cfg.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers is required when events are enabled")
		}
		if cfg.Events.Topic == "" {
			return fmt.Errorf("events.topic is required when events are enabled")
		}
	}
	if cfg.Archive.Enabled {
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when the archive is enabled")
		}
		if cfg.Archive.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when the archive is enabled")
		}
		if cfg.Archive.IntervalMs <= 0 {
			return fmt.Errorf("archive.interval_ms must be greater than 0")
		}
		if !isValidS3Bucket(cfg.Archive.S3.Bucket) {
			return fmt.Errorf("archive.s3.bucket '%s' is invalid", cfg.Archive.S3.Bucket)
		}
	}
	return nil
}
