package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `stateflow:
  name: "TestApp"
  version: "1.0"
redis:
  addr: "localhost:6379"
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Stateflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Stateflow.Name)
	}
	if cfg.Batcher.BatchSize != 50 {
		t.Errorf("unexpected default batch size: %d", cfg.Batcher.BatchSize)
	}
	if cfg.Batcher.Window() != 5*time.Second {
		t.Errorf("unexpected default batch window: %s", cfg.Batcher.Window())
	}
	if cfg.Listener.KeyPattern != "history:*" {
		t.Errorf("unexpected default key pattern: %s", cfg.Listener.KeyPattern)
	}
	if cfg.Listener.BackoffBase() != time.Second {
		t.Errorf("unexpected backoff base: %s", cfg.Listener.BackoffBase())
	}
	if cfg.MarketData.MaxReadAttempts != 3 {
		t.Errorf("unexpected read attempts: %d", cfg.MarketData.MaxReadAttempts)
	}
	if cfg.MarketData.NoAskSentinel != 999999 {
		t.Errorf("unexpected no-ask sentinel: %v", cfg.MarketData.NoAskSentinel)
	}
}

func TestLoadConfigMissingName(t *testing.T) {
	path := writeTempConfig(t, `stateflow:
  version: "1.0"
redis:
  addr: "localhost:6379"
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for missing name")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REDIS_DB", "3")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("env override not applied: %s", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("env override not applied to db: %d", cfg.Redis.DB)
	}
}

func TestLoadConfigInvalidBackoff(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`listener:
  backoff_base_ms: 5000
  backoff_ceiling_ms: 1000
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for ceiling below base")
	}
}

func TestLoadConfigEventsRequireBrokers(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`events:
  enabled: true
  topic: "flushes"
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for enabled events without brokers")
	}
}

func TestLoadConfigArchiveWindowDefaultsToRetention(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`history:
  retention_hours: 48
archive:
  enabled: true
  interval_ms: 60000
  s3:
    bucket: "stateflow-archive"
    region: "us-east-1"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Archive.WindowHours != 48 {
		t.Errorf("expected archive window to default to retention, got %d", cfg.Archive.WindowHours)
	}
}

func TestLoadConfigArchiveBucketValidation(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`archive:
  enabled: true
  interval_ms: 60000
  window_hours: 1
  s3:
    bucket: "Invalid_Bucket_Name"
    region: "us-east-1"
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for invalid bucket name")
	}
}
