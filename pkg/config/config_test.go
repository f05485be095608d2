package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srxops/srxops/pkg/engine"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}

	if cfg.SSH.User != "admin" || cfg.SSH.Port != 22 {
		t.Errorf("ssh = %s:%d, want admin:22", cfg.SSH.User, cfg.SSH.Port)
	}
	if cfg.SSH.ConnectTimeout != 10*time.Second || cfg.SSH.CommandTimeout != 30*time.Second {
		t.Errorf("ssh timeouts = %v/%v", cfg.SSH.ConnectTimeout, cfg.SSH.CommandTimeout)
	}
	if cfg.Worker.MaxConcurrent != 5 || cfg.Worker.HardBudget != 30*time.Minute || cfg.Worker.SoftBudget != 25*time.Minute {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Change.CommitConfirmedTimeout != 5 || cfg.Change.VerifyRunningConfig {
		t.Errorf("change = %+v", cfg.Change)
	}
	if cfg.Upgrade.SettleWait != 300*time.Second || cfg.Upgrade.ReconnectInterval != 30*time.Second || cfg.Upgrade.ReconnectAttempts != 12 {
		t.Errorf("upgrade = %+v", cfg.Upgrade)
	}
	if cfg.Artifacts.Root != "/app/storage" {
		t.Errorf("artifacts root = %q", cfg.Artifacts.Root)
	}
	if cfg.Beat.BackupHour != 2 || cfg.Beat.HealthInterval != 300*time.Second {
		t.Errorf("beat = %+v", cfg.Beat)
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "srxops.yaml", `
database:
  path: /var/lib/srxops/test.db
worker:
  max_concurrent: 3
  hard_budget: 45m
  soft_budget: 40m
  queues: [change]
change:
  verify_running_config: true
upgrade:
  settle_wait: 2m
oracle:
  url: http://oracle.internal:8080
telemetry:
  logging:
    level: debug
`)
	t.Setenv("SRXOPS_WORKER_MAX_CONCURRENT", "8")
	t.Setenv("SRXOPS_SSH_USER", "netops")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/srxops/test.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Worker.MaxConcurrent != 8 {
		t.Errorf("max_concurrent = %d, want env override 8", cfg.Worker.MaxConcurrent)
	}
	if cfg.SSH.User != "netops" {
		t.Errorf("ssh user = %q, want env override", cfg.SSH.User)
	}
	if cfg.Worker.HardBudget != 45*time.Minute || cfg.Worker.SoftBudget != 40*time.Minute {
		t.Errorf("budgets = %v/%v", cfg.Worker.HardBudget, cfg.Worker.SoftBudget)
	}
	if len(cfg.Worker.Queues) != 1 || cfg.Worker.Queues[0] != "change" {
		t.Errorf("queues = %v", cfg.Worker.Queues)
	}
	if !cfg.Change.VerifyRunningConfig {
		t.Error("verify_running_config not loaded")
	}
	if cfg.Upgrade.SettleWait != 2*time.Minute {
		t.Errorf("settle_wait = %v", cfg.Upgrade.SettleWait)
	}
	if cfg.Upgrade.ReconnectAttempts != 12 {
		t.Errorf("reconnect_attempts = %d, want default 12", cfg.Upgrade.ReconnectAttempts)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Telemetry.Logging.Level)
	}
	if cfg.Telemetry.ServiceName != "srxops" {
		t.Errorf("service name = %q, want default", cfg.Telemetry.ServiceName)
	}
}

func TestLoad_WithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != DefaultConfig().Database.Path {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	invalid := writeFile(t, "bad.yaml", "worker:\n  max_concurrent: 0\n")
	_, err := Load(invalid)
	if err == nil || !strings.Contains(err.Error(), "MaxConcurrent") {
		t.Errorf("Load() error = %v, want MaxConcurrent validation failure", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"soft budget not below hard", func(c *Config) { c.Worker.SoftBudget = c.Worker.HardBudget }},
		{"unknown queue", func(c *Config) { c.Worker.Queues = []string{"firmware"} }},
		{"unknown lease backend", func(c *Config) { c.Worker.LeaseBackend = "etcd" }},
		{"redis without address", func(c *Config) { c.Worker.LeaseBackend = "redis" }},
		{"backup hour out of range", func(c *Config) { c.Beat.BackupHour = 24 }},
		{"commit confirm timeout zero", func(c *Config) { c.Change.CommitConfirmedTimeout = 0 }},
		{"bad oracle url", func(c *Config) { c.Oracle.URL = "not a url" }},
		{"bad ssh port", func(c *Config) { c.SSH.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() succeeded, want error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Worker.LeaseBackend = "redis"
	cfg.Redis.Addr = "127.0.0.1:6379"
	if err := cfg.Validate(); err != nil {
		t.Errorf("redis backend with address: %v", err)
	}
}

func TestConfig_Mappings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSH.Password = "secret"
	cfg.Change.VerifyRunningConfig = true
	cfg.Worker.Queues = []string{"backup", "health"}
	cfg.Worker.Owner = "worker-1"

	opts := cfg.EngineOptions()
	if opts.DefaultUser != "admin" || opts.DefaultPassword != "secret" || !opts.VerifyRunningConfig {
		t.Errorf("EngineOptions() = %+v", opts)
	}
	if opts.CommitConfirmMinutes != 5 || opts.ReconnectAttempts != 12 || opts.FirmwareDir != "/var/tmp" {
		t.Errorf("EngineOptions() = %+v", opts)
	}

	pool := cfg.Worker.PoolConfig()
	if len(pool.Queues) != 2 || pool.Queues[0] != engine.QueueBackup || pool.Queues[1] != engine.QueueHealth {
		t.Errorf("PoolConfig().Queues = %v", pool.Queues)
	}

	runner := cfg.Worker.RunnerConfig()
	if runner.Owner != "worker-1" || runner.HardBudget != 30*time.Minute {
		t.Errorf("RunnerConfig() = %+v", runner)
	}
	cfg.Worker.Owner = ""
	if owner := cfg.Worker.RunnerConfig().Owner; owner == "" {
		t.Error("RunnerConfig() left the owner empty")
	}

	if got := cfg.Beat.Schedule(); got != engine.DefaultBeatConfig() {
		t.Errorf("Schedule() = %+v", got)
	}
	if got := cfg.Database.StoreConfig(); got.Path != "srxops.db" || got.MaxOpenConns != 25 {
		t.Errorf("StoreConfig() = %+v", got)
	}
	if got := cfg.SSH.DialOptions(); got.CommandTimeout != 30*time.Second {
		t.Errorf("DialOptions() = %+v", got)
	}
	if got := cfg.Redis.LeaseConfig(); got.Prefix != "srxops:lease:" {
		t.Errorf("LeaseConfig() = %+v", got)
	}
}
