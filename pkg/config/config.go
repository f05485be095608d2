package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/srxops/srxops/pkg/device"
	"github.com/srxops/srxops/pkg/engine"
	"github.com/srxops/srxops/pkg/oracle"
	"github.com/srxops/srxops/pkg/stores"
	"github.com/srxops/srxops/pkg/stores/redislease"
	"github.com/srxops/srxops/pkg/telemetry"
)

// EnvPrefix is prepended to every environment override, with dots replaced
// by underscores: SRXOPS_WORKER_MAX_CONCURRENT overrides worker.max_concurrent.
const EnvPrefix = "SRXOPS"

// Config is the process configuration shared by the CLI and the worker.
type Config struct {
	Database  DatabaseConfig   `mapstructure:"database"`
	SSH       SSHConfig        `mapstructure:"ssh"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Change    ChangeConfig     `mapstructure:"change"`
	Upgrade   UpgradeConfig    `mapstructure:"upgrade"`
	Artifacts ArtifactsConfig  `mapstructure:"artifacts"`
	Oracle    OracleConfig     `mapstructure:"oracle"`
	Policy    PolicyConfig     `mapstructure:"policy"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Beat      BeatConfig       `mapstructure:"beat"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path            string        `mapstructure:"path" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=0"`
}

// SSHConfig holds the fleet-wide SSH defaults. Devices may override the
// user, password and port.
type SSHConfig struct {
	User                  string        `mapstructure:"user" validate:"required"`
	Password              string        `mapstructure:"password"`
	Port                  int           `mapstructure:"port" validate:"min=1,max=65535"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	CommandTimeout        time.Duration `mapstructure:"command_timeout" validate:"gt=0"`
	KnownHostsFile        string        `mapstructure:"known_hosts_file"`
	StrictHostKeyChecking bool          `mapstructure:"strict_host_key_checking"`
	JumpHost              string        `mapstructure:"jump_host"`
	KeepAliveInterval     time.Duration `mapstructure:"keepalive_interval" validate:"min=0"`
}

// WorkerConfig sizes the worker pool and its time budgets.
type WorkerConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent" validate:"min=1,max=64"`
	Queues        []string      `mapstructure:"queues" validate:"dive,oneof=backup health change"`
	PollInterval  time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	HardBudget    time.Duration `mapstructure:"hard_budget" validate:"gt=0"`
	SoftBudget    time.Duration `mapstructure:"soft_budget" validate:"gt=0,ltfield=HardBudget"`
	LeaseMargin   time.Duration `mapstructure:"lease_margin" validate:"min=0"`

	// LeaseBackend selects where device leases live: the job database or Redis.
	LeaseBackend string `mapstructure:"lease_backend" validate:"oneof=sqlite redis"`

	// Owner names this worker in lease records. Empty uses the host name.
	Owner string `mapstructure:"owner"`
}

// ChangeConfig tunes configuration changes.
type ChangeConfig struct {
	CommitConfirmedTimeout int  `mapstructure:"commit_confirmed_timeout" validate:"min=1,max=60"`
	VerifyRunningConfig    bool `mapstructure:"verify_running_config"`
}

// UpgradeConfig tunes firmware upgrades.
type UpgradeConfig struct {
	SettleWait        time.Duration `mapstructure:"settle_wait" validate:"min=0"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" validate:"min=0"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" validate:"min=1"`
	FirmwareDir       string        `mapstructure:"firmware_dir" validate:"required"`

	// ValidationScript is an optional Starlark file run after the upgrade.
	ValidationScript string        `mapstructure:"validation_script"`
	ScriptTimeout    time.Duration `mapstructure:"script_timeout" validate:"gt=0"`
}

// ArtifactsConfig locates the configuration snapshot and firmware store.
type ArtifactsConfig struct {
	Root string `mapstructure:"root" validate:"required"`
}

// OracleConfig points at the advisory analysis service. An empty URL keeps
// the built-in conservative answers.
type OracleConfig struct {
	URL     string        `mapstructure:"url" validate:"omitempty,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// PolicyConfig lists Rego policy directories loaded on top of the built-ins.
type PolicyConfig struct {
	Dirs  []string `mapstructure:"dirs"`
	Watch bool     `mapstructure:"watch"`
}

// RedisConfig is used when worker.lease_backend is redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0,max=15"`
	Prefix   string `mapstructure:"prefix"`
}

// BeatConfig drives the scheduler.
type BeatConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BackupHour     int           `mapstructure:"backup_hour" validate:"min=0,max=23"`
	HealthInterval time.Duration `mapstructure:"health_interval" validate:"min=0"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	opts := engine.DefaultOptions()
	runner := engine.DefaultRunnerConfig()
	beat := engine.DefaultBeatConfig()

	return &Config{
		Database: DatabaseConfig{
			Path:            "srxops.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		SSH: SSHConfig{
			User:              opts.DefaultUser,
			Port:              22,
			ConnectTimeout:    opts.ConnectTimeout,
			CommandTimeout:    opts.CommandTimeout,
			KeepAliveInterval: 30 * time.Second,
		},
		Worker: WorkerConfig{
			MaxConcurrent: 5,
			PollInterval:  2 * time.Second,
			HardBudget:    runner.HardBudget,
			SoftBudget:    runner.SoftBudget,
			LeaseMargin:   runner.LeaseMargin,
			LeaseBackend:  "sqlite",
		},
		Change: ChangeConfig{
			CommitConfirmedTimeout: opts.CommitConfirmMinutes,
		},
		Upgrade: UpgradeConfig{
			SettleWait:        opts.SettleWait,
			ReconnectInterval: opts.ReconnectInterval,
			ReconnectAttempts: opts.ReconnectAttempts,
			FirmwareDir:       opts.FirmwareDir,
			ScriptTimeout:     10 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			Root: "/app/storage",
		},
		Oracle: OracleConfig{
			Timeout: 60 * time.Second,
		},
		Redis: RedisConfig{
			Prefix: "srxops:lease:",
		},
		Beat: BeatConfig{
			Enabled:        true,
			BackupHour:     beat.BackupHour,
			HealthInterval: beat.HealthInterval,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads path (optional) and SRXOPS_* environment overrides on top of
// DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key with viper so AutomaticEnv can override
// keys that are absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	v.SetDefault("ssh.user", d.SSH.User)
	v.SetDefault("ssh.password", d.SSH.Password)
	v.SetDefault("ssh.port", d.SSH.Port)
	v.SetDefault("ssh.connect_timeout", d.SSH.ConnectTimeout)
	v.SetDefault("ssh.command_timeout", d.SSH.CommandTimeout)
	v.SetDefault("ssh.known_hosts_file", d.SSH.KnownHostsFile)
	v.SetDefault("ssh.strict_host_key_checking", d.SSH.StrictHostKeyChecking)
	v.SetDefault("ssh.jump_host", d.SSH.JumpHost)
	v.SetDefault("ssh.keepalive_interval", d.SSH.KeepAliveInterval)

	v.SetDefault("worker.max_concurrent", d.Worker.MaxConcurrent)
	v.SetDefault("worker.queues", d.Worker.Queues)
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
	v.SetDefault("worker.hard_budget", d.Worker.HardBudget)
	v.SetDefault("worker.soft_budget", d.Worker.SoftBudget)
	v.SetDefault("worker.lease_margin", d.Worker.LeaseMargin)
	v.SetDefault("worker.lease_backend", d.Worker.LeaseBackend)
	v.SetDefault("worker.owner", d.Worker.Owner)

	v.SetDefault("change.commit_confirmed_timeout", d.Change.CommitConfirmedTimeout)
	v.SetDefault("change.verify_running_config", d.Change.VerifyRunningConfig)

	v.SetDefault("upgrade.settle_wait", d.Upgrade.SettleWait)
	v.SetDefault("upgrade.reconnect_interval", d.Upgrade.ReconnectInterval)
	v.SetDefault("upgrade.reconnect_attempts", d.Upgrade.ReconnectAttempts)
	v.SetDefault("upgrade.firmware_dir", d.Upgrade.FirmwareDir)
	v.SetDefault("upgrade.validation_script", d.Upgrade.ValidationScript)
	v.SetDefault("upgrade.script_timeout", d.Upgrade.ScriptTimeout)

	v.SetDefault("artifacts.root", d.Artifacts.Root)

	v.SetDefault("oracle.url", d.Oracle.URL)
	v.SetDefault("oracle.token", d.Oracle.Token)
	v.SetDefault("oracle.timeout", d.Oracle.Timeout)

	v.SetDefault("policy.dirs", d.Policy.Dirs)
	v.SetDefault("policy.watch", d.Policy.Watch)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.username", d.Redis.Username)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prefix", d.Redis.Prefix)

	v.SetDefault("beat.enabled", d.Beat.Enabled)
	v.SetDefault("beat.backup_hour", d.Beat.BackupHour)
	v.SetDefault("beat.health_interval", d.Beat.HealthInterval)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", t.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.events.enabled", t.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", t.Events.BufferSize)
	v.SetDefault("telemetry.events.nats_url", t.Events.NATSURL)
	v.SetDefault("telemetry.events.subject_prefix", t.Events.SubjectPrefix)
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Worker.LeaseBackend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("invalid config: redis.addr is required when worker.lease_backend is redis")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// EngineOptions maps the SSH, change and upgrade sections onto the
// orchestrator options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		DefaultUser:          c.SSH.User,
		DefaultPassword:      c.SSH.Password,
		ConnectTimeout:       c.SSH.ConnectTimeout,
		CommandTimeout:       c.SSH.CommandTimeout,
		CommitConfirmMinutes: c.Change.CommitConfirmedTimeout,
		VerifyRunningConfig:  c.Change.VerifyRunningConfig,
		SettleWait:           c.Upgrade.SettleWait,
		ReconnectInterval:    c.Upgrade.ReconnectInterval,
		ReconnectAttempts:    c.Upgrade.ReconnectAttempts,
		FirmwareDir:          c.Upgrade.FirmwareDir,
	}
}

// DialOptions returns the transport settings.
func (s SSHConfig) DialOptions() device.DialOptions {
	return device.DialOptions{
		ConnectTimeout:        s.ConnectTimeout,
		CommandTimeout:        s.CommandTimeout,
		KnownHostsPath:        s.KnownHostsFile,
		StrictHostKeyChecking: s.StrictHostKeyChecking,
		JumpHost:              s.JumpHost,
		KeepAliveInterval:     s.KeepAliveInterval,
	}
}

// RunnerConfig returns the runner budgets. The lease owner falls back to
// the host name plus the process id.
func (w WorkerConfig) RunnerConfig() engine.RunnerConfig {
	owner := w.Owner
	if owner == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "srxops"
		}
		owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return engine.RunnerConfig{
		HardBudget:  w.HardBudget,
		SoftBudget:  w.SoftBudget,
		LeaseMargin: w.LeaseMargin,
		Owner:       owner,
	}
}

// PoolConfig returns the pool sizing.
func (w WorkerConfig) PoolConfig() engine.PoolConfig {
	queues := make([]engine.Queue, 0, len(w.Queues))
	for _, q := range w.Queues {
		queues = append(queues, engine.Queue(q))
	}
	return engine.PoolConfig{
		MaxConcurrent: w.MaxConcurrent,
		Queues:        queues,
		PollInterval:  w.PollInterval,
	}
}

// Schedule returns the scheduler settings.
func (b BeatConfig) Schedule() engine.BeatConfig {
	return engine.BeatConfig{BackupHour: b.BackupHour, HealthInterval: b.HealthInterval}
}

// StoreConfig returns the SQLite store settings.
func (d DatabaseConfig) StoreConfig() stores.Config {
	return stores.Config{
		Path:            d.Path,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
	}
}

// HTTPConfig returns the oracle client settings.
func (o OracleConfig) HTTPConfig() oracle.HTTPConfig {
	return oracle.HTTPConfig{BaseURL: o.URL, Token: o.Token, Timeout: o.Timeout}
}

// LeaseConfig returns the Redis lease settings.
func (r RedisConfig) LeaseConfig() redislease.Config {
	return redislease.Config{
		Addr:     r.Addr,
		Username: r.Username,
		Password: r.Password,
		DB:       r.DB,
		Prefix:   r.Prefix,
	}
}
