// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/harvest-orchestrator/internal/timing"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry sampling.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// WorkerConfig governs the worker pool and task lifecycle.
type WorkerConfig struct {
	// Concurrency is the number of worker loops in this process.
	Concurrency int `mapstructure:"concurrency"`
	// MaxConcurrent caps RUNNING tasks across every process; 0 disables the cap.
	MaxConcurrent       int           `mapstructure:"max_concurrent"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	RunTimeout          time.Duration `mapstructure:"run_timeout"`
	ExpectedRunDuration time.Duration `mapstructure:"expected_run_duration"`
	LockTTLMultiplier   int           `mapstructure:"lock_ttl_multiplier"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	SystemUserID        string        `mapstructure:"system_user_id"`
}

// SweepConfig schedules lock recovery and cooldown release.
type SweepConfig struct {
	Spec string `mapstructure:"spec"`
}

// PlannerConfig schedules target planning.
type PlannerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Spec         string        `mapstructure:"spec"`
	BaseInterval time.Duration `mapstructure:"base_interval"`
}

// StorageConfig selects the document store and the run archive backend.
type StorageConfig struct {
	// Driver is memory or postgres.
	Driver string `mapstructure:"driver"`
	// Archive is none, memory, local, or gcs.
	Archive string `mapstructure:"archive"`
	Bucket  string `mapstructure:"bucket"`
	Dir     string `mapstructure:"dir"`
	Prefix  string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig enables the shared cooldown store and leader election.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CryptoConfig holds the credential sealing key material.
type CryptoConfig struct {
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
}

// RateLimitConfig paces runs per account.
type RateLimitConfig struct {
	PerAccountRPS float64 `mapstructure:"per_account_rps"`
	Burst         int     `mapstructure:"burst"`
}

// ExecutorConfig addresses the remote execution engine. Without an endpoint
// the service runs API-only.
type ExecutorConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Token    string        `mapstructure:"token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "harvestd")
	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_concurrent", 0)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.run_timeout", 10*time.Minute)
	v.SetDefault("worker.expected_run_duration", 10*time.Minute)
	v.SetDefault("worker.lock_ttl_multiplier", 2)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_base", 30*time.Second)
	v.SetDefault("worker.backoff_max", 30*time.Minute)
	v.SetDefault("worker.system_user_id", "")
	v.SetDefault("sweep.spec", "@every 1m")
	v.SetDefault("planner.enabled", true)
	v.SetDefault("planner.spec", "@every 1m")
	v.SetDefault("planner.base_interval", 30*time.Minute)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.archive", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.dir", "")
	v.SetDefault("storage.prefix", "harvest")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("crypto.passphrase", "")
	v.SetDefault("crypto.salt", "")
	v.SetDefault("ratelimit.per_account_rps", 0.2)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("executor.endpoint", "")
	v.SetDefault("executor.token", "")
	v.SetDefault("executor.timeout", 15*time.Minute)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be > 0")
	}
	if c.Worker.MaxConcurrent < 0 {
		return errors.New("worker.max_concurrent must be >= 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return errors.New("worker.max_attempts must be > 0")
	}
	if c.Worker.LockTTLMultiplier < 1 {
		return errors.New("worker.lock_ttl_multiplier must be >= 1")
	}
	if c.Worker.ExpectedRunDuration <= 0 {
		return errors.New("worker.expected_run_duration must be > 0")
	}
	// A run holds its lock through pacing and execution; the sweep must not
	// reclaim a live run.
	if budget := c.Worker.RunTimeout + timing.DefaultTable().MaxPacing(); budget >= c.LockTTL() {
		return fmt.Errorf("worker.run_timeout plus max pacing (%s) must be below the lock ttl (%s)", budget, c.LockTTL())
	}
	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffMax < c.Worker.BackoffBase {
		return errors.New("worker.backoff_base must be > 0 and <= worker.backoff_max")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sample_ratio must be within [0,1]")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return errors.New("db.dsn must be set when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	switch c.Storage.Archive {
	case "none", "memory":
	case "local":
		if c.Storage.Dir == "" {
			return errors.New("storage.dir must be set when storage.archive is local")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set when storage.archive is gcs")
		}
	default:
		return fmt.Errorf("storage.archive %q is not supported", c.Storage.Archive)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr must be set when redis is enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.RateLimit.PerAccountRPS < 0 {
		return errors.New("ratelimit.per_account_rps must be >= 0")
	}
	if c.Executor.Endpoint != "" && c.Executor.Timeout < c.Worker.RunTimeout {
		return errors.New("executor.timeout must be >= worker.run_timeout")
	}
	return nil
}

// LockTTL is how long a RUNNING task may hold its lock before the sweep reclaims it.
func (c Config) LockTTL() time.Duration {
	return c.Worker.ExpectedRunDuration * time.Duration(c.Worker.LockTTLMultiplier)
}

// CryptoReady reports whether credential sealing is configured.
func (c Config) CryptoReady() bool {
	return c.Crypto.Passphrase != "" && len(c.Crypto.Salt) >= 16
}
