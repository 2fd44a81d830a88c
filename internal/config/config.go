// Package config defines the harness configuration and provides validation
// helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from an
// optional TOML file and then overridden by ARENA_* environment variables.
// Every external service is off unless enabled.
type Config struct {
	Harness  HarnessConfig  `toml:"harness"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Identity IdentityConfig `toml:"identity"`
	S3       S3Config       `toml:"s3"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

// HarnessConfig holds session limits and staging.
type HarnessConfig struct {
	// StagingDir is where per-session artifact copies are made. Empty means
	// the OS temp dir.
	StagingDir              string `toml:"staging_dir"`
	DefaultComputeUnitLimit int    `toml:"default_compute_unit_limit"`
	MaxComputeUnitLimit     int    `toml:"max_compute_unit_limit"`
	// StageConcurrency bounds parallel artifact staging; 0 means unbounded.
	StageConcurrency int `toml:"stage_concurrency"`
	// JournalQueueSize is the number of events buffered for the journal
	// sinks before new ones are dropped.
	JournalQueueSize int `toml:"journal_queue_size"`
}

// SandboxConfig tunes the module VM.
type SandboxConfig struct {
	Backend       string   `toml:"backend"`
	InvokeTimeout duration `toml:"invoke_timeout"`
	PayerBalance  uint64   `toml:"payer_balance"`
	InvocationFee uint64   `toml:"invocation_fee"`
	MaxModuleSize int64    `toml:"max_module_size"`
	MaxLogLines   int      `toml:"max_log_lines"`
}

// IdentityConfig holds the password for encrypted module keypairs.
type IdentityConfig struct {
	KeyPassword string `toml:"key_password"`
}

// S3Config holds S3-compatible object storage parameters for s3:// module
// artifacts.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RedisConfig holds Redis connection parameters for the event bus.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// PostgresConfig holds PostgreSQL connection parameters for the audit log.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds monitor server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// Source prefixes every notification title, e.g. the arena name.
	Source string `toml:"source"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Harness: HarnessConfig{
			DefaultComputeUnitLimit: 200_000,
			MaxComputeUnitLimit:     1_400_000,
			StageConcurrency:        4,
			JournalQueueSize:        1024,
		},
		Sandbox: SandboxConfig{
			Backend:       "starvm",
			InvokeTimeout: duration{5 * time.Second},
			PayerBalance:  1_000_000_000_000,
			InvocationFee: 5_000,
			MaxModuleSize: 4 << 20,
			MaxLogLines:   64,
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  4,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8089",
		},
		Notify: NotifyConfig{
			Events: []string{"session_failed", "eval_error"},
			Source: "arena-harness",
		},
		LogLevel: "info",
	}
}

// validBackends enumerates the accepted values for SandboxConfig.Backend.
var validBackends = map[string]bool{
	"starvm": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validEvents enumerates the journal event kinds a notifier can forward.
var validEvents = map[string]bool{
	"session_started": true,
	"session_failed":  true,
	"session_closed":  true,
	"eval_error":      true,
}

const maxUnitLimit = 1_400_000

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Harness
	if c.Harness.MaxComputeUnitLimit < 1 || c.Harness.MaxComputeUnitLimit > maxUnitLimit {
		errs = append(errs, fmt.Sprintf("harness: max_compute_unit_limit must be 1-%d, got %d", maxUnitLimit, c.Harness.MaxComputeUnitLimit))
	}
	if c.Harness.DefaultComputeUnitLimit < 1 || c.Harness.DefaultComputeUnitLimit > c.Harness.MaxComputeUnitLimit {
		errs = append(errs, fmt.Sprintf("harness: default_compute_unit_limit must be 1-max_compute_unit_limit, got %d", c.Harness.DefaultComputeUnitLimit))
	}
	if c.Harness.StageConcurrency < 0 {
		errs = append(errs, "harness: stage_concurrency must be >= 0")
	}
	if c.Harness.JournalQueueSize < 1 {
		errs = append(errs, "harness: journal_queue_size must be >= 1")
	}

	// Sandbox
	if !validBackends[strings.ToLower(c.Sandbox.Backend)] {
		errs = append(errs, fmt.Sprintf("sandbox: unknown backend %q (valid: starvm)", c.Sandbox.Backend))
	}
	if c.Sandbox.InvokeTimeout.Duration <= 0 {
		errs = append(errs, "sandbox: invoke_timeout must be > 0")
	}
	if c.Sandbox.PayerBalance == 0 {
		errs = append(errs, "sandbox: payer_balance must be > 0")
	}
	if c.Sandbox.MaxModuleSize <= 0 {
		errs = append(errs, "sandbox: max_module_size must be > 0")
	}
	if c.Sandbox.MaxLogLines < 1 {
		errs = append(errs, "sandbox: max_log_lines must be >= 1")
	}

	// S3
	if c.S3.Enabled && c.S3.Region == "" {
		errs = append(errs, "s3: region must not be empty when enabled")
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		errs = append(errs, "s3: access_key and secret_key must be set together")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.StreamMaxLen < 1 {
			errs = append(errs, "redis: stream_max_len must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be 0-pool_max_conns")
		}
	}

	// Server
	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty when enabled")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, e := range c.Notify.Events {
		if !validEvents[e] {
			errs = append(errs, fmt.Sprintf("notify: unknown event %q", e))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
