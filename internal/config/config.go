// Package config loads the service configuration from a YAML file, CRM_*
// environment variables and built-in defaults, and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/resilience"
)

// EnvPrefix is prepended to every environment override, e.g. CRM_TELEGRAM_TOKEN.
const EnvPrefix = "CRM"

// Config is the complete service configuration.
type Config struct {
	Logger    LoggerConfig           `mapstructure:"logger"`
	Database  DatabaseConfig         `mapstructure:"database"`
	Telegram  TelegramConfig         `mapstructure:"telegram"`
	Platform  PlatformConfig         `mapstructure:"platform"`
	Webhook   WebhookConfig          `mapstructure:"webhook"`
	Storage   StorageConfig          `mapstructure:"storage"`
	Broker    BrokerConfig           `mapstructure:"broker"`
	Realtime  RealtimeConfig         `mapstructure:"realtime"`
	Relay     RelayConfig            `mapstructure:"relay"`
	Merge     MergeConfig            `mapstructure:"merge"`
	Retry     resilience.RetryConfig `mapstructure:"retry"`
	Scheduler SchedulerConfig        `mapstructure:"scheduler"`
	Messages  MessagesConfig         `mapstructure:"messages"`
}

type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN string `mapstructure:"dsn" validate:"required"`
}

type TelegramConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Token              string        `mapstructure:"token" validate:"required_if=Enabled true"`
	AdminUserID        int64         `mapstructure:"admin_user_id" validate:"gte=0"`
	OperatorChatID     int64         `mapstructure:"operator_chat_id"`
	DropPendingUpdates bool          `mapstructure:"drop_pending_updates"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" validate:"min=1s"`
}

type PlatformConfig struct {
	// BaseURL of the automation platform API. Empty disables lookups.
	BaseURL             string           `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey              string           `mapstructure:"api_key"`
	Timeout             time.Duration    `mapstructure:"timeout" validate:"min=1s,max=2m"`
	BreakerMaxFailures  int              `mapstructure:"breaker_max_failures" validate:"min=1"`
	BreakerOpenDuration time.Duration    `mapstructure:"breaker_open_duration" validate:"min=1s"`
	StatusIDs           map[string]int64 `mapstructure:"status_ids"`
}

type WebhookConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required_if=Enabled true"`
	Secret          string        `mapstructure:"secret" validate:"required_if=Enabled true"`
	OperatorToken   string        `mapstructure:"operator_token"`
	BodyLimit       string        `mapstructure:"body_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

type StorageConfig struct {
	Backend       string `mapstructure:"backend" validate:"oneof=local s3"`
	LocalDir      string `mapstructure:"local_dir" validate:"required_if=Backend local"`
	PublicBaseURL string `mapstructure:"public_base_url" validate:"required"`

	S3Bucket          string `mapstructure:"s3_bucket" validate:"required_if=Backend s3"`
	S3Region          string `mapstructure:"s3_region"`
	S3Endpoint        string `mapstructure:"s3_endpoint" validate:"omitempty,url"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	S3UsePathStyle    bool   `mapstructure:"s3_use_path_style"`
}

type BrokerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url" validate:"required_if=Enabled true"`
	Exchange string `mapstructure:"exchange" validate:"required_if=Enabled true"`
	PoolSize int    `mapstructure:"pool_size" validate:"min=1,max=64"`
}

type RealtimeConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Buffer is the per-subscriber queue length; slow subscribers drop events.
	Buffer int `mapstructure:"buffer" validate:"min=1"`
}

type RelayConfig struct {
	MaxBytes int64         `mapstructure:"max_bytes" validate:"min=1"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"min=1s"`
}

type MergeConfig struct {
	BatchLimit int           `mapstructure:"batch_limit" validate:"min=0"`
	MinAge     time.Duration `mapstructure:"min_age" validate:"min=0"`
}

type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

type MessagesConfig struct {
	Welcome              string `mapstructure:"welcome" validate:"required"`
	ErrorUnauthorizedMsg string `mapstructure:"error_unauthorized" validate:"required"`
	ErrorGeneralMsg      string `mapstructure:"error_general" validate:"required"`
	SweepStarted         string `mapstructure:"sweep_started" validate:"required"`
}

// LoadConfig reads the YAML file at path (a missing file is allowed), applies
// CRM_* environment overrides on top of the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) && !os.IsNotExist(err) {
				return nil, errs.NewConfig(fmt.Sprintf("failed to read config file %s", path), err)
			}
			slog.Info("Configuration file not found, using defaults and environment", "path", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.NewConfig("failed to parse configuration", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return errs.NewConfig("invalid configuration", err)
	}
	for name, task := range cfg.Scheduler.Tasks {
		if task.Enabled && task.Schedule == "" {
			return errs.NewConfig(fmt.Sprintf("scheduler task %q is enabled but has no schedule", name), nil)
		}
	}
	if cfg.Telegram.Enabled && cfg.Telegram.AdminUserID == 0 {
		slog.Warn("Telegram admin user id not set, admin commands are disabled")
	}
	return nil
}
