package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type InstrumentationConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RetentionDays   int     `mapstructure:"retention_days"`
	SamplingRate    float64 `mapstructure:"sampling_rate"`
	BufferSize      int     `mapstructure:"buffer_size"`
	FlushIntervalMs int     `mapstructure:"flush_interval_ms"`
}

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Remote          RemoteConfig          `mapstructure:"remote"`
	Webhook         WebhookConfig         `mapstructure:"webhook"`
	Subscriber      SubscriberConfig      `mapstructure:"subscriber"`
	Auth            AuthConfig            `mapstructure:"auth"`
	Idempotency     IdempotencyConfig     `mapstructure:"idempotency"`
	Instrumentation InstrumentationConfig `mapstructure:"instrumentation"`
}

type ServerConfig struct {
	Port  int  `mapstructure:"port"`
	Debug bool `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// RemoteConfig describes how to reach the payment platform API.
type RemoteConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	LiveSecretKey   string `mapstructure:"live_secret_key"`
	TestSecretKey   string `mapstructure:"test_secret_key"`
	DefaultLiveMode bool   `mapstructure:"default_live_mode"`
	APIVersion      string `mapstructure:"api_version"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
}

// SecretKey returns the API key for the given mode.
func (r RemoteConfig) SecretKey(live bool) string {
	if live {
		return r.LiveSecretKey
	}
	return r.TestSecretKey
}

const (
	ValidationVerifySignature = "verify_signature"
	ValidationRetrieveEvent   = "retrieve_event"
	ValidationNone            = "none"

	ProcessInline   = "inline"
	ProcessDeferred = "deferred"
)

type WebhookConfig struct {
	Validation            string `mapstructure:"validation"`
	Secret                string `mapstructure:"secret"`
	ToleranceSeconds      int    `mapstructure:"tolerance_seconds"`
	ProcessMode           string `mapstructure:"process_mode"`
	RetryIntervalSeconds  int    `mapstructure:"retry_interval_seconds"`
	RespondInvalidWith400 bool   `mapstructure:"respond_invalid_with_400"`
}

type SubscriberConfig struct {
	MetadataKey string `mapstructure:"metadata_key"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type IdempotencyConfig struct {
	TTLHours int `mapstructure:"ttl_hours"`
}

// Load reads paysync.yaml from the working directory (or the given path),
// overlaid with PAYSYNC_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("paysync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("../..")
	}

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "paysync")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("remote.base_url", "https://api.stripe.com")
	v.SetDefault("remote.default_live_mode", false)
	v.SetDefault("remote.api_version", "2020-08-27")
	v.SetDefault("remote.timeout_seconds", 80)
	v.SetDefault("webhook.validation", ValidationVerifySignature)
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.tolerance_seconds", 300)
	v.SetDefault("webhook.process_mode", ProcessInline)
	v.SetDefault("webhook.retry_interval_seconds", 30)
	v.SetDefault("subscriber.metadata_key", "djstripe_subscriber")
	v.SetDefault("auth.jwt_secret", "changeme-secret")
	v.SetDefault("idempotency.ttl_hours", 24)
	v.SetDefault("instrumentation.enabled", true)
	v.SetDefault("instrumentation.retention_days", 7)
	v.SetDefault("instrumentation.sampling_rate", 1.0)
	v.SetDefault("instrumentation.buffer_size", 500)
	v.SetDefault("instrumentation.flush_interval_ms", 100)

	v.SetEnvPrefix("paysync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Webhook.Validation {
	case ValidationVerifySignature, ValidationRetrieveEvent, ValidationNone:
	default:
		return fmt.Errorf("webhook.validation: unknown mode %q", c.Webhook.Validation)
	}
	if c.Webhook.Validation == ValidationVerifySignature && c.Webhook.Secret == "" {
		return errors.New("webhook.secret is required when webhook.validation is verify_signature")
	}
	switch c.Webhook.ProcessMode {
	case ProcessInline, ProcessDeferred:
	default:
		return fmt.Errorf("webhook.process_mode: unknown mode %q", c.Webhook.ProcessMode)
	}
	if c.Subscriber.MetadataKey == "" {
		return errors.New("subscriber.metadata_key must not be empty")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	return nil
}
