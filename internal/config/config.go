package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DB_DSN"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`

	ClinicTimezone             string `mapstructure:"CLINIC_TIMEZONE"`
	DefaultMaxPatientsPerDay   int    `mapstructure:"DEFAULT_MAX_PATIENTS_PER_DAY"`
	DefaultConsultationMinutes int    `mapstructure:"DEFAULT_CONSULTATION_MINUTES"`
	UpstreamTimeoutMS          int    `mapstructure:"UPSTREAM_TIMEOUT_MS"`
	VitalsBaseURL              string `mapstructure:"VITALS_BASE_URL"`
	VitalsAPIToken             string `mapstructure:"VITALS_API_TOKEN"`

	AutoMissGraceSeconds        int `mapstructure:"AUTO_MISS_GRACE_SECONDS"`
	AutoMissScanIntervalSeconds int `mapstructure:"AUTO_MISS_SCAN_INTERVAL_SECONDS"`
	AutoMissBatchSize           int `mapstructure:"AUTO_MISS_BATCH_SIZE"`

	RateLimitPerMinute      int `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst          int `mapstructure:"RATE_LIMIT_BURST"`
	ActorRateLimitPerMinute int `mapstructure:"ACTOR_RATE_LIMIT_PER_MIN"`
	ActorRateLimitBurst     int `mapstructure:"ACTOR_RATE_LIMIT_BURST"`

	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
	DBSchema      string `mapstructure:"DB_SCHEMA"`

	OutboxWebhookURL     string `mapstructure:"OUTBOX_WEBHOOK_URL"`
	OutboxWebhookToken   string `mapstructure:"OUTBOX_WEBHOOK_TOKEN"`
	OutboxPollIntervalMS int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	OutboxBatchSize      int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts    int    `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	OutboxConsumer       string `mapstructure:"OUTBOX_CONSUMER"`
}

var keys = []string{
	"PORT", "DB_DSN", "DB_MAX_CONNS", "DB_MIN_CONNS", "STORE_DRIVER",
	"CLINIC_TIMEZONE", "DEFAULT_MAX_PATIENTS_PER_DAY", "DEFAULT_CONSULTATION_MINUTES",
	"UPSTREAM_TIMEOUT_MS", "VITALS_BASE_URL", "VITALS_API_TOKEN",
	"AUTO_MISS_GRACE_SECONDS", "AUTO_MISS_SCAN_INTERVAL_SECONDS", "AUTO_MISS_BATCH_SIZE",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "ACTOR_RATE_LIMIT_PER_MIN", "ACTOR_RATE_LIMIT_BURST",
	"JWT_SIGNING_KEY", "JWT_ISSUER", "LOG_LEVEL", "LOG_FORMAT",
	"MIGRATIONS_DIR", "DB_SCHEMA",
	"OUTBOX_WEBHOOK_URL", "OUTBOX_WEBHOOK_TOKEN", "OUTBOX_POLL_INTERVAL_MS",
	"OUTBOX_BATCH_SIZE", "OUTBOX_MAX_ATTEMPTS", "OUTBOX_CONSUMER",
}

// Load reads the environment and an optional .env file in the working
// directory. It does not validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("DEFAULT_MAX_PATIENTS_PER_DAY", 20)
	v.SetDefault("DEFAULT_CONSULTATION_MINUTES", 12)
	v.SetDefault("UPSTREAM_TIMEOUT_MS", 2000)
	v.SetDefault("AUTO_MISS_GRACE_SECONDS", 900)
	v.SetDefault("AUTO_MISS_SCAN_INTERVAL_SECONDS", 60)
	v.SetDefault("AUTO_MISS_BATCH_SIZE", 100)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("ACTOR_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("ACTOR_RATE_LIMIT_BURST", 120)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1000)
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 5)
	v.SetDefault("OUTBOX_CONSUMER", "webhook")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required when STORE_DRIVER is %q", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	if c.DefaultMaxPatientsPerDay <= 0 {
		return fmt.Errorf("DEFAULT_MAX_PATIENTS_PER_DAY must be positive, got %d", c.DefaultMaxPatientsPerDay)
	}
	if c.DefaultConsultationMinutes <= 0 {
		return fmt.Errorf("DEFAULT_CONSULTATION_MINUTES must be positive, got %d", c.DefaultConsultationMinutes)
	}
	if c.UpstreamTimeoutMS <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT_MS must be positive, got %d", c.UpstreamTimeoutMS)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.OutboxWebhookURL != "" {
		if c.OutboxPollIntervalMS <= 0 {
			return fmt.Errorf("OUTBOX_POLL_INTERVAL_MS must be positive, got %d", c.OutboxPollIntervalMS)
		}
		if c.OutboxMaxAttempts <= 0 {
			return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be positive, got %d", c.OutboxMaxAttempts)
		}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be \"json\" or \"console\", got %q", c.LogFormat)
	}
	return nil
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutMS) * time.Millisecond
}

func (c *Config) DefaultConsultation() time.Duration {
	return time.Duration(c.DefaultConsultationMinutes) * time.Minute
}

// AutoMissEnabled is false when either the grace or the scan interval is
// zero, which turns the sweeper off.
func (c *Config) AutoMissEnabled() bool {
	return c.AutoMissGraceSeconds > 0 && c.AutoMissScanIntervalSeconds > 0
}

func (c *Config) AutoMissGrace() time.Duration {
	return time.Duration(c.AutoMissGraceSeconds) * time.Second
}

func (c *Config) AutoMissInterval() time.Duration {
	return time.Duration(c.AutoMissScanIntervalSeconds) * time.Second
}

func (c *Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}
