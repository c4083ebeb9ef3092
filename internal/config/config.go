package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Mailer    MailerConfig    `yaml:"mailer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracking  TrackingConfig  `yaml:"tracking"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeout returns the read timeout as a duration.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSec) * time.Second
}

// WriteTimeout returns the write timeout as a duration.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

// IdleTimeout returns the idle timeout as a duration.
func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig configures the optional Redis connection used for
// distributed locks. An empty URL disables Redis; maintenance sweeps
// then fall back to Postgres advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// MailerConfig selects and configures the outbound mail transport.
type MailerConfig struct {
	Provider string     `yaml:"provider"` // "smtp" or "ses"
	From     string     `yaml:"from"`
	FromName string     `yaml:"from_name"`
	SMTP     SMTPConfig `yaml:"smtp"`
	SES      SESConfig  `yaml:"ses"`
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
}

// SESConfig holds AWS SES credentials.
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// SchedulerConfig tunes the delivery scheduler and worker pool.
type SchedulerConfig struct {
	PollIntervalSec    int `yaml:"poll_interval_sec"`
	MaxConcurrentSends int `yaml:"max_concurrent_sends"`
	MaxRetries         int `yaml:"max_retries"`
	SendTimeoutSec     int `yaml:"send_timeout_sec"`
	AbandonedGraceMin  int `yaml:"abandoned_grace_min"`
}

// PollInterval returns the scheduler poll interval as a duration.
func (s SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSec) * time.Second
}

// SendTimeout returns the per-attempt mailer timeout as a duration.
func (s SchedulerConfig) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutSec) * time.Second
}

// AbandonedGrace returns how long a due record may stay unclaimed
// before the maintenance sweep fails it.
func (s SchedulerConfig) AbandonedGrace() time.Duration {
	return time.Duration(s.AbandonedGraceMin) * time.Minute
}

// TrackingConfig configures engagement tracking.
type TrackingConfig struct {
	BaseURL       string `yaml:"base_url"` // public base for pixel/link URLs
	RetentionDays int    `yaml:"retention_days"`
}

// hard cap on concurrent sends regardless of configuration
const maxConcurrencyCap = 20

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeoutSec:  5,
			WriteTimeoutSec: 10,
			IdleTimeoutSec:  120,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Mailer: MailerConfig{
			Provider: "smtp",
			FromName: "Advisory Notifications",
			SMTP:     SMTPConfig{Port: 587, StartTLS: true},
			SES:      SESConfig{Region: "us-east-1"},
		},
		Scheduler: SchedulerConfig{
			PollIntervalSec:    30,
			MaxConcurrentSends: 5,
			MaxRetries:         3,
			SendTimeoutSec:     30,
			AbandonedGraceMin:  60,
		},
		Tracking: TrackingConfig{
			BaseURL:       "http://localhost:8080",
			RetentionDays: 90,
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// field the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.clamp()
	return cfg, cfg.validate()
}

// LoadFromEnv builds configuration from environment variables, reading a
// .env file first if present. Used in container deployments where no
// config file is mounted.
func LoadFromEnv() (*Config, error) {
	godotenv.Load()

	cfg := Default()

	cfg.Database.URL = os.Getenv("DATABASE_URL")
	cfg.Redis.URL = os.Getenv("REDIS_URL")

	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = envInt(v, cfg.Server.Port)
	}
	if v := os.Getenv("MAILER_PROVIDER"); v != "" {
		cfg.Mailer.Provider = v
	}
	if v := os.Getenv("MAILER_FROM"); v != "" {
		cfg.Mailer.From = v
	}
	if v := os.Getenv("MAILER_FROM_NAME"); v != "" {
		cfg.Mailer.FromName = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Mailer.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		cfg.Mailer.SMTP.Port = envInt(v, cfg.Mailer.SMTP.Port)
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.Mailer.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Mailer.SMTP.Password = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Mailer.SES.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Mailer.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Mailer.SES.SecretKey = v
	}
	if v := os.Getenv("SCHEDULER_POLL_INTERVAL_SEC"); v != "" {
		cfg.Scheduler.PollIntervalSec = envInt(v, cfg.Scheduler.PollIntervalSec)
	}
	if v := os.Getenv("SCHEDULER_MAX_CONCURRENT"); v != "" {
		cfg.Scheduler.MaxConcurrentSends = envInt(v, cfg.Scheduler.MaxConcurrentSends)
	}
	if v := os.Getenv("SCHEDULER_MAX_RETRIES"); v != "" {
		cfg.Scheduler.MaxRetries = envInt(v, cfg.Scheduler.MaxRetries)
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_RETENTION_DAYS"); v != "" {
		cfg.Tracking.RetentionDays = envInt(v, cfg.Tracking.RetentionDays)
	}

	cfg.clamp()
	return cfg, cfg.validate()
}

func (c *Config) clamp() {
	if c.Scheduler.MaxConcurrentSends > maxConcurrencyCap {
		c.Scheduler.MaxConcurrentSends = maxConcurrencyCap
	}
	if c.Scheduler.MaxConcurrentSends < 1 {
		c.Scheduler.MaxConcurrentSends = 1
	}
	if c.Scheduler.PollIntervalSec < 1 {
		c.Scheduler.PollIntervalSec = 30
	}
	if c.Tracking.RetentionDays < 1 {
		c.Tracking.RetentionDays = 90
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	switch c.Mailer.Provider {
	case "smtp", "ses":
	default:
		return fmt.Errorf("unknown mailer provider %q", c.Mailer.Provider)
	}
	return nil
}

func envInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
