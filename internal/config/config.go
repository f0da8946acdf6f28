package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Log      LogConfig      `yaml:"log"`
	Template TemplateConfig `yaml:"template"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	Migrate      bool   `yaml:"migrate"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	TriggerSecret  string        `yaml:"trigger_secret"`
	TriggerMaxSkew time.Duration `yaml:"trigger_max_skew"`
}

// EngineConfig tunes evaluation and dispatch.
type EngineConfig struct {
	OfflineThreshold time.Duration `yaml:"offline_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	// Interval of the in-process full run. Zero leaves triggering to an external scheduler.
	Interval       time.Duration `yaml:"interval"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
	Workers        int           `yaml:"workers"`
	NotifyOffline  bool          `yaml:"notify_offline"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	// LedgerDriver is postgres or memory.
	LedgerDriver string `yaml:"ledger_driver"`
}

const (
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

type SMTPConfig struct {
	Host          string  `yaml:"host"`
	Port          int     `yaml:"port"`
	Username      string  `yaml:"username"`
	Password      string  `yaml:"password"`
	From          string  `yaml:"from"`
	FromName      string  `yaml:"from_name"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	StatusTopic  string        `yaml:"status_topic"`
	ReadingTopic string        `yaml:"reading_topic"`
	GroupID      string        `yaml:"group_id"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TemplateConfig overrides the alert email template. Empty values keep the built-in one.
type TemplateConfig struct {
	Subject      string `yaml:"subject"`
	BodyFile     string `yaml:"body_file"`
	DashboardURL string `yaml:"dashboard_url"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{MaxOpenConns: 20},
		Auth:     AuthConfig{TriggerMaxSkew: 5 * time.Minute},
		Engine: EngineConfig{
			OfflineThreshold: 30 * time.Minute,
			Cooldown:         30 * time.Minute,
			Interval:         time.Minute,
			SweepInterval:    0,
			RunTimeout:       2 * time.Minute,
			Workers:          8,
			ReservationTTL:   5 * time.Minute,
			LedgerDriver:     LedgerPostgres,
		},
		SMTP:    SMTPConfig{Port: 587, FromName: "Sensor Health"},
		Webhook: WebhookConfig{Timeout: 5 * time.Second},
		Kafka: KafkaConfig{
			StatusTopic: "sensor-status-changes",
			GroupID:     "sensor-health",
			PollTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
	}
}

// Load reads .env, the optional YAML file named by SENSOR_HEALTH_CONFIG and environment
// overrides, in that order, and validates the result.
func Load() (Config, error) {
	envFile := getenvDefault("SENSOR_HEALTH_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	cfg := Defaults()
	if path := os.Getenv("SENSOR_HEALTH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.HTTP.Addr = getenvDefault("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.AllowedOrigins = getenvList("HTTP_ALLOWED_ORIGINS", cfg.HTTP.AllowedOrigins)
	cfg.HTTP.ShutdownTimeout = getenvDuration("HTTP_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout)

	cfg.Database.URL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.Database.URL))
	cfg.Database.Migrate = getenvBool("DATABASE_MIGRATE", cfg.Database.Migrate)
	cfg.Database.MaxOpenConns = getenvIntDefault("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)

	cfg.Auth.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.Auth.JWTSecret))
	cfg.Auth.TriggerSecret = getenvDefault("TRIGGER_HMAC_SECRET", cfg.Auth.TriggerSecret)
	cfg.Auth.TriggerMaxSkew = getenvDuration("TRIGGER_MAX_SKEW", cfg.Auth.TriggerMaxSkew)

	cfg.Engine.OfflineThreshold = getenvDuration("OFFLINE_THRESHOLD", cfg.Engine.OfflineThreshold)
	cfg.Engine.Cooldown = getenvDuration("NOTIFY_COOLDOWN", cfg.Engine.Cooldown)
	cfg.Engine.Interval = getenvDuration("DISPATCH_INTERVAL", cfg.Engine.Interval)
	cfg.Engine.SweepInterval = getenvDuration("SWEEP_INTERVAL", cfg.Engine.SweepInterval)
	cfg.Engine.RunTimeout = getenvDuration("DISPATCH_RUN_TIMEOUT", cfg.Engine.RunTimeout)
	cfg.Engine.Workers = getenvIntDefault("DISPATCH_WORKERS", cfg.Engine.Workers)
	cfg.Engine.NotifyOffline = getenvBool("NOTIFY_OFFLINE", cfg.Engine.NotifyOffline)
	cfg.Engine.ReservationTTL = getenvDuration("RESERVATION_TTL", cfg.Engine.ReservationTTL)
	cfg.Engine.LedgerDriver = strings.ToLower(strings.TrimSpace(getenvDefault("LEDGER_DRIVER", cfg.Engine.LedgerDriver)))

	cfg.SMTP.Host = getenvDefault("SMTP_HOST", cfg.SMTP.Host)
	cfg.SMTP.Port = getenvIntDefault("SMTP_PORT", cfg.SMTP.Port)
	cfg.SMTP.Username = getenvDefault("SMTP_USERNAME", cfg.SMTP.Username)
	cfg.SMTP.Password = getenvDefault("SMTP_PASSWORD", cfg.SMTP.Password)
	cfg.SMTP.From = getenvDefault("SMTP_FROM", cfg.SMTP.From)
	cfg.SMTP.FromName = getenvDefault("SMTP_FROM_NAME", cfg.SMTP.FromName)
	cfg.SMTP.RatePerSecond = getenvFloatDefault("SMTP_RATE_PER_SECOND", cfg.SMTP.RatePerSecond)

	cfg.Webhook.URL = getenvDefault("ALERT_WEBHOOK_URL", cfg.Webhook.URL)
	cfg.Webhook.Timeout = getenvDuration("ALERT_WEBHOOK_TIMEOUT", cfg.Webhook.Timeout)

	cfg.Kafka.Brokers = getenvList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.StatusTopic = getenvDefault("KAFKA_STATUS_TOPIC", cfg.Kafka.StatusTopic)
	cfg.Kafka.ReadingTopic = getenvDefault("KAFKA_READING_TOPIC", cfg.Kafka.ReadingTopic)
	cfg.Kafka.GroupID = getenvDefault("KAFKA_GROUP_ID", cfg.Kafka.GroupID)
	cfg.Kafka.PollTimeout = getenvDuration("KAFKA_POLL_TIMEOUT", cfg.Kafka.PollTimeout)

	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getenvDefault("LOG_FILE", cfg.Log.File)

	cfg.Template.Subject = getenvDefault("ALERT_SUBJECT_TEMPLATE", cfg.Template.Subject)
	cfg.Template.BodyFile = getenvDefault("ALERT_BODY_TEMPLATE_FILE", cfg.Template.BodyFile)
	cfg.Template.DashboardURL = getenvDefault("DASHBOARD_URL", cfg.Template.DashboardURL)
}

// Validate reports missing or inconsistent settings.
func (c Config) Validate() error {
	missing := []string{}
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if c.SMTP.Host == "" {
		missing = append(missing, "SMTP_HOST")
	}
	if c.SMTP.From == "" {
		missing = append(missing, "SMTP_FROM")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required configurations: %v", missing)
	}

	switch {
	case c.Engine.OfflineThreshold <= 0:
		return errors.New("config: engine.offline_threshold must be positive")
	case c.Engine.Cooldown <= 0:
		return errors.New("config: engine.cooldown must be positive")
	case c.Engine.Interval < 0 || c.Engine.SweepInterval < 0:
		return errors.New("config: engine intervals must not be negative")
	case c.Engine.RunTimeout <= 0:
		return errors.New("config: engine.run_timeout must be positive")
	case c.Engine.Workers <= 0:
		return errors.New("config: engine.workers must be positive")
	case c.Engine.ReservationTTL <= 0:
		return errors.New("config: engine.reservation_ttl must be positive")
	case c.Engine.LedgerDriver != LedgerPostgres && c.Engine.LedgerDriver != LedgerMemory:
		return fmt.Errorf("config: engine.ledger_driver %q must be postgres or memory", c.Engine.LedgerDriver)
	case c.SMTP.Port <= 0 || c.SMTP.Port > 65535:
		return errors.New("config: smtp.port out of range")
	}
	if c.Kafka.ReadingTopic != "" && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: kafka.reading_topic requires kafka.brokers")
	}
	return nil
}

// KafkaEnabled reports whether brokers are configured.
func (c Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return splitCSV(value)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
