package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	DBUrl     string `env:"DB_URL"`
	JWTSecret string `env:"JWT_SECRET,notEmpty"`
	AppEnv    string `env:"APP_ENV" envDefault:"production"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage and change feed selection
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"postgres"`
	FeedBackend    string `env:"FEED_BACKEND" envDefault:"postgres"`
	RedisURL       string `env:"REDIS_URL"`

	// Leader election for the redis relay
	FeedLockKey     int64         `env:"FEED_LOCK_KEY" envDefault:"7310021"`
	FeedStandbyPoll time.Duration `env:"FEED_STANDBY_POLL" envDefault:"2s"`

	MaxMessageLength  int `env:"MAX_MESSAGE_LENGTH" envDefault:"4000"`
	TimelineCacheSize int `env:"TIMELINE_CACHE_SIZE" envDefault:"32"`
	SubscriberBuffer  int `env:"SUBSCRIBER_BUFFER" envDefault:"64"`

	// Live channel retry budget
	LiveRetryMaxAttempts     int           `env:"LIVE_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	LiveRetryInitialInterval time.Duration `env:"LIVE_RETRY_INITIAL_INTERVAL" envDefault:"200ms"`
	LiveRetryMaxInterval     time.Duration `env:"LIVE_RETRY_MAX_INTERVAL" envDefault:"5s"`

	EnableMetrics   bool          `env:"ENABLE_METRICS" envDefault:"true"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found")
	}
	return Parse()
}

// Parse reads the configuration from the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.AppEnv = normalizeEnv(cfg.AppEnv)
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	cfg.FeedBackend = strings.ToLower(strings.TrimSpace(cfg.FeedBackend))

	switch cfg.StorageBackend {
	case BackendPostgres:
		if cfg.DBUrl == "" {
			return nil, fmt.Errorf("DB_URL is required when STORAGE_BACKEND is postgres")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	switch cfg.FeedBackend {
	case BackendPostgres:
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when FEED_BACKEND is redis")
		}
	default:
		return nil, fmt.Errorf("unsupported FEED_BACKEND %q", cfg.FeedBackend)
	}
	if cfg.StorageBackend == BackendMemory && cfg.FeedBackend == BackendRedis {
		return nil, fmt.Errorf("FEED_BACKEND redis needs the postgres listener; use STORAGE_BACKEND postgres")
	}

	if cfg.MaxMessageLength <= 0 {
		return nil, fmt.Errorf("MAX_MESSAGE_LENGTH must be positive")
	}
	return cfg, nil
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}

// Level returns the zerolog level for LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
