package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_URL", "postgres://localhost/chat")
	t.Setenv("APP_ENV", "dev")

	cfg, err := Parse()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "development", cfg.AppEnv)
	require.True(t, cfg.IsDevelopment())
	require.Equal(t, BackendPostgres, cfg.StorageBackend)
	require.Equal(t, BackendPostgres, cfg.FeedBackend)
	require.Equal(t, 4000, cfg.MaxMessageLength)
	require.Equal(t, 5, cfg.LiveRetryMaxAttempts)
	require.Equal(t, 200*time.Millisecond, cfg.LiveRetryInitialInterval)
	require.Equal(t, int64(7310021), cfg.FeedLockKey)
	require.Equal(t, 2*time.Second, cfg.FeedStandbyPoll)
	require.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestParseRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("STORAGE_BACKEND", "memory")

	_, err := Parse()
	require.Error(t, err)
}

func TestParseRequiresDatabaseForPostgres(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_URL", "")
	t.Setenv("STORAGE_BACKEND", "postgres")

	_, err := Parse()
	require.ErrorContains(t, err, "DB_URL")
}

func TestParseMemoryBackend(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_URL", "")
	t.Setenv("STORAGE_BACKEND", " Memory ")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse()
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.StorageBackend)
	require.Equal(t, zerolog.DebugLevel, cfg.Level())
}

func TestParseRejectsRedisWithoutURL(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_URL", "postgres://localhost/chat")
	t.Setenv("FEED_BACKEND", "redis")
	t.Setenv("REDIS_URL", "")

	_, err := Parse()
	require.ErrorContains(t, err, "REDIS_URL")
}

func TestParseRejectsUnknownBackend(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORAGE_BACKEND", "sqlite")

	_, err := Parse()
	require.ErrorContains(t, err, "STORAGE_BACKEND")
}

func TestNormalizeEnv(t *testing.T) {
	require.Equal(t, "production", normalizeEnv(" PROD "))
	require.Equal(t, "staging", normalizeEnv("stage"))
	require.Equal(t, "test", normalizeEnv("testing"))
	require.Equal(t, "qa", normalizeEnv("QA"))
}
