package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "GATEWAY_TIMEOUT", "IDEMPOTENCY_RETENTION", "CORS_ALLOWED_ORIGINS", "LOG_LEVEL", "BLUEPRINT_DB_HOST"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyRetention)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "localhost", cfg.DB.Host)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GATEWAY_TIMEOUT", "750ms")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BLUEPRINT_DB_HOST", "db")
	t.Setenv("BLUEPRINT_DB_USERNAME", "u")
	t.Setenv("BLUEPRINT_DB_PASSWORD", "p")
	t.Setenv("BLUEPRINT_DB_PORT", "5433")
	t.Setenv("BLUEPRINT_DB_DATABASE", "shop")
	t.Setenv("BLUEPRINT_DB_SCHEMA", "public")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.GatewayTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "postgres://u:p@db:5433/shop?sslmode=disable&search_path=public", cfg.DB.ConnString())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("GATEWAY_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("GATEWAY_TIMEOUT", "0s")
	_, err = Load()
	assert.Error(t, err)
}
