package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 20, cfg.DB.MaxOpenConns)
	assert.Equal(t, "intake-submissions", cfg.Archive.Bucket)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("DB_MAX_OPEN_CONNS", "4")
	t.Setenv("INTAKE_STATUS_CACHE_TTL", "90s")
	t.Setenv("ARCHIVE_ENDPOINT", "localhost:9000")
	t.Setenv("ARCHIVE_USE_SSL", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 4, cfg.DB.MaxOpenConns)
	assert.Equal(t, 90*time.Second, cfg.StatusCacheTTL)
	assert.Equal(t, "localhost:9000", cfg.Archive.Endpoint)
	assert.True(t, cfg.Archive.UseSSL)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("INTAKE_REQUEST_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
}
