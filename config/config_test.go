package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/config"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{})

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "studio.db", cfg.DBDSN)
	assert.Equal(t, "catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, time.Hour, cfg.AuditInterval)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 4, cfg.NotifyConcurrency)
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"STUDIO_PORT":           "9090",
		"STUDIO_DB_DRIVER":      "pgx",
		"STUDIO_DB_DSN":         "postgres://studio@localhost/studio",
		"STUDIO_LOG_LEVEL":      "debug",
		"STUDIO_AUDIT_INTERVAL": "15m",
		"STUDIO_CORS_ORIGINS":   "https://desk.example.org",
		"STUDIO_SMTP_HOST":      "smtp.example.org",
		"STUDIO_NOTIFY_TIMEOUT": "5s",
	})

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "pgx", cfg.DBDriver)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 15*time.Minute, cfg.AuditInterval)
	assert.Equal(t, []string{"https://desk.example.org"}, cfg.CORSOrigins)
	assert.Equal(t, "smtp.example.org", cfg.SMTP.Host)
	assert.Equal(t, 5*time.Second, cfg.NotifyTimeout)
}

func TestLoadFrom_Invalid(t *testing.T) {
	_, err := config.LoadFrom(map[string]string{"STUDIO_PORT": "eighty"})
	assert.ErrorContains(t, err, "parse env")

	_, err = config.LoadFrom(map[string]string{"STUDIO_DB_DRIVER": "mysql"})
	assert.ErrorContains(t, err, "DB_DRIVER")
}
