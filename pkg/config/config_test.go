package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8086", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Store.Timeout)
	assert.Equal(t, 10, cfg.Notifications.PageSize)
	assert.Equal(t, 100, cfg.Notifications.MaxPageSize)
	assert.Equal(t, 64, cfg.WebSocket.SendBuffer)
	assert.False(t, cfg.Redis.Enabled())
	assert.Empty(t, cfg.EventStore.URL)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
  allowed_origins:
    - http://localhost:3000
database:
  driver: postgres
  dsn: postgres://localhost/volunteer
store:
  timeout: 2s
redis:
  address: localhost:6379
  count_ttl: 30s
logging:
  level: debug
`)
	t.Setenv("APP_AUTH_JWT_SECRET", "from-env")
	t.Setenv("APP_NOTIFICATIONS_PAGE_SIZE", "20")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Store.Timeout)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 30*time.Second, cfg.Redis.CountTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 20, cfg.Notifications.PageSize)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: mysql
notifications:
  page_size: 50
  max_page_size: 10
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "max_page_size")
}
