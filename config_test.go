package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
filesystem:
  root_dir: /var/lib/persist
  alias: tenant1
  watch: true
  lock_retry: 25ms
postgres:
  dsn: postgres://localhost/app
  max_open_conns: 8
mongo:
  uri: mongodb://localhost:27017
  database: app
log:
  level: debug
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/persist", cfg.Filesystem.RootDir)
	assert.Equal(t, "tenant1", cfg.Filesystem.Alias)
	assert.True(t, cfg.Filesystem.Watch)
	assert.Equal(t, 25*time.Millisecond, cfg.Filesystem.LockRetry)
	assert.Equal(t, defaultLockStaleness, cfg.Filesystem.LockStaleness, "unset values take defaults")
	assert.Equal(t, "postgres://localhost/app", cfg.Postgres.DSN)
	assert.Equal(t, 8, cfg.Postgres.MaxOpenConns)
	assert.Equal(t, "app", cfg.Mongo.Database)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
