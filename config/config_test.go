package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, []string{"admin"}, cfg.Engine.AdminRoles)
	assert.Equal(t, 3, cfg.Engine.ConflictRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Engine.ConflictDelay)
	assert.Equal(t, 100, cfg.Engine.MaxChainSteps)
	assert.Equal(t, "gpt-4o", cfg.AI.Model)
	assert.False(t, cfg.UsesRedis())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
storage:
  driver: redis
redis:
  addr: redis:6379
engine:
  admin_roles: [admin, ops]
  max_chain_steps: 20
  conflict_delay: 50ms
ai:
  model: gpt-4o-mini
`), 0o600))

	t.Setenv("TASKFLOW_AI_API_KEY", "sk-env")
	t.Setenv("TASKFLOW_SERVER_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"admin", "ops"}, cfg.Engine.AdminRoles)
	assert.Equal(t, 20, cfg.Engine.MaxChainSteps)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.ConflictDelay)
	assert.Equal(t, "gpt-4o-mini", cfg.AI.Model)
	assert.Equal(t, "sk-env", cfg.AI.APIKey)
	assert.True(t, cfg.UsesRedis())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: cassandra\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "unknown storage driver")
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
