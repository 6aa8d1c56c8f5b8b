package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/config"
)

const sampleYAML = `
server:
  port: 9090
  mode: debug
auth:
  jwt_secret: "a-very-long-signing-secret"
care:
  presence:
    timeout: 90s
  conflict:
    window: 3m
    threshold: 0.7
  sync:
    max_batch: 50
`

func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := config.Load(createTempConfigFile(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, 90*time.Second, cfg.Care.Presence.Timeout)
	assert.Equal(t, 3*time.Minute, cfg.Care.Conflict.Window)
	assert.Equal(t, 0.7, cfg.Care.Conflict.Threshold)
	assert.Equal(t, 50, cfg.Care.Sync.MaxBatch)
	assert.Equal(t, config.DefaultStorageDriver, cfg.Storage.Driver)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("CARECIRCLE_SERVER_PORT", "7070")
	t.Setenv("CARECIRCLE_CARE_CONFLICT_THRESHOLD", "0.8")

	cfg, err := config.Load(createTempConfigFile(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 0.8, cfg.Care.Conflict.Threshold)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidConfig(t *testing.T) {
	_, err := config.Load(createTempConfigFile(t, "server:\n  mode: bogus\nauth:\n  jwt_secret: a-very-long-signing-secret\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CARECIRCLE_AUTH_JWT_SECRET", "env-provided-secret-value")
	t.Setenv("CARECIRCLE_CARE_ACTOR_MAILBOX_SIZE", "16")

	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Care.Actor.MailboxSize)
	assert.Equal(t, config.DefaultServerPort, cfg.Server.Port)
}

func TestMustLoad_Panics(t *testing.T) {
	assert.Panics(t, func() { config.MustLoad(filepath.Join(t.TempDir(), "absent.yaml")) })
}

func TestWatch_ReloadsPolicy(t *testing.T) {
	path := createTempConfigFile(t, sampleYAML)

	changed := make(chan *config.Config, 4)
	require.NoError(t, config.Watch(path, func(c *config.Config) { changed <- c }, nil))

	updated := sampleYAML + "\n" + "log:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
