package app

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.hcl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewConfig(t *testing.T) {
	_, err := NewConfig(Config{})
	assert.Error(t, err)

	cfg, err := NewConfig(Config{ConfigPath: "cluster.hcl"})
	require.NoError(t, err)
	assert.Equal(t, "cluster.hcl", cfg.ConfigPath)
}

func TestNewAppliesOverrides(t *testing.T) {
	path := writeConfig(t, `
cluster {
  scheduler_address  = "10.0.0.1:7760"
  listen_address     = "0.0.0.0:7070"
  heartbeat_interval = "1s"
}
`)
	a, err := New(io.Discard, &Config{
		ConfigPath:        path,
		ListenAddress:     "0.0.0.0:7171",
		HTTPPort:          9090,
		HeartbeatInterval: 2 * time.Second,
		LogLevel:          "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7171", a.model.ListenAddress)
	assert.Equal(t, "10.0.0.1:7760", a.model.SchedulerAddress, "file value kept when no override")
	assert.Equal(t, 9090, a.model.HTTPPort)
	assert.Equal(t, 2*time.Second, a.model.HeartbeatInterval)
	assert.Equal(t, "debug", a.model.LogLevel)
	assert.NotNil(t, a.Core())
}

func TestNewRejectsInvalidOverride(t *testing.T) {
	path := writeConfig(t, `
cluster {
  scheduler_address = "10.0.0.1:7760"
}
`)
	_, err := New(io.Discard, &Config{ConfigPath: path, LogLevel: "loud"})
	assert.ErrorContains(t, err, "invalid log_level")
}

func TestNewMissingConfigFile(t *testing.T) {
	_, err := New(io.Discard, &Config{ConfigPath: filepath.Join(t.TempDir(), "absent.hcl"), HTTPPort: -1})
	assert.Error(t, err)
}
