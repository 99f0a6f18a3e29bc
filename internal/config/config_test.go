package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logchannel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("NODE_NAME", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, BeforeSendOncePerLog, cfg.BeforeSend)
	assert.Equal(t, "/var/log/pods", cfg.Relay.LogRootPath)
	assert.Equal(t, 1.5, cfg.Retry.Multiplier)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
app_secret: secret-from-file
endpoint_url: https://in.example.com
storage_path: /var/lib/logchannel/logs.db
capacity: 500
compress: false
before_send: every_attempt
retry:
  initial_interval: 2s
  max_attempts: 5
groups:
  group_analytics:
    trigger_count: 10
    trigger_interval: 500ms
    max_age: 1m
relay:
  log_root_path: /tmp/pods
  min_workers: 1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret-from-file", cfg.AppSecret)
	assert.Equal(t, "https://in.example.com", cfg.EndpointURL)
	assert.Equal(t, 500, cfg.Capacity)
	assert.False(t, cfg.Compress)
	assert.Equal(t, BeforeSendEveryAttempt, cfg.BeforeSend)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialInterval)
	assert.Equal(t, 5*time.Minute, cfg.Retry.MaxInterval, "unset keys keep their defaults")
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "/tmp/pods", cfg.Relay.LogRootPath)
	assert.Equal(t, 1, cfg.Relay.MinWorkers)
	assert.Equal(t, 10, cfg.Relay.MaxWorkers)

	group, ok := cfg.Group("group_analytics")
	require.True(t, ok)
	assert.Equal(t, GroupConfig{TriggerCount: 10, TriggerInterval: 500 * time.Millisecond, MaxAge: time.Minute}, group)
	_, ok = cfg.Group("group_errors")
	assert.False(t, ok)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "app_secret: from-file\ncapacity: 500\n")
	t.Setenv("LOGCHANNEL_APP_SECRET", "from-env")
	t.Setenv("LOGCHANNEL_CAPACITY", "42")
	t.Setenv("LOGCHANNEL_RETRY_MULTIPLIER", "2")
	t.Setenv("LOGCHANNEL_RETRY_INITIAL_INTERVAL", "250ms")
	t.Setenv("LOGCHANNEL_COMPRESS", "false")
	t.Setenv("LOGCHANNEL_MAX_WORKERS", "not-a-number")
	t.Setenv("NODE_NAME", "node-7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.AppSecret)
	assert.Equal(t, 42, cfg.Capacity)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialInterval)
	assert.False(t, cfg.Compress)
	assert.Equal(t, 10, cfg.Relay.MaxWorkers, "invalid values fall back")
	assert.Equal(t, "node-7", cfg.Relay.NodeName)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "capacity: [1, 2"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.EndpointURL = "not a url"
	cfg.BeforeSend = "sometimes"
	cfg.Relay.MinWorkers = 3
	cfg.Relay.MaxWorkers = 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_secret is required")
	assert.Contains(t, err.Error(), "is not an absolute url")
	assert.Contains(t, err.Error(), "before_send")
	assert.Contains(t, err.Error(), "relay workers")

	cfg.AppSecret = "secret"
	cfg.EndpointURL = "https://in.example.com"
	cfg.BeforeSend = BeforeSendOncePerLog
	cfg.Relay.MinWorkers = 1
	assert.NoError(t, cfg.Validate())
}
