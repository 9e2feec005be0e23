package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8192, cfg.BufferSize)
	assert.Equal(t, 6, cfg.IDLength)
	assert.Equal(t, 60*time.Second, cfg.Heartbeat.SweepInterval)
	assert.Equal(t, 120*time.Second, cfg.Heartbeat.StaleTimeout)
	assert.Equal(t, 180*time.Second, cfg.Heartbeat.InitialGracePeriod)
	assert.Equal(t, 5*time.Minute, cfg.WaitTimeout)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	data := `
listen: ":9000"
buffer_size: 16384
wait_timeout: 30s
heartbeat:
  stale_timeout: 90s
allowed_origins:
  - https://app.example
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 16384, cfg.BufferSize)
	assert.Equal(t, 30*time.Second, cfg.WaitTimeout)
	assert.Equal(t, 90*time.Second, cfg.Heartbeat.StaleTimeout)
	// Untouched fields keep their defaults.
	assert.Equal(t, 180*time.Second, cfg.Heartbeat.InitialGracePeriod)
	assert.Equal(t, []string{"https://app.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_RejectsUnknownYAMLKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bufer_size: 1\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Listen, cfg.Listen)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"PORT":                    "3000",
		"CONDUIT_WAIT_TIMEOUT":    "0s",
		"CONDUIT_GRACE_PERIOD":    "5m",
		"CONDUIT_ALLOWED_ORIGINS": "https://a.example, https://b.example,",
		"CONDUIT_LOG_LEVEL":       "debug",
		"CONDUIT_RATE_LIMIT":      "0",
		"UNRELATED_SETTING":       "x",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Listen)
	assert.Zero(t, cfg.WaitTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Heartbeat.InitialGracePeriod)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Zero(t, cfg.RateLimit.PerMinute)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_ListenOverridesPort(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{
		"PORT":           "3000",
		"CONDUIT_LISTEN": "127.0.0.1:4000",
	})))
	assert.Equal(t, "127.0.0.1:4000", cfg.Listen)
}

func TestApplyEnv_BadValue(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{"CONDUIT_BUFFER_SIZE": "lots"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONDUIT_BUFFER_SIZE")
}

func TestSet_AcceptsFlagNames(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Set("stale-timeout", "45s"))
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.StaleTimeout)

	assert.Error(t, cfg.Set("no-such-setting", "1"))
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.BufferSize = 0
	cfg.IDLength = 2
	cfg.Heartbeat.SweepInterval = 0
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"buffer_size", "id_length", "sweep_interval", "log format"} {
		assert.Contains(t, err.Error(), want)
	}
}
