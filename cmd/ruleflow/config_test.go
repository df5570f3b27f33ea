package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"), envMap(nil))

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5000, cfg.TimeoutMs)
	assert.Equal(t, 10, cfg.MaxDepth)
	assert.Equal(t, 100, cfg.MaxWorkflows)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, "0 3 * * *", cfg.RetentionCron)
	assert.Equal(t, 5*time.Second, cfg.Limits().Timeout)
	assert.Equal(t, 90*24*time.Hour, cfg.RetentionMaxAge())
}

func TestLoadConfig_Layering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"db_path": "/data/settings.db",
		"log_level": "debug",
		"timeout_ms": 250,
		"concurrency": 4
	}`), 0o600))

	cfg := loadConfigFrom(path, envMap(map[string]string{
		"RULEFLOW_LOG_LEVEL":      "warn",
		"RULEFLOW_MAX_DEPTH":      "6",
		"RULEFLOW_ASYNC_RECORDER": "1",
		"RULEFLOW_CONCURRENCY":    "not-a-number",
	}))

	assert.Equal(t, "/data/settings.db", cfg.DBPath, "from settings.json")
	assert.Equal(t, "warn", cfg.LogLevel, "env beats settings.json")
	assert.Equal(t, 250*time.Millisecond, cfg.Limits().Timeout)
	assert.Equal(t, 6, cfg.Limits().MaxDepth)
	assert.Equal(t, 4, cfg.Concurrency, "unparsable env values are ignored")
	assert.True(t, cfg.AsyncRecorder)
	assert.Equal(t, 100, cfg.MaxWorkflows, "untouched default")
}

func TestLoadConfig_BadSettingsFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	cfg := loadConfigFrom(path, envMap(nil))
	assert.Equal(t, defaultConfig(), cfg)
}

func TestRetentionDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.RetentionDays = 0
	assert.Zero(t, cfg.RetentionMaxAge())
}

func TestDSN(t *testing.T) {
	cases := map[string]string{
		"/var/lib/ruleflow.db":         "file:/var/lib/ruleflow.db",
		"ruleflow.db":                  "file:ruleflow.db",
		"file:/tmp/x.db":               "file:/tmp/x.db",
		"libsql://db.example.com:8080": "libsql://db.example.com:8080",
	}
	for in, want := range cases {
		assert.Equal(t, want, Config{DBPath: in}.dsn(), in)
	}
}

func TestWriteSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	cfg := defaultConfig()
	cfg.Concurrency = 3
	require.NoError(t, writeSettings(path, cfg))

	got := loadConfigFrom(path, envMap(nil))
	assert.Equal(t, cfg, got)
}
