package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/ruleflow/internal/retention"
	"github.com/rendis/ruleflow/internal/sandbox"
	"github.com/rendis/ruleflow/pkg/schema"
)

// Config holds all ruleflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	TimeoutMs    int `json:"timeout_ms"`
	MaxDepth     int `json:"max_depth"`
	MaxWorkflows int `json:"max_workflows"`
	Concurrency  int `json:"concurrency"`

	AsyncRecorder bool `json:"async_recorder"`

	RetentionCron string `json:"retention_cron"`
	RetentionDays int    `json:"retention_days"`

	// ContextSchemaDir holds <TRIGGER>.json JSON Schemas for trigger payloads.
	ContextSchemaDir string `json:"context_schema_dir"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(ruleflowDir(), "ruleflow.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		TimeoutMs:     int(sandbox.DefaultTimeout / time.Millisecond),
		MaxDepth:      sandbox.DefaultMaxDepth,
		MaxWorkflows:  schema.MaxWorkflowsPerTrigger,
		Concurrency:   1,
		RetentionCron: retention.DefaultSchedule,
		RetentionDays: 90,
	}
}

func ruleflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ruleflow"
	}
	return filepath.Join(home, ".ruleflow")
}

func settingsPath() string {
	return filepath.Join(ruleflowDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("RULEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("RULEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("RULEFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	envInt(getenv, "RULEFLOW_TIMEOUT_MS", &cfg.TimeoutMs)
	envInt(getenv, "RULEFLOW_MAX_DEPTH", &cfg.MaxDepth)
	envInt(getenv, "RULEFLOW_MAX_WORKFLOWS", &cfg.MaxWorkflows)
	envInt(getenv, "RULEFLOW_CONCURRENCY", &cfg.Concurrency)
	envInt(getenv, "RULEFLOW_RETENTION_DAYS", &cfg.RetentionDays)
	if v := getenv("RULEFLOW_RETENTION_CRON"); v != "" {
		cfg.RetentionCron = v
	}
	if v := getenv("RULEFLOW_ASYNC_RECORDER"); v != "" {
		cfg.AsyncRecorder = v == "true" || v == "1"
	}
	if v := getenv("RULEFLOW_CONTEXT_SCHEMA_DIR"); v != "" {
		cfg.ContextSchemaDir = v
	}

	return cfg
}

func envInt(getenv func(string) string, key string, dst *int) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Limits returns the sandbox limits described by the config.
func (c Config) Limits() sandbox.Limits {
	return sandbox.Limits{
		MaxDepth: c.MaxDepth,
		Timeout:  time.Duration(c.TimeoutMs) * time.Millisecond,
	}
}

// RetentionMaxAge is zero when retention is disabled.
func (c Config) RetentionMaxAge() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// dsn turns a plain path into the file URI libSQL expects.
func (c Config) dsn() string {
	if filepath.IsAbs(c.DBPath) || !hasScheme(c.DBPath) {
		return "file:" + c.DBPath
	}
	return c.DBPath
}

func hasScheme(p string) bool {
	for i := 0; i < len(p); i++ {
		switch c := p[i]; {
		case c == ':':
			return i > 0
		case c == '/' || c == '\\' || c == '.':
			return false
		}
	}
	return false
}
