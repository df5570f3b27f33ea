package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/ruleflow/internal/engine"
	"github.com/rendis/ruleflow/internal/recorder"
	"github.com/rendis/ruleflow/internal/retention"
	"github.com/rendis/ruleflow/internal/store"
	"github.com/rendis/ruleflow/pkg/mcp"
	"github.com/rendis/ruleflow/pkg/schema"
)

// app is the wired object graph behind the serve command.
type app struct {
	store    *store.LibSQLStore
	recorder *recorder.Recorder
	engine   *engine.Engine
	pruner   *retention.Pruner
	server   *mcp.Server
	logger   *slog.Logger
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if dir := filepath.Dir(cfg.DBPath); !hasScheme(cfg.DBPath) && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	st, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rec := recorder.New(st, recorder.Options{
		Async:  cfg.AsyncRecorder,
		Logger: logger,
	})

	eng, err := engine.New(st, rec, engine.Options{
		Limits:       cfg.Limits(),
		MaxWorkflows: cfg.MaxWorkflows,
		Concurrency:  cfg.Concurrency,
		Logger:       logger,
	})
	if err != nil {
		rec.Close()
		st.Close()
		return nil, err
	}

	if cfg.ContextSchemaDir != "" {
		if err := loadContextSchemas(cfg.ContextSchemaDir, eng, logger); err != nil {
			rec.Close()
			st.Close()
			return nil, err
		}
	}

	pruner, err := retention.New(st, retention.Config{
		Schedule: cfg.RetentionCron,
		MaxAge:   cfg.RetentionMaxAge(),
		Logger:   logger,
	})
	if err != nil {
		rec.Close()
		st.Close()
		return nil, err
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine:    eng,
		Store:     st,
		Validator: eng.Validator(),
		Logger:    logger,
	})

	return &app{
		store:    st,
		recorder: rec,
		engine:   eng,
		pruner:   pruner,
		server:   srv,
		logger:   logger,
	}, nil
}

// loadContextSchemas registers every <TRIGGER>.json file in dir.
func loadContextSchemas(dir string, eng *engine.Engine, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read context schema dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		trigger := schema.Trigger(strings.TrimSuffix(e.Name(), ".json"))
		if !trigger.Valid() {
			logger.Warn("ignoring schema for unknown trigger", "file", e.Name())
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if err := eng.Validator().Schemas().RegisterContextSchema(trigger, raw); err != nil {
			return fmt.Errorf("register schema %s: %w", e.Name(), err)
		}
		logger.Info("context schema registered", "trigger", string(trigger))
	}
	return nil
}

// Close stops background work and releases the database.
// Buffered audit records are flushed before the store closes.
func (a *app) Close() error {
	_ = a.pruner.Stop()
	_ = a.recorder.Close()
	stats := a.recorder.Stats()
	m := a.engine.Metrics()
	a.logger.Info("shutting down",
		"dispatches", m.Dispatches,
		"evaluations", m.Evaluations,
		"actions", m.Actions,
		"evaluation_failures", m.Failures,
		"timeouts", m.Timeouts,
		"store_errors", m.StoreErrors,
		"panics", m.Panics,
		"records_written", stats.Written,
		"records_failed", stats.Failed,
		"records_dropped", stats.Dropped)
	return a.store.Close()
}
