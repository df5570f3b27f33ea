package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/ruleflow/internal/logging"
	"github.com/rendis/ruleflow/internal/store"
)

const usage = `usage: ruleflow <command> [flags]

commands:
  serve     run the MCP tool server on stdio (default)
  migrate   apply database migrations
  prune     delete execution records older than the retention window
  init      write ~/.ruleflow/settings.json
  version   print the version
`

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "migrate":
		runMigrate(args)
	case "prune":
		runPrune(args)
	case "init":
		runInit(args)
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

// commonFlags registers the flags every command accepts on top of the config layers.
func commonFlags(fs *flag.FlagSet) (dbPath, logLevel *string) {
	dbPath = fs.String("db-path", "", "database path (default: ~/.ruleflow/ruleflow.db)")
	logLevel = fs.String("log-level", "", "log level: debug, info, warn, error")
	return dbPath, logLevel
}

func resolveConfig(dbPath, logLevel string) Config {
	cfg := loadConfig()
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath, logLevel := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	cfg := resolveConfig(*dbPath, *logLevel)

	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.RetentionMaxAge() > 0 {
		if err := a.pruner.Start(ctx); err != nil {
			logger.Error("retention pruner failed to start", "error", err)
		}
	}

	limits := a.engine.Limits()
	logger.Info("ruleflow serving on stdio",
		"version", version,
		"db_path", cfg.DBPath,
		"timeout", limits.Timeout.String(),
		"max_depth", limits.MaxDepth,
		"concurrency", cfg.Concurrency)

	if err := a.server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mcp server stopped", "error", err)
	}
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath, logLevel := commonFlags(fs)
	vacuum := fs.Bool("vacuum", false, "run VACUUM after migrating")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	cfg := resolveConfig(*dbPath, *logLevel)
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	st, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		logger.Error("open database failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	if *vacuum {
		if err := st.Vacuum(ctx); err != nil {
			logger.Error("vacuum failed", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("database up to date", "db_path", cfg.DBPath)
}

func runPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	dbPath, logLevel := commonFlags(fs)
	days := fs.Int("days", 0, "keep this many days of records (default: retention_days)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	cfg := resolveConfig(*dbPath, *logLevel)
	if *days > 0 {
		cfg.RetentionDays = *days
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	n, err := a.pruner.RunOnce(ctx)
	if err != nil {
		logger.Error("prune failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("deleted %d execution records\n", n)
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dbPath, logLevel := commonFlags(fs)
	force := fs.Bool("force", false, "overwrite an existing settings.json")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := ruleflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}
	if _, err := os.Stat(settingsPath()); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Error: %s exists (use -force to overwrite)\n", settingsPath())
		os.Exit(1)
	}

	cfg := defaultConfig()
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := writeSettings(settingsPath(), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", settingsPath())
}

func writeSettings(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
