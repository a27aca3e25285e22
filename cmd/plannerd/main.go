package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/congressops/planloom/internal/config"
	"github.com/congressops/planloom/internal/engine"
	"github.com/congressops/planloom/internal/events"
	"github.com/congressops/planloom/internal/health"
	"github.com/congressops/planloom/internal/lockmgr"
	"github.com/congressops/planloom/internal/perr"
	"github.com/congressops/planloom/internal/repo"
	"github.com/congressops/planloom/internal/temporalflow"
)

// exitCodeForError maps the internal/perr taxonomy (spec §7) to a process
// exit code, so a caller scripting plannerd can distinguish a validation
// failure (2) from a state-store failure (3) without parsing log output.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var validation *perr.ValidationError
	var notFound *perr.NotFoundError
	if errors.As(err, &validation) || errors.As(err, &notFound) {
		return 2
	}
	return 3
}

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	oldStateDB := strings.TrimSpace(oldCfg.General.StateDB)
	newStateDB := strings.TrimSpace(newCfg.General.StateDB)
	if oldStateDB != newStateDB {
		return fmt.Errorf("state_db changed (%q -> %q) and requires restart", oldStateDB, newStateDB)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "plannerd.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	lockFilePath := flag.String("lock-file", "/tmp/plannerd.lock", "single-instance lock file path")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("plannerd starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if os.IsNotExist(err) {
		bootLogger.Warn("config file not found, using defaults", "config", *configPath)
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfgManager := config.NewManager(cfg)

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockFile, err := health.AcquireFlock(config.ExpandHome(*lockFilePath))
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPath := config.ExpandHome(cfg.General.StateDB)
	if dbPath == "" {
		dbPath = "plannerd.db"
	}
	r, err := repo.Open(ctx, dbPath)
	if err != nil {
		logger.Error("failed to open state database", "path", dbPath, "error", err)
		os.Exit(exitCodeForError(err))
	}
	defer r.Close()

	eng := engine.New(r, cfg, logger.With("component", "engine"))
	if plans, err := eng.ListPlans(ctx); err != nil {
		logger.Warn("failed to list plans at startup", "error", err)
	} else {
		logger.Info("loaded plans", "count", len(plans))
	}

	var cfgMu sync.RWMutex
	applyReload := func() error {
		cfgMu.Lock()
		defer cfgMu.Unlock()

		if err := cfgManager.Reload(*configPath); err != nil {
			return err
		}
		updated := cfgManager.Get()
		if err := validateRuntimeConfigReload(cfg, updated); err != nil {
			return err
		}
		cfg = updated
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	if cfg.Temporal.Enabled {
		go func() {
			logger.Info("starting temporal worker", "host_port", cfg.Temporal.HostPort)
			locks := lockmgr.New(r, cfg.Locks.DefaultTTL.Duration, logger.With("component", "lockmgr"))
			acts := &temporalflow.Activities{Events: events.New(r, locks, nil)}
			if err := temporalflow.StartWorker(cfg.Temporal.HostPort, acts); err != nil {
				logger.Error("temporal worker stopped", "error", err)
			}
		}()
	}

	logger.Info("plannerd running", "state_db", dbPath, "temporal_enabled", cfg.Temporal.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("plannerd stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
