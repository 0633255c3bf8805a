package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/querygate/internal/api"
	"github.com/mattjoyce/querygate/internal/auth"
	"github.com/mattjoyce/querygate/internal/config"
	"github.com/mattjoyce/querygate/internal/engine"
	"github.com/mattjoyce/querygate/internal/events"
	"github.com/mattjoyce/querygate/internal/history"
	"github.com/mattjoyce/querygate/internal/interrupt"
	"github.com/mattjoyce/querygate/internal/janitor"
	"github.com/mattjoyce/querygate/internal/kernel"
	"github.com/mattjoyce/querygate/internal/lock"
	"github.com/mattjoyce/querygate/internal/log"
	"github.com/mattjoyce/querygate/internal/storage"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("querygate starting", "version", version, "config", path)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	catalog := kernel.NewSQLCatalog(db)
	if err := catalog.Sync(ctx, cfg.Catalog.Tables); err != nil {
		logger.Error("failed to sync catalog", "error", err)
		return 1
	}
	logger.Info("catalog synced", "tables", len(cfg.Catalog.Tables))

	hist := history.New(db)
	hub := events.NewHub(256)

	jan := janitor.New(hist, hub, janitor.Options{
		TickInterval: cfg.Service.TickInterval,
		Retention:    cfg.Service.HistoryRetention,
	}, logger)
	if err := jan.Start(ctx); err != nil {
		logger.Error("failed to start janitor", "error", err)
		return 1
	}
	defer jan.Stop()

	coord, err := engine.New(engine.Deps{
		Catalog: catalog,
		Kernel: &kernel.NestedLoopKernel{
			Markers:      cfg.Kernel.ProgressMarkers,
			FragmentCost: cfg.Kernel.FragmentCost,
			GPUEnabled:   cfg.Kernel.GPUEnabled,
		},
		History: hist,
		Events:  hub,
	}, engineOptions(cfg))
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		apiServer := api.New(apiConfig(cfg), coord, hist, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	} else {
		logger.Warn("API server disabled; queries can only be submitted in-process")
	}

	logger.Info("querygate running (press Ctrl+C to stop)",
		"capacity", cfg.Dispatch.Capacity,
		"executors", cfg.Dispatch.Executors,
		"runtime_interrupt", cfg.Interrupt.Enabled,
	)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("querygate stopped")
	return 0
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		Capacity:    cfg.Dispatch.Capacity,
		Executors:   cfg.Dispatch.Executors,
		PendingTick: cfg.Dispatch.PendingTick,
		Interrupt: interrupt.Settings{
			Enabled:          cfg.Interrupt.Enabled,
			RunningCheckFreq: cfg.Interrupt.RunningCheckFreq,
			PendingCheckFreq: cfg.Interrupt.PendingCheckFreq,
		},
		ProgressMarkers: cfg.Kernel.ProgressMarkers,
	}
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}

// loadConfigForTool loads the config at configPath, or the discovered one
// when configPath is empty. It returns the path actually used.
func loadConfigForTool(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", configPath)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, cfg.SourcePath, nil
}
