package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/logging"
	"github.com/infodancer/listd/internal/master"
	"github.com/infodancer/listd/internal/metrics"
	"github.com/infodancer/listd/internal/switchboard"
)

func runMaster() error {
	force := flag.Bool("force", false, "Remove a stale master lock before starting")
	noRestart := flag.Bool("no-restart", false, "Do not restart runners that exit")
	var only stringList
	flag.Var(&only, "runner", "Start only this runner (repeatable)")

	cfg, flags, err := loadConfig()
	if err != nil {
		return err
	}

	runners, err := selectRunners(cfg.Runners, only)
	if err != nil {
		return err
	}

	logger, logw, err := logging.NewFileLogger(cfg.Path("logs"), "master", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logw.Close()

	// Resolve config path to absolute so runners find it regardless of cwd.
	configPath, err := filepath.Abs(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("determining executable path: %w", err)
	}

	lock, err := master.NewLock(cfg.Path("lock", "master.lck"), cfg.Lock.LockLifetime())
	if err != nil {
		return err
	}
	if err := lock.Acquire(*force); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error("releasing lock", slog.String("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	collector, server := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	}, reg)
	if cfg.Metrics.Enabled {
		queues, err := switchboard.NewRegistry(cfg.Path("qfiles"), nil, nil)
		if err != nil {
			return err
		}
		reg.MustRegister(metrics.NewQueueDepthCollector(queues.Dirs()))
	}

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(signals)

	m := master.New(master.Options{
		Runners:   runners,
		Command:   master.ExecCommand(execPath, configPath),
		NoRestart: *noRestart,
		Lock:      lock,
		Refresh:   cfg.Lock.RefreshInterval(),
		Collector: collector,
		Logger:    logger,
		Reopen:    logw.Reopen,
	})

	logger.Info("starting listd master",
		"hostname", cfg.Hostname,
		"pid", os.Getpid(),
		"runners", len(master.Plan(runners)),
		"exec", execPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return m.Run(gctx, signals)
	})
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return server.Shutdown(context.Background())
	})
	if err := g.Wait(); err != nil {
		logger.Error("master stopped", slog.String("error", err.Error()))
		return err
	}
	logger.Info("master stopped")
	return nil
}

// selectRunners narrows the configured runners to the named ones. Named
// runners start even when the configuration disables them.
func selectRunners(all []config.RunnerConfig, names []string) ([]config.RunnerConfig, error) {
	if len(names) == 0 {
		return all, nil
	}
	var out []config.RunnerConfig
	for _, name := range names {
		found := false
		for _, r := range all {
			if r.Name == name {
				start := true
				r.Start = &start
				out = append(out, r)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no runner named %q in the configuration", name)
		}
	}
	return out, nil
}
