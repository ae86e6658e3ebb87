package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/lmtp"
	"github.com/infodancer/listd/internal/logging"
	"github.com/infodancer/listd/internal/master"
	"github.com/infodancer/listd/internal/metrics"
	"github.com/infodancer/listd/internal/runner"
)

// stopCodes maps the signals that stop a runner to its exit status, the
// signal number. The master restarts runners that exit non-zero unless it
// sent the SIGTERM itself.
var stopCodes = map[os.Signal]int{
	syscall.SIGTERM: int(syscall.SIGTERM),
	syscall.SIGINT:  int(syscall.SIGINT),
	syscall.SIGUSR1: int(syscall.SIGUSR1),
}

func runRunner() error {
	name := flag.String("name", "", "Queue runner to start")
	slice := flag.Int("slice", 0, "Slice of the queue this runner owns")
	count := flag.Int("count", 1, "Number of slices the queue is split into")
	once := flag.Bool("once", false, "Make one pass over the queue and exit")

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	rc, ok := cfg.Runner(*name)
	if !ok {
		return fmt.Errorf("no runner named %q in the configuration", *name)
	}

	logger, logw, err := logging.NewFileLogger(cfg.Path("logs"), *name, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logw.Close()
	logger = logging.WithRunner(logger, *name, *slice, *count)

	reg := prometheus.NewRegistry()
	collector, server := metrics.New(runnerMetricsConfig(cfg, *name, *slice), reg)

	s, err := openStack(cfg, logger, collector)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(signals)

	var (
		run  func(context.Context) error
		stop func()
	)
	if *name == "lmtp" {
		run, stop = lmtp.NewServer(s).Run, cancel
	} else {
		d, err := runner.Build(s, *name)
		if err != nil {
			return err
		}
		r, err := runner.New(s, *name, *slice, *count, d, rc.SleepTime())
		if err != nil {
			return err
		}
		if *once {
			return runOnce(ctx, r, d)
		}
		run, stop = r.Run, r.Stop
	}

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	code := 0
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if err := logw.Reopen(); err != nil {
					logger.Error("reopening log", slog.String("error", err.Error()))
				}
				continue
			}
			logger.Info("received signal, stopping", slog.String("signal", sig.String()))
			code = stopCodes[sig]
			stop()
		case err := <-done:
			if err != nil {
				return err
			}
			if code != 0 {
				return exitCode(code)
			}
			return nil
		}
	}
}

func runOnce(ctx context.Context, r *runner.Runner, d runner.Disposer) error {
	if err := r.Recover(); err != nil {
		return err
	}
	_, _, err := r.Once(ctx)
	if c, ok := d.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// runnerMetricsConfig gives each runner process its own metrics port,
// RunnerPortBase plus its position in the master's plan.
func runnerMetricsConfig(cfg config.Config, name string, slice int) metrics.Config {
	if !cfg.Metrics.Enabled || cfg.Metrics.RunnerPortBase == 0 {
		return metrics.Config{}
	}
	host, _, err := net.SplitHostPort(cfg.Metrics.Address)
	if err != nil {
		host = ""
	}
	for k, c := range master.Plan(cfg.Runners) {
		if c.Name == name && c.Slice == slice {
			return metrics.Config{
				Enabled: true,
				Address: net.JoinHostPort(host, strconv.Itoa(cfg.Metrics.RunnerPortBase+k)),
				Path:    cfg.Metrics.Path,
			}
		}
	}
	return metrics.Config{}
}
