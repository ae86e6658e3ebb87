package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/metrics"
)

// Child identifies one runner process.
type Child struct {
	Name  string
	Slice int
	Count int
}

func (c Child) String() string {
	return fmt.Sprintf("%s:%d:%d", c.Name, c.Slice, c.Count)
}

// CommandFunc builds the command that runs child.
type CommandFunc func(child Child) *exec.Cmd

// ExecCommand runs children as "<execPath> runner" with the given config.
func ExecCommand(execPath, configPath string) CommandFunc {
	return func(c Child) *exec.Cmd {
		cmd := exec.Command(execPath, "runner",
			"--config", configPath,
			"--name", c.Name,
			"--slice", strconv.Itoa(c.Slice),
			"--count", strconv.Itoa(c.Count))
		cmd.Env = inheritEnv("PATH", "HOME", "USER", "TMPDIR")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}
}

// inheritEnv returns "KEY=VALUE" strings for the named env vars that are
// set, plus every LISTD_ override.
func inheritEnv(keys ...string) []string {
	var env []string
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "LISTD_") {
			env = append(env, kv)
		}
	}
	return env
}

// Options configures a Master.
type Options struct {
	Runners   []config.RunnerConfig
	Command   CommandFunc
	NoRestart bool
	Lock      *Lock
	// Refresh is how often the lock is refreshed.
	Refresh   time.Duration
	Collector metrics.Collector
	Logger    *slog.Logger
	// Reopen, if set, reopens the master's own log on SIGHUP.
	Reopen func() error
}

type exit struct {
	child Child
	pid   int
	code  int
	err   error
}

// Master starts the configured runners and keeps them alive.
type Master struct {
	opts        Options
	maxRestarts map[string]int
	children    map[int]*exec.Cmd
	restarts    map[Child]int
	exits       chan exit
	stopping    bool
	logger      *slog.Logger
}

// New returns a master for opts.
func New(opts Options) *Master {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Collector == nil {
		opts.Collector = &metrics.NoopCollector{}
	}
	m := &Master{
		opts:        opts,
		maxRestarts: make(map[string]int),
		children:    make(map[int]*exec.Cmd),
		restarts:    make(map[Child]int),
		exits:       make(chan exit),
		logger:      opts.Logger,
	}
	for _, rc := range opts.Runners {
		m.maxRestarts[rc.Name] = rc.MaxRestarts
	}
	return m
}

// Plan returns the children to start: Instances slices of every enabled
// runner.
func Plan(runners []config.RunnerConfig) []Child {
	var out []Child
	for _, rc := range runners {
		if !rc.Enabled() {
			continue
		}
		n := max(rc.Instances, 1)
		for i := range n {
			out = append(out, Child{Name: rc.Name, Slice: i, Count: n})
		}
	}
	return out
}

// Run starts every planned child and supervises them until ctx is done,
// SIGTERM arrives on signals, or no children are left.
func (m *Master) Run(ctx context.Context, signals <-chan os.Signal) error {
	for _, c := range Plan(m.opts.Runners) {
		if err := m.start(c); err != nil {
			m.stopAll(syscall.SIGTERM)
			m.reap()
			return err
		}
	}

	var refresh <-chan time.Time
	if m.opts.Lock != nil && m.opts.Refresh > 0 {
		t := time.NewTicker(m.opts.Refresh)
		defer t.Stop()
		refresh = t.C
	}

	done := ctx.Done()
	for len(m.children) > 0 {
		select {
		case <-done:
			m.logger.Info("shutting down runners")
			m.stopAll(syscall.SIGTERM)
			done = nil
		case sig := <-signals:
			m.signal(sig)
		case e := <-m.exits:
			m.exited(e)
		case <-refresh:
			if err := m.opts.Lock.Refresh(); err != nil {
				m.logger.Error("refreshing lock", slog.String("error", err.Error()))
			}
		}
	}
	m.logger.Info("all runners stopped")
	return nil
}

func (m *Master) signal(sig os.Signal) {
	m.logger.Info("received signal", slog.String("signal", sig.String()))
	switch sig {
	case syscall.SIGHUP:
		if m.opts.Reopen != nil {
			if err := m.opts.Reopen(); err != nil {
				m.logger.Error("reopening log", slog.String("error", err.Error()))
			}
		}
		m.forward(sig)
	case syscall.SIGTERM:
		m.stopAll(syscall.SIGTERM)
	default:
		// SIGUSR1 and SIGINT make children exit through the restart path.
		m.forward(sig)
	}
}

func (m *Master) stopAll(sig os.Signal) {
	m.stopping = true
	m.forward(sig)
}

func (m *Master) forward(sig os.Signal) {
	for pid, cmd := range m.children {
		if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			m.logger.Warn("signalling runner",
				slog.Int("pid", pid),
				slog.String("signal", sig.String()),
				slog.String("error", err.Error()))
		}
	}
}

func (m *Master) start(c Child) error {
	cmd := m.opts.Command(c)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("master: starting runner %s: %w", c, err)
	}
	pid := cmd.Process.Pid
	m.children[pid] = cmd
	m.logger.Info("started runner", slog.String("runner", c.String()), slog.Int("pid", pid))

	go func() {
		err := cmd.Wait()
		m.exits <- exit{child: c, pid: pid, code: cmd.ProcessState.ExitCode(), err: err}
	}()
	return nil
}

func (m *Master) exited(e exit) {
	delete(m.children, e.pid)
	logger := m.logger.With(slog.String("runner", e.child.String()), slog.Int("pid", e.pid))
	if e.err != nil {
		logger.Info("runner exited", slog.String("status", e.err.Error()))
	} else {
		logger.Info("runner exited", slog.Int("status", 0))
	}

	switch {
	case m.stopping, m.opts.NoRestart:
		return
	case e.code == 0:
		// Clean exit.
		return
	}
	if m.restarts[e.child] >= m.maxRestarts[e.child.Name] {
		logger.Error("runner reached its restart limit, not restarting",
			slog.Int("restarts", m.restarts[e.child]))
		return
	}
	m.restarts[e.child]++
	m.opts.Collector.RunnerRestarted(e.child.Name)
	if err := m.start(e.child); err != nil {
		logger.Error("restarting runner", slog.String("error", err.Error()))
	}
}

// reap waits for every child after a failed start.
func (m *Master) reap() {
	for len(m.children) > 0 {
		e := <-m.exits
		delete(m.children, e.pid)
	}
}
