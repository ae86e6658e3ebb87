package main

import (
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/infodancer/auth/passwd"      // Register passwd auth backend
	_ "github.com/infodancer/msgstore/maildir" // Register maildir storage backend

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/metrics"
)

// exitCode ends the process with a status and no message.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// loadConfig parses the shared flags, loads and validates the config.
// Subcommand flags must be registered before it is called.
func loadConfig() (config.Config, *config.Flags, error) {
	flags := config.ParseFlags()
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		return cfg, flags, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, flags, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, flags, nil
}

func openStack(cfg config.Config, logger *slog.Logger, collector metrics.Collector) (*core.Stack, error) {
	s, err := core.NewStack(core.StackConfig{
		Config:    cfg,
		Logger:    logger,
		Collector: collector,
	})
	if err != nil {
		return nil, fmt.Errorf("opening stores: %w", err)
	}
	return s, nil
}
