package main

import (
	"github.com/infodancer/listd/internal/logging"
	"github.com/infodancer/listd/internal/runner"
)

// runUnshunt returns shunted envelopes to their original queues.
func runUnshunt() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStack(cfg, logging.NewLogger(cfg.LogLevel), nil)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := runner.Unshunt(s)
	s.Logger.Info("unshunt finished", "moved", n)
	return err
}
