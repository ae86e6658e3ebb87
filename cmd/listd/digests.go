package main

import (
	"context"
	"flag"
	"log/slog"

	"github.com/infodancer/listd/internal/digest"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/logging"
)

// runSendDigests queues a digest for every list with pending digest
// messages, whatever the size of its mailbox.
func runSendDigests() error {
	only := flag.String("list", "", "Only send the digest of this list")

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel)
	s, err := openStack(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	var targets []*lists.List
	if *only != "" {
		l, err := s.Lists.List(*only)
		if err != nil {
			return err
		}
		targets = []*lists.List{l}
	} else if targets, err = s.Lists.Lists(); err != nil {
		return err
	}

	acc := digest.NewAccumulator(s)
	ctx := context.Background()
	for _, l := range targets {
		if !l.Digestable {
			continue
		}
		sent, err := acc.Send(ctx, l)
		if err != nil {
			logger.Error("sending digest", slog.String("list", l.FQDNListName()), slog.String("error", err.Error()))
			continue
		}
		if sent {
			logger.Info("digest queued", slog.String("list", l.FQDNListName()))
		}
	}
	return nil
}
