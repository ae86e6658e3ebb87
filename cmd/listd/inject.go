package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/inbound"
	"github.com/infodancer/listd/internal/logging"
	"github.com/infodancer/listd/internal/switchboard"
)

// runInject queues a message for a list as if the MTA had delivered it
// to the list's posting address.
func runInject() error {
	list := flag.String("list", "", "Posting address of the target list")
	queue := flag.String("queue", switchboard.In, "Queue to inject into")
	file := flag.String("file", "-", "Message file, - for standard input")
	withEnvelope := flag.Bool("envelope", false, "Read a one-line JSON envelope before the message")

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}
		defer f.Close()
		in = f
	}
	r := bufio.NewReader(in)

	rcpt, sender, q := *list, "", *queue
	var req *inbound.InjectRequest
	if *withEnvelope {
		if req, err = inbound.ReadInjectRequest(r); err != nil {
			return err
		}
		rcpt, sender = req.Recipient, req.Sender
		if req.Queue != "" {
			q = req.Queue
		}
	}
	if rcpt == "" {
		return fmt.Errorf("--list is required")
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	msg, err := email.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing message: %w", err)
	}

	s, err := openStack(cfg, logging.NewLogger(cfg.LogLevel), nil)
	if err != nil {
		return err
	}
	defer s.Close()

	router := &inbound.Router{Lists: s.Lists, SiteOwner: cfg.SiteOwner}
	dest, err := router.Route(rcpt)
	if err != nil {
		return err
	}
	if !*withEnvelope || req.Queue != "" {
		dest.Queue = q
	}

	if msg.MessageID() == "" {
		msg.Header.Set("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), cfg.Hostname))
	}
	if sender == "" {
		sender = msg.Sender("")
	}
	if err := inbound.Prepare(msg, sender); err != nil {
		return err
	}
	received := s.Now()
	if req != nil {
		received = req.Received(received)
	}
	id, err := inbound.Enqueue(s.Queues, dest, msg, len(raw), received)
	if err != nil {
		return err
	}
	s.Logger.Info("message injected", "list", dest.List.FQDNListName(), "queue", dest.Queue, "filebase", id)
	return nil
}
