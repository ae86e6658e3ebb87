package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/infodancer/msgstore"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/inbound"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/logging"
	"github.com/infodancer/listd/internal/switchboard"
)

// Maildir drains a mailbox the MTA delivers list mail into. Polling moves
// each message onto the maildir queue; disposing routes it to the queue
// that handles each of its recipients.
type Maildir struct {
	stack   *core.Stack
	store   msgstore.MessageStore
	mailbox string
	router  *inbound.Router
}

// NewMaildir opens the configured store. Without a base path the runner
// only routes envelopes already queued.
func NewMaildir(s *core.Stack) (*Maildir, error) {
	cfg := s.Config.Maildir
	var store msgstore.MessageStore
	if cfg.BasePath != "" {
		base := cfg.BasePath
		if !filepath.IsAbs(base) {
			base = s.Config.Path(base)
		}
		opened, err := msgstore.Open(msgstore.StoreConfig{
			Type:     cfg.Type,
			BasePath: base,
			Options:  cfg.Options,
		})
		if err != nil {
			return nil, fmt.Errorf("opening maildir store: %w", err)
		}
		ms, ok := any(opened).(msgstore.MessageStore)
		if !ok {
			return nil, fmt.Errorf("store type %q cannot be read", cfg.Type)
		}
		store = ms
	}
	return NewMaildirWithStore(s, store, cfg.Mailbox), nil
}

// NewMaildirWithStore returns a maildir disposer reading mailbox from store.
func NewMaildirWithStore(s *core.Stack, store msgstore.MessageStore, mailbox string) *Maildir {
	return &Maildir{
		stack:   s,
		store:   store,
		mailbox: mailbox,
		router:  &inbound.Router{Lists: s.Lists, SiteOwner: s.Config.SiteOwner},
	}
}

// Periodic moves new mailbox messages onto the maildir queue.
func (m *Maildir) Periodic(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	infos, err := m.store.List(ctx, m.mailbox)
	if err != nil {
		return fmt.Errorf("listing %s: %w", m.mailbox, err)
	}
	var deleted int
	for _, info := range infos {
		if err := m.take(ctx, info.UID); err != nil {
			m.stack.Logger.Error("reading maildir message",
				slog.String("uid", info.UID), slog.String("error", err.Error()))
			continue
		}
		if err := m.store.Delete(ctx, m.mailbox, info.UID); err != nil {
			return fmt.Errorf("deleting %s: %w", info.UID, err)
		}
		deleted++
	}
	if deleted == 0 {
		return nil
	}
	return m.store.Expunge(ctx, m.mailbox)
}

func (m *Maildir) take(ctx context.Context, uid string) error {
	rc, err := m.store.Retrieve(ctx, m.mailbox, uid)
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck
	raw, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	msg, err := email.Parse(raw)
	if err != nil {
		return err
	}

	meta := envelope.Metadata{}
	var rcpts []string
	for _, a := range msg.Addresses("Delivered-To", "X-Original-To", "To") {
		rcpts = append(rcpts, strings.ToLower(a.Email))
	}
	meta.SetStrings(envelope.KeyRecipients, rcpts)
	meta.SetInt(envelope.KeyOriginalSize, int64(len(raw)))
	meta.SetTime(envelope.KeyReceivedTime, m.stack.Now())
	if rp := strings.Trim(strings.TrimSpace(msg.Header.Get("Return-Path")), "<>"); rp != "" {
		meta.SetString(envelope.KeyEnvelopeSender, rp)
	}
	_, err = m.stack.Queues.Enqueue(switchboard.Maildir, msg, meta)
	return err
}

// Dispose queues one copy of the message for each list address it was
// sent to. Addresses naming no list are skipped.
func (m *Maildir) Dispose(ctx context.Context, _ *lists.List, env *envelope.Envelope) (bool, error) {
	logger := logging.FromContext(ctx)
	mailFrom := env.Meta.String(envelope.KeyEnvelopeSender)
	if err := inbound.Prepare(env.Message, mailFrom); err != nil {
		logger.Warn("discarding maildir message", slog.String("error", err.Error()))
		return false, nil
	}
	size := int(env.Meta.Int(envelope.KeyOriginalSize))
	received, ok := env.Meta.Time(envelope.KeyReceivedTime)
	if !ok {
		received = m.stack.Now()
	}

	seen := map[string]bool{}
	for _, rcpt := range env.Meta.Recipients() {
		dest, err := m.router.Route(rcpt)
		if errors.Is(err, inbound.ErrUnknownList) || errors.Is(err, inbound.ErrUnknownSubaddress) {
			logger.Debug("not a list address", slog.String("recipient", rcpt))
			continue
		}
		if err != nil {
			return false, err
		}
		key := dest.Queue + " " + dest.Meta.ListName() + " " + dest.Meta.String(envelope.KeySubaddress)
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, err := inbound.Enqueue(m.stack.Queues, dest, env.Message, size, received); err != nil {
			return false, err
		}
	}
	if len(seen) == 0 {
		logger.Info("maildir message names no list", slog.String("message_id", env.Message.MessageID()))
	}
	return false, nil
}
