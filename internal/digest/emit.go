package digest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/emersion/go-mbox"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/templates"
)

// Emitter turns a rotated digest mailbox into the digests members get.
type Emitter struct {
	stack *core.Stack
}

// NewEmitter returns an emitter over s.
func NewEmitter(s *core.Stack) *Emitter {
	return &Emitter{stack: s}
}

// Emit builds the MIME and RFC 1153 digests for the mailbox named in
// meta and queues them for their recipients. The mailbox is removed once
// the digests are queued.
func (e *Emitter) Emit(_ context.Context, l *lists.List, meta envelope.Metadata) error {
	s := e.stack
	path := meta.String(envelope.KeyDigestPath)
	if path == "" {
		return errors.New("digest trigger without a mailbox path")
	}
	volume := int(meta.Int(envelope.KeyVolume))
	number := int(meta.Int(envelope.KeyDigestNumber))

	msgs, err := readMailbox(path)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		s.Logger.Info("empty digest mailbox", slog.String("list", l.FQDNListName()), slog.String("path", path))
		return removeMailbox(path)
	}

	masthead, err := s.Notifier.Render(l, templates.DigestMasthead, "", nil)
	if err != nil {
		return fmt.Errorf("rendering digest masthead: %w", err)
	}
	is := newIssue(l, volume, number, masthead, s.Now())
	mime := newMIMEDigest(is, s.Config.Digests)
	plain := newRFC1153Digest(is, s.Config.Digests)
	for i, msg := range msgs {
		is.addToTOC(msg, i+1)
	}
	mime.addTOC(len(msgs))
	plain.addTOC(len(msgs))
	for i, msg := range msgs {
		mime.addMessage(msg, i+1)
		plain.addMessage(msg, i+1)
	}
	mimeMsg, err := mime.finish()
	if err != nil {
		return fmt.Errorf("building MIME digest: %w", err)
	}
	plainMsg, err := plain.finish()
	if err != nil {
		return fmt.Errorf("building RFC 1153 digest: %w", err)
	}

	mimeRcpts, plainRcpts, err := e.recipients(l)
	if err != nil {
		return err
	}
	if err := e.send(l, mimeMsg, mimeRcpts, "mime"); err != nil {
		return err
	}
	if err := e.send(l, plainMsg, plainRcpts, "rfc1153"); err != nil {
		return err
	}

	if len(l.LastDigestRecipients) > 0 {
		l.LastDigestRecipients = nil
		if err := s.Lists.SaveList(l); err != nil {
			return err
		}
	}
	s.Logger.Info("digest sent",
		slog.String("list", l.FQDNListName()),
		slog.String("issue", is.id),
		slog.Int("messages", len(msgs)),
		slog.Int("mime_recipients", len(mimeRcpts)),
		slog.Int("plain_recipients", len(plainRcpts)))
	return removeMailbox(path)
}

// recipients splits the digest members by format. Members who left
// digest delivery since the last issue get one more in their old format.
func (e *Emitter) recipients(l *lists.List) (mime, plain []string, err error) {
	members, err := e.stack.Lists.Members(l.FQDNListName(), lists.RoleMember)
	if err != nil {
		return nil, nil, fmt.Errorf("loading digest members: %w", err)
	}
	seen := map[string]bool{}
	add := func(addr string, mode lists.DeliveryMode) {
		key := strings.ToLower(addr)
		if seen[key] {
			return
		}
		seen[key] = true
		if mode == lists.PlaintextDigests {
			plain = append(plain, addr)
		} else {
			mime = append(mime, addr)
		}
	}
	for _, m := range members {
		if m.IsDigest() && m.DeliveryStatus() == lists.Enabled {
			add(m.Email, m.DeliveryMode())
		}
	}
	for _, r := range l.LastDigestRecipients {
		add(r.Email, r.Mode)
	}
	return mime, plain, nil
}

func (e *Emitter) send(l *lists.List, msg *email.Message, rcpts []string, kind string) error {
	if len(rcpts) == 0 {
		return nil
	}
	meta := envelope.Metadata{}
	meta.SetString(envelope.KeyListName, l.FQDNListName())
	meta.SetStrings(envelope.KeyRecipients, rcpts)
	meta.SetBool(envelope.KeyIsDigest, true)
	if _, err := e.stack.Queues.Enqueue(switchboard.Virgin, msg, meta); err != nil {
		return fmt.Errorf("enqueueing %s digest: %w", kind, err)
	}
	e.stack.Collector.DigestSent(l.FQDNListName(), kind)
	return nil
}

// readMailbox parses every message in the mailbox at path.
func readMailbox(path string) ([]*email.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening digest mailbox: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var msgs []*email.Message
	r := mbox.NewReader(f)
	for {
		mr, err := r.NextMessage()
		if err == io.EOF {
			return msgs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading digest mailbox: %w", err)
		}
		msg, err := email.Read(mr)
		if err != nil {
			return nil, fmt.Errorf("parsing digest message %d: %w", len(msgs)+1, err)
		}
		msgs = append(msgs, msg)
	}
}

func removeMailbox(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing digest mailbox: %w", err)
	}
	return nil
}
