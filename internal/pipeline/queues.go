package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/infodancer/listd/internal/chains"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/digest"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/notify"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/templates"
)

// expandList expands text with the list's substitutions.
func expandList(l *lists.List, text string) string {
	return templates.Expand(text, notify.Vars(l))
}

// enqueue puts a copy of env on the named queue.
func enqueue(s *core.Stack, queue string, l *lists.List, env *envelope.Envelope) error {
	meta := env.Meta.Clone()
	meta.SetString(envelope.KeyListName, l.FQDNListName())
	if _, err := s.Queues.Enqueue(queue, env.Message.Clone(), meta); err != nil {
		return fmt.Errorf("enqueueing on %s: %w", queue, err)
	}
	return nil
}

type toArchive struct {
	stack *core.Stack
}

func (h *toArchive) Name() string        { return "to-archive" }
func (h *toArchive) Description() string { return "Send messages to the archives." }

func (h *toArchive) Process(_ context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	if env.Meta.Bool(envelope.KeyIsDigest) || !l.Archive {
		return Next, nil
	}
	msg := env.Message
	if msg.Header.Has("X-No-Archive") {
		return Next, nil
	}
	if strings.EqualFold(strings.TrimSpace(msg.Header.Get("X-Archive")), "no") {
		return Next, nil
	}
	return Next, enqueue(h.stack, switchboard.Archive, l, env)
}

type toDigest struct {
	stack *core.Stack
}

func (h *toDigest) Name() string        { return "to-digest" }
func (h *toDigest) Description() string { return "Add the message to the digest, possibly sending it." }

func (h *toDigest) Process(ctx context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	if env.Meta.Bool(envelope.KeyIsDigest) || !l.Digestable {
		return Next, nil
	}
	if _, err := digest.NewAccumulator(h.stack).Add(ctx, l, env.Message); err != nil {
		return Next, err
	}
	return Next, nil
}

type toUsenet struct {
	stack *core.Stack
}

func (h *toUsenet) Name() string        { return "to-usenet" }
func (h *toUsenet) Description() string { return "Move the message to the outgoing news queue." }

func (h *toUsenet) Process(_ context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	if !l.GatewayToNews || env.Meta.Bool(envelope.KeyIsDigest) || env.Meta.Bool(envelope.KeyFromUsenet) {
		return Next, nil
	}
	if l.LinkedNewsgroup == "" || h.stack.Config.NNTP.Address() == "" {
		h.stack.Logger.Error("news gateway misconfigured",
			slog.String("list", l.FQDNListName()),
			slog.String("newsgroup", l.LinkedNewsgroup))
		return Next, nil
	}
	return Next, enqueue(h.stack, switchboard.News, l, env)
}

type afterDelivery struct {
	stack *core.Stack
}

func (h *afterDelivery) Name() string { return "after-delivery" }
func (h *afterDelivery) Description() string {
	return "Perform some bookkeeping after a successful post."
}

func (h *afterDelivery) Process(_ context.Context, l *lists.List, _ *envelope.Envelope) (Result, error) {
	l.LastPostTime = h.stack.Now()
	l.PostID++
	if err := h.stack.Lists.SaveList(l); err != nil {
		return Next, err
	}
	return Next, nil
}

type acknowledge struct {
	stack *core.Stack
}

func (h *acknowledge) Name() string        { return "acknowledge" }
func (h *acknowledge) Description() string { return "Send an acknowledgment of a successful post." }

func (h *acknowledge) Process(ctx context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	s := h.stack
	meta := env.Meta
	if meta.Bool(envelope.KeyNoAck) {
		return Next, nil
	}
	sender := meta.String(envelope.KeyOriginalSender)
	if sender == "" {
		sender = env.Message.Sender(meta.String(envelope.KeyEnvelopeSender))
	}
	if sender == "" {
		return Next, nil
	}
	m, err := s.Lists.Member(l.FQDNListName(), lists.RoleMember, sender)
	if errors.Is(err, lists.ErrNotFound) {
		return Next, nil
	}
	if err != nil {
		return Next, err
	}
	if !m.AcknowledgePosts() {
		return Next, nil
	}

	subject := meta.String(envelope.KeyOriginalSubject)
	if subject == "" {
		subject = env.Message.Subject()
	}
	if subject == "" {
		subject = "(no subject)"
	}
	lang := m.PreferredLanguage()
	if !chains.Autorespond(ctx, s, l, sender, lang, chains.ResponsePostAck) {
		return Next, nil
	}
	text, err := s.Notifier.Render(l, templates.PostAck, lang, map[string]string{
		"subject":    subject,
		"optionsurl": l.OptionsURL(sender),
	})
	if err != nil {
		return Next, fmt.Errorf("rendering post acknowledgment: %w", err)
	}
	ack, err := s.Notifier.Message(l.RequestAddress(), sender, l.DisplayName+" post acknowledgment", text)
	if err != nil {
		return Next, err
	}
	return Next, s.Notifier.SendUser(l, ack, sender)
}

type toOutgoing struct {
	stack *core.Stack
}

func (h *toOutgoing) Name() string        { return "to-outgoing" }
func (h *toOutgoing) Description() string { return "Send the message to the outgoing queue." }

func (h *toOutgoing) Process(_ context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	if !env.Meta.Has(envelope.KeyRecipients) {
		env.Meta.SetStrings(envelope.KeyRecipients, nil)
	}
	return Next, enqueue(h.stack, switchboard.Out, l, env)
}
