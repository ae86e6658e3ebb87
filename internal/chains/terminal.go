package chains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/messagestore"
	"github.com/infodancer/listd/internal/pending"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/templates"
)

// Autoresponse kinds counted against the daily limit.
const (
	ResponseHold    = "hold"
	ResponseCommand = "command"
	ResponsePostAck = "postack"
)

// terminals implements the accept, hold, discard and reject chains.
type terminals struct {
	stack *core.Stack
}

// addRuleHeaders records the rule hits and misses on the message.
func addRuleHeaders(env *envelope.Envelope) {
	if hits := env.Meta.Strings(envelope.KeyRuleHits); len(hits) > 0 {
		env.Message.Header.Set("X-Mailman-Rule-Hits", strings.Join(hits, "; "))
	}
	if misses := env.Meta.Strings(envelope.KeyRuleMisses); len(misses) > 0 {
		env.Message.Header.Set("X-Mailman-Rule-Misses", strings.Join(misses, "; "))
	}
}

func (t *terminals) sender(env *envelope.Envelope) string {
	return env.Message.Sender(env.Meta.String(envelope.KeyEnvelopeSender))
}

func (t *terminals) log(l *lists.List, env *envelope.Envelope, disposition string) *slog.Logger {
	t.stack.Collector.ChainDisposition(l.FQDNListName(), disposition)
	return t.stack.Logger.With(
		slog.String("list", l.FQDNListName()),
		slog.String("sender", t.sender(env)),
		slog.String("message_id", env.Message.MessageID()),
	)
}

func (t *terminals) accept(_ context.Context, l *lists.List, env *envelope.Envelope) error {
	addRuleHeaders(env)
	if _, err := t.stack.Queues.Enqueue(switchboard.Pipeline, env.Message, env.Meta); err != nil {
		return fmt.Errorf("accepting message: %w", err)
	}
	t.log(l, env, Accept).Info("ACCEPT")
	return nil
}

func (t *terminals) discard(_ context.Context, l *lists.List, env *envelope.Envelope) error {
	t.log(l, env, Discard).Info("DISCARD")
	return nil
}

func (t *terminals) reject(_ context.Context, l *lists.List, env *envelope.Envelope) error {
	addRuleHeaders(env)
	reasons := env.Meta.Strings(envelope.KeyModerationReasons)
	if err := t.stack.Notifier.Bounce(l, env.Message, t.sender(env), reasons); err != nil {
		return fmt.Errorf("rejecting message: %w", err)
	}
	t.log(l, env, Reject).Info("REJECT", slog.String("reasons", strings.Join(reasons, "; ")))
	return nil
}

// holdReason is the description of the last recorded hit.
func holdReason(env *envelope.Envelope) string {
	reasons := env.Meta.Strings(envelope.KeyModerationReasons)
	if len(reasons) == 0 {
		return "n/a"
	}
	return reasons[len(reasons)-1]
}

func (t *terminals) hold(ctx context.Context, l *lists.List, env *envelope.Envelope) error {
	s := t.stack
	msg := env.Message
	addRuleHeaders(env)
	if msg.MessageID() == "" {
		if err := msg.Stamp(s.Now()); err != nil {
			return fmt.Errorf("stamping held message: %w", err)
		}
	}
	if _, err := s.Messages.Add(ctx, msg); err != nil && !errors.Is(err, messagestore.ErrDuplicate) {
		return fmt.Errorf("storing held message: %w", err)
	}

	sender := t.sender(env)
	reason := holdReason(env)
	subject := msg.Subject()
	if subject == "" {
		subject = "(no subject)"
	}

	meta, err := json.Marshal(env.Meta.StripLocal())
	if err != nil {
		return fmt.Errorf("encoding held metadata: %w", err)
	}
	id, err := s.Lists.HoldRequest(&lists.HeldMessage{
		List:     l.FQDNListName(),
		Type:     lists.HeldMessageRequest,
		Key:      msg.MessageID(),
		Sender:   sender,
		Subject:  subject,
		Reason:   reason,
		Received: s.Now(),
		Data:     map[string]string{"meta": string(meta)},
	})
	if err != nil {
		return err
	}

	var token string
	if s.Pendings != nil {
		token, err = s.Pendings.Add(ctx, pending.Pendable{
			"type": pending.TypeHeldMessage,
			"id":   fmt.Sprint(id),
			"list": l.FQDNListName(),
		}, s.Config.PendingLife())
		if err != nil {
			return err
		}
	}

	lang := t.language(l, sender, env)
	vars := map[string]string{
		"subject":         subject,
		"sender_email":    sender,
		"reason":          reason,
		"reasons":         strings.Join(env.Meta.Strings(envelope.KeyModerationReasons), "\n    "),
		"token":           token,
		"confirm_address": l.ConfirmAddress(token),
	}

	if sender != "" && !env.Meta.Bool(envelope.KeyFromUsenet) && canAcknowledge(msg) &&
		l.RespondToPostRequests && Autorespond(ctx, s, l, sender, lang, ResponseHold) {
		if err := t.sendHeldNotice(l, sender, lang, vars); err != nil {
			return err
		}
	}
	if l.AdminImmedNotify {
		if err := t.sendModeratorNotice(l, msg, sender, token, vars); err != nil {
			return err
		}
	}

	t.log(l, env, Hold).Info("HOLD", slog.Uint64("request_id", id), slog.String("reason", reason))
	return nil
}

// language is the sender's preferred language when a member, else the
// list's.
func (t *terminals) language(l *lists.List, sender string, env *envelope.Envelope) string {
	if lang := env.Meta.String(envelope.KeyLang); lang != "" {
		return lang
	}
	if m, err := t.stack.Lists.Member(l.FQDNListName(), lists.RoleMember, sender); err == nil {
		return m.PreferredLanguage()
	}
	return l.PreferredLanguage
}

func (t *terminals) sendHeldNotice(l *lists.List, sender, lang string, vars map[string]string) error {
	n := t.stack.Notifier
	text, err := n.Render(l, templates.HeldNotice, lang, vars)
	if err != nil {
		return err
	}
	msg, err := n.Message(l.BouncesAddress(), sender,
		"Your message to "+l.FQDNListName()+" awaits moderator approval", text)
	if err != nil {
		return err
	}
	return n.SendUser(l, msg, sender)
}

const confirmStubText = `If you reply to this message, keeping the Subject: header intact, the
held message will be discarded. Do this if the message is spam. If you
reply to this message and include an Approved: header with the list
password in it, the message will be approved for posting to the list.
The Approved: header can also appear in the first line of the body of
the reply.
`

func (t *terminals) sendModeratorNotice(l *lists.List, held *email.Message, sender, token string, vars map[string]string) error {
	n := t.stack.Notifier
	text, err := n.Render(l, templates.HeldModerator, l.PreferredLanguage, vars)
	if err != nil {
		return err
	}
	parts := []*email.Message{email.NewText("plain", text), email.NewRFC822(held.Clone())}
	if token != "" {
		stub := email.NewText("plain", confirmStubText)
		stub.SetSubject("confirm " + token)
		stub.Header.Set("From", l.RequestAddress())
		if err := stub.Stamp(t.stack.Now()); err != nil {
			return err
		}
		parts = append(parts, email.NewRFC822(stub))
	}
	msg := email.NewMultipart("mixed", parts...)
	msg.Header.Set("From", l.OwnerAddress())
	msg.Header.Set("To", l.OwnerAddress())
	msg.SetSubject(l.FQDNListName() + " post from " + sender + " requires approval")
	msg.Header.Set("Precedence", "bulk")
	return n.SendOwnersMessage(l, msg)
}

// canAcknowledge reports whether the sender of msg may get an automatic
// reply. Bulk mail, list traffic and auto-submitted mail never do.
func canAcknowledge(msg *email.Message) bool {
	if strings.EqualFold(strings.TrimSpace(msg.Header.Get("X-Ack")), "no") {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(msg.Header.Get("Precedence"))) {
	case "bulk", "junk", "list":
		return false
	}
	if msg.Header.Has("List-Id") {
		return false
	}
	if as := strings.TrimSpace(msg.Header.Get("Auto-Submitted")); as != "" && !strings.EqualFold(as, "no") {
		return false
	}
	return true
}

// Autorespond reports whether an automatic reply of kind may go to
// sender today. On the last allowed reply of the day the sender gets a
// notice instead, after which nothing is sent until tomorrow.
func Autorespond(ctx context.Context, s *core.Stack, l *lists.List, sender, lang, kind string) bool {
	limit := int64(s.Config.MTA.MaxAutoresponsesPerDay)
	if limit == 0 || s.Autoresponses == nil {
		return true
	}
	logger := s.Logger.With(slog.String("list", l.FQDNListName()), slog.String("sender", sender))
	count, err := s.Autoresponses.Today(ctx, l.FQDNListName(), sender, kind)
	if err != nil {
		logger.Error("reading autoresponse count", "error", err)
		return false
	}
	switch {
	case count < limit:
		if _, err := s.Autoresponses.Record(ctx, l.FQDNListName(), sender, kind); err != nil {
			logger.Error("recording autoresponse", "error", err)
		}
		return true
	case count == limit:
		logger.Info("autoresponse limit hit", slog.String("kind", kind))
		if _, err := s.Autoresponses.Record(ctx, l.FQDNListName(), sender, kind); err != nil {
			logger.Error("recording autoresponse", "error", err)
		}
		n := s.Notifier
		text, err := n.Render(l, templates.NoMoreToday, lang, map[string]string{
			"sender_email": sender,
			"count":        fmt.Sprint(count),
		})
		if err != nil {
			logger.Error("rendering no-more-today notice", "error", err)
			return false
		}
		msg, err := n.Message(l.OwnerAddress(), sender, "Last autoresponse notification for today", text)
		if err == nil {
			err = n.SendUser(l, msg, sender)
		}
		if err != nil {
			logger.Error("sending no-more-today notice", "error", err)
		}
		return false
	default:
		logger.Info("autoresponse limit discard", slog.String("kind", kind))
		return false
	}
}
