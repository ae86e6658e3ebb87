// Package bounce registers delivery failures against list members and
// acts on them: scoring, probes, and disabling delivery.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/delivery"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/pending"
	"github.com/infodancer/listd/internal/templates"
)

// ErrNoPendings is returned for probe operations when no token store is
// configured.
var ErrNoPendings = errors.New("bounce: no pending token store")

// Processor credits bounce events to members.
type Processor struct {
	stack *core.Stack
	verp  *regexp.Regexp
	probe *regexp.Regexp
}

// New compiles the configured VERP expressions.
func New(s *core.Stack) (*Processor, error) {
	verp, err := regexp.Compile(s.Config.MTA.VERPRegexp)
	if err != nil {
		return nil, fmt.Errorf("compiling verp_regexp: %w", err)
	}
	probe, err := regexp.Compile(s.Config.MTA.VERPProbeRegexp)
	if err != nil {
		return nil, fmt.Errorf("compiling verp_probe_regexp: %w", err)
	}
	return &Processor{stack: s, verp: verp, probe: probe}, nil
}

func (p *Processor) log(l *lists.List, addr string) *slog.Logger {
	return p.stack.Logger.With(slog.String("list", l.FQDNListName()), slog.String("address", addr))
}

// Register records a bounce of msg for addr on l and scores it.
func (p *Processor) Register(ctx context.Context, l *lists.List, addr string, msg *email.Message, bctx lists.BounceContext) error {
	addr = strings.ToLower(addr)
	event := &lists.BounceEvent{
		List:      l.FQDNListName(),
		Email:     addr,
		Timestamp: p.stack.Now(),
		Context:   bctx,
	}
	if msg != nil {
		event.MessageID = msg.MessageID()
	}
	id, err := p.stack.Lists.RecordBounce(event)
	if err != nil {
		return err
	}
	p.stack.Collector.BounceRegistered(l.FQDNListName(), string(bctx))
	p.log(l, addr).Info("bounce registered", slog.String("context", string(bctx)))

	if err := p.score(ctx, l, event, msg); err != nil {
		return err
	}
	return p.stack.Lists.MarkBounceProcessed(id)
}

// score raises the member's bounce score, at most once a day, and acts
// once the list threshold is reached.
func (p *Processor) score(ctx context.Context, l *lists.List, event *lists.BounceEvent, msg *email.Message) error {
	if !l.ProcessBounces {
		return nil
	}
	m, err := p.stack.Lists.Member(l.FQDNListName(), lists.RoleMember, event.Email)
	if errors.Is(err, lists.ErrNotFound) {
		p.log(l, event.Email).Info("bounce from non-member")
		return nil
	}
	if err != nil {
		return err
	}
	if m.DeliveryStatus() != lists.Enabled {
		return nil
	}

	if event.Context == lists.BounceProbe {
		return p.disable(l, m, event.Timestamp)
	}

	if !sameDay(m.LastBounceReceived, event.Timestamp) {
		m.BounceScore++
		m.LastBounceReceived = event.Timestamp
		if err := p.stack.Lists.SaveMember(m); err != nil {
			return err
		}
	}
	if m.BounceScore < l.BounceScoreThreshold {
		return nil
	}
	if l.SendProbes {
		return p.SendProbe(ctx, l, m, msg)
	}
	return p.disable(l, m, event.Timestamp)
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (p *Processor) disable(l *lists.List, m *lists.Member, when time.Time) error {
	m.SetDeliveryStatus(lists.ByBounces)
	m.DisabledAt = when
	if err := p.stack.Lists.SaveMember(m); err != nil {
		return err
	}
	p.log(l, m.Email).Info("delivery disabled by bounces", slog.Float64("score", m.BounceScore))

	n := p.stack.Notifier
	text, err := n.Render(l, templates.DisabledByBounces, m.PreferredLanguage(), map[string]string{
		"date": m.LastBounceReceived.Format(time.RFC1123Z),
	})
	if err != nil {
		return err
	}
	notice, err := n.Message(l.RequestAddress(), m.Email,
		l.DisplayName+" mailing list membership disabled", text)
	if err != nil {
		return err
	}
	return n.SendUser(l, notice, m.Email)
}

// SendProbe mails m a probe whose envelope sender carries a token naming
// the member. A bounce of the probe disables the member.
func (p *Processor) SendProbe(ctx context.Context, l *lists.List, m *lists.Member, bounced *email.Message) error {
	if p.stack.Pendings == nil {
		return ErrNoPendings
	}
	token, err := p.stack.Pendings.Add(ctx, pending.Pendable{
		"type":   pending.TypeProbe,
		"list":   l.FQDNListName(),
		"member": m.Email,
	}, p.stack.Config.PendingLife())
	if err != nil {
		return err
	}

	n := p.stack.Notifier
	text, err := n.Render(l, templates.Probe, m.PreferredLanguage(), map[string]string{
		"sender_email": m.Email,
	})
	if err != nil {
		return err
	}
	subject := l.DisplayName + " mailing list probe message"
	var probe *email.Message
	if bounced != nil {
		probe = email.NewMultipart("mixed", email.NewText("plain", text), email.NewRFC822(bounced.Clone()))
		probe.Header.Set("From", l.RequestAddress())
		probe.Header.Set("To", m.Email)
		probe.SetSubject(subject)
		probe.Header.Set("Precedence", "bulk")
		if err := probe.Stamp(p.stack.Now()); err != nil {
			return err
		}
	} else {
		probe, err = n.Message(l.RequestAddress(), m.Email, subject, text)
		if err != nil {
			return err
		}
	}

	extra := envelope.Metadata{}
	extra.SetString(envelope.KeyProbeToken, token)
	extra.SetBool(envelope.KeyVERP, false)
	if err := n.SendUser(l, probe, m.Email, extra); err != nil {
		return err
	}
	p.log(l, m.Email).Info("probe sent")
	return nil
}

// ResolveProbe redeems a probe token, returning the list and member it
// was sent to.
func (p *Processor) ResolveProbe(ctx context.Context, token string) (string, string, error) {
	if p.stack.Pendings == nil {
		return "", "", ErrNoPendings
	}
	pend, err := p.stack.Pendings.Confirm(ctx, token, true)
	if err != nil {
		return "", "", err
	}
	if pend.Type() != pending.TypeProbe {
		return "", "", fmt.Errorf("bounce: token %s is a %q, not a probe", token, pend.Type())
	}
	return pend["list"], pend["member"], nil
}

// RegisterProbe resolves token and registers a probe bounce against the
// member it names.
func (p *Processor) RegisterProbe(ctx context.Context, token string, msg *email.Message) error {
	fqdn, addr, err := p.ResolveProbe(ctx, token)
	if err != nil {
		return err
	}
	l, err := p.stack.Lists.List(fqdn)
	if err != nil {
		return fmt.Errorf("probe list %s: %w", fqdn, err)
	}
	return p.Register(ctx, l, addr, msg, lists.BounceProbe)
}

// Process handles a bounce received by the list's bounces address. It
// tries a probe token, then VERP, then a DSN scan. Bounces yielding no
// address are dispatched per the list's setting.
func (p *Processor) Process(ctx context.Context, l *lists.List, msg *email.Message, meta envelope.Metadata) error {
	for _, to := range p.destinations(msg, meta) {
		if m := p.probe.FindStringSubmatch(to); m != nil && p.verp.FindStringSubmatch(to) == nil {
			err := p.RegisterProbe(ctx, m[p.probe.SubexpIndex("token")], msg)
			if err == nil {
				return nil
			}
			if !errors.Is(err, pending.ErrNotFound) && !errors.Is(err, ErrNoPendings) {
				return err
			}
		}
	}

	var addrs []string
	for _, to := range p.destinations(msg, meta) {
		if addr, ok := delivery.ParseVERP(p.verp, to); ok {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		addrs = ScanDSN(msg).Failed
	}
	if len(addrs) == 0 {
		return p.Unrecognized(l, msg)
	}
	for _, addr := range addrs {
		if err := p.Register(ctx, l, addr, msg, lists.BounceNormal); err != nil {
			return err
		}
	}
	return nil
}

// destinations lists the addresses the bounce was sent to.
func (p *Processor) destinations(msg *email.Message, meta envelope.Metadata) []string {
	var out []string
	if r := meta.String(envelope.KeyRecipient); r != "" {
		out = append(out, r)
	}
	for _, a := range msg.Addresses("Delivered-To", "X-Original-To", "To") {
		out = append(out, a.Email)
	}
	return out
}

// Unrecognized forwards a bounce nothing could be extracted from.
func (p *Processor) Unrecognized(l *lists.List, msg *email.Message) error {
	n := p.stack.Notifier
	switch l.ForwardUnrecognizedBouncesTo {
	case lists.BouncesAdministrators, lists.BouncesSiteOwner:
	default:
		p.stack.Logger.Info("discarding unrecognized bounce",
			slog.String("list", l.FQDNListName()),
			slog.String("message_id", msg.MessageID()))
		return nil
	}
	text, err := n.Render(l, templates.UnrecognizedBounce, "", nil)
	if err != nil {
		return err
	}
	subject := "Uncaught bounce notification"
	if l.ForwardUnrecognizedBouncesTo == lists.BouncesSiteOwner {
		return n.SendSiteOwner(l, subject, text, msg)
	}
	return n.SendOwners(l, subject, text, msg)
}
