// Package delivery submits outgoing envelopes to the MTA over SMTP and
// classifies the per-recipient outcome.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/decorate"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

// CodeServerFailure is recorded for every recipient of a transaction
// that could not reach the MTA.
const CodeServerFailure = 444

// CodeLocalFailure is recorded when the message could not be prepared
// for sending.
const CodeLocalFailure = 451

// Failure is one refused recipient.
type Failure struct {
	Code    int
	Message string
}

// Permanent reports whether the failure should count as a bounce.
func (f Failure) Permanent() bool {
	return f.Code >= 500 && f.Code != 552
}

// Result partitions the recipients of one delivery attempt. Every
// recipient is in exactly one of the three.
type Result struct {
	Succeeded []string
	Permanent map[string]Failure
	Temporary map[string]Failure
}

func newResult() *Result {
	return &Result{
		Permanent: make(map[string]Failure),
		Temporary: make(map[string]Failure),
	}
}

// TemporaryRecipients returns the temporarily failed recipients, sorted.
func (r *Result) TemporaryRecipients() []string {
	return sortedKeys(r.Temporary)
}

// PermanentRecipients returns the permanently failed recipients, sorted.
func (r *Result) PermanentRecipients() []string {
	return sortedKeys(r.Permanent)
}

func sortedKeys(m map[string]Failure) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Sender submits messages. *Conn implements it.
type Sender interface {
	Send(ctx context.Context, sender string, rcpts []string, data []byte) (map[string]*smtp.SMTPError, error)
	Close() error
}

// Deliverer runs the bulk and individualized delivery paths.
type Deliverer struct {
	stack  *core.Stack
	conn   Sender
	signer *Signer

	// serverDown suppresses repeated logging while the MTA is failing.
	serverDown bool
}

// New returns a deliverer talking to the configured MTA.
func New(s *core.Stack) (*Deliverer, error) {
	mta := s.Config.MTA
	d := &Deliverer{
		stack: s,
		conn: &Conn{
			Addr:        mta.SMTPAddress(),
			LocalName:   s.Config.Hostname,
			User:        mta.SMTPUser,
			Pass:        mta.SMTPPass,
			Timeout:     mta.Timeout(),
			MaxSessions: mta.MaxSessionsPerConnection,
		},
	}
	if mta.DKIM.Enabled {
		signer, err := NewSigner(mta.DKIM)
		if err != nil {
			return nil, err
		}
		d.signer = signer
	}
	return d, nil
}

// NewWithSender returns a deliverer using conn.
func NewWithSender(s *core.Stack, conn Sender) *Deliverer {
	return &Deliverer{stack: s, conn: conn}
}

// Close closes the SMTP connection.
func (d *Deliverer) Close() error {
	return d.conn.Close()
}

// Deliver sends env to its recipients. l may be nil for mail not tied to
// a list. The envelope's own message is not modified.
func (d *Deliverer) Deliver(ctx context.Context, l *lists.List, env *envelope.Envelope) *Result {
	res := newResult()
	rcpts := dedupe(env.Meta.Recipients())
	if len(rcpts) == 0 {
		return res
	}
	verp := DecideVERP(d.stack.Config.MTA, l, env.Meta)
	if verp || d.personalization(l, env.Meta) != lists.PersonalizeNone {
		d.individual(ctx, l, env, rcpts, verp, res)
	} else {
		d.bulk(ctx, l, env, rcpts, res)
	}
	for _, r := range res.Succeeded {
		d.record(r, "success")
	}
	for r := range res.Permanent {
		d.record(r, "permanent")
	}
	for r := range res.Temporary {
		d.record(r, "temporary")
	}
	return res
}

func (d *Deliverer) record(rcpt, outcome string) {
	_, domain := email.SplitAddress(rcpt)
	d.stack.Collector.DeliveryCompleted(strings.ToLower(domain), outcome)
}

func (d *Deliverer) personalization(l *lists.List, meta envelope.Metadata) lists.Personalization {
	if v := meta.String(envelope.KeyPersonalize); v != "" {
		return lists.Personalization(v)
	}
	if l == nil {
		return lists.PersonalizeNone
	}
	return l.Personalize
}

// envelopeSender is meta's sender, the list's bounces address, or the
// site owner. Probes carry their token in the bounces address.
func (d *Deliverer) envelopeSender(l *lists.List, meta envelope.Metadata) string {
	if s := meta.String(envelope.KeySender); s != "" {
		return s
	}
	if l == nil {
		return d.stack.Config.SiteOwner
	}
	if token := meta.String(envelope.KeyProbeToken); token != "" {
		return ProbeSender(d.stack.Config.MTA.VERPProbeFormat, l.BouncesAddress(), token)
	}
	return l.BouncesAddress()
}

func (d *Deliverer) bulk(ctx context.Context, l *lists.List, env *envelope.Envelope, rcpts []string, res *Result) {
	msg := env.Message.Clone()
	if l != nil {
		decorate.Message(l, msg, env.Meta, nil)
	}
	data, err := d.flatten(msg)
	if err != nil {
		d.failAll(rcpts, Failure{Code: CodeLocalFailure, Message: err.Error()}, res)
		return
	}
	sender := d.envelopeSender(l, env.Meta)
	for _, chunk := range Chunk(rcpts, d.stack.Config.MTA.MaxRecipients) {
		d.send(ctx, sender, chunk, data, res)
	}
}

func (d *Deliverer) individual(ctx context.Context, l *lists.List, env *envelope.Envelope, rcpts []string, verp bool, res *Result) {
	dups := map[string]bool{}
	for _, r := range env.Meta.Strings(envelope.KeyAddDupHeader) {
		dups[strings.ToLower(r)] = true
	}
	base := d.envelopeSender(l, env.Meta)
	full := d.personalization(l, env.Meta) == lists.PersonalizeFull

	for _, rcpt := range rcpts {
		msg := env.Message.Clone()
		meta := env.Meta.Clone()
		meta.SetString(envelope.KeyRecipient, rcpt)

		var m *lists.Member
		if l != nil {
			found, err := d.stack.Lists.Member(l.FQDNListName(), lists.RoleMember, rcpt)
			switch {
			case err == nil:
				m = found
			case !errors.Is(err, lists.ErrNotFound):
				d.stack.Logger.Error("looking up recipient", "recipient", rcpt, "error", err)
			}
		}

		if dups[strings.ToLower(rcpt)] {
			msg.Header.Set("X-Mailman-Duplicate", "yes")
		}
		if l != nil {
			decorate.Message(l, msg, meta, m)
		}
		if full {
			to := email.Address{Email: rcpt}
			if m != nil {
				to.Name = m.DisplayName
			}
			msg.Header.Del("To")
			msg.Header.Set("To", to.String())
		}

		sender := base
		if verp {
			if v := VERPSender(d.stack.Config.MTA.VERPFormat, base, rcpt); v != "" {
				sender = v
			} else {
				d.stack.Logger.Warn("cannot VERP recipient without a domain", slog.String("recipient", rcpt))
			}
		}

		data, err := d.flatten(msg)
		if err != nil {
			res.Temporary[rcpt] = Failure{Code: CodeLocalFailure, Message: err.Error()}
			continue
		}
		d.send(ctx, sender, []string{rcpt}, data, res)
	}
}

func (d *Deliverer) flatten(msg *email.Message) ([]byte, error) {
	data := msg.Bytes()
	if d.signer == nil {
		return data, nil
	}
	return d.signer.Sign(data)
}

// send submits one transaction and sorts its recipients into res.
func (d *Deliverer) send(ctx context.Context, sender string, rcpts []string, data []byte, res *Result) {
	refused, err := d.conn.Send(ctx, sender, rcpts, data)
	var se *smtp.SMTPError
	if err != nil && !errors.Is(err, ErrUnavailable) && errors.As(err, &se) {
		// The MTA refused the whole transaction. Every recipient takes
		// the temporary path so the retry deadline applies.
		d.stack.Logger.Warn("SMTP transaction refused",
			slog.String("sender", sender),
			slog.Int("recipients", len(rcpts)),
			slog.Int("code", se.Code),
			slog.String("response", se.Message))
		d.failAll(rcpts, Failure{Code: se.Code, Message: se.Message}, res)
		return
	}
	if err != nil {
		f := Failure{Code: CodeServerFailure, Message: err.Error()}
		if !d.serverDown {
			d.stack.Logger.Error("SMTP transaction failed",
				slog.String("sender", sender),
				slog.Int("recipients", len(rcpts)),
				slog.String("error", err.Error()))
		}
		d.serverDown = true
		d.failAll(rcpts, f, res)
		return
	}
	if d.serverDown {
		d.stack.Logger.Info("SMTP transactions succeeding again")
		d.serverDown = false
	}
	for _, r := range rcpts {
		se, ok := refused[r]
		if !ok {
			res.Succeeded = append(res.Succeeded, r)
			continue
		}
		f := Failure{Code: se.Code, Message: se.Message}
		if f.Permanent() {
			res.Permanent[r] = f
		} else {
			res.Temporary[r] = f
		}
	}
}

func (d *Deliverer) failAll(rcpts []string, f Failure, res *Result) {
	for _, r := range rcpts {
		res.Temporary[r] = f
	}
}

func dedupe(rcpts []string) []string {
	seen := make(map[string]bool, len(rcpts))
	out := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		key := strings.ToLower(r)
		if r == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}
