package commands

import (
	"context"
	"errors"
	"strings"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/pending"
	"github.com/infodancer/listd/internal/templates"
)

type join struct {
	stack *core.Stack
	name  string
}

func (c *join) Name() string { return c.name }
func (*join) Usage() string  { return "[digest=<yes|no>] [address=<address>]" }
func (*join) Description() string {
	return "Join this mailing list. You will be asked to confirm your request."
}

func (c *join) Process(ctx context.Context, l *lists.List, msg *email.Message, meta envelope.Metadata, args []string, out *Results) Status {
	address, mode, ok := c.parse(args, out)
	if !ok {
		return Stop
	}
	var name string
	if address == "" {
		if from := msg.Addresses("From"); len(from) > 0 {
			address, name = from[0].Email, from[0].Name
		}
	}
	if address == "" {
		address = msg.Sender(meta.String(envelope.KeyEnvelopeSender))
	}
	if address == "" {
		out.Printf("%s: No valid address found to subscribe\n", c.name)
		return Stop
	}
	address = strings.ToLower(address)

	s := c.stack
	if _, err := s.Lists.Member(l.FQDNListName(), lists.RoleMember, address); err == nil {
		out.Printf("%s is already a member of %s\n", address, l.FQDNListName())
		return Stop
	}
	pend := pending.Pendable{
		"type":          pending.TypeSubscription,
		"list":          l.FQDNListName(),
		"email":         address,
		"display_name":  name,
		"delivery_mode": string(mode),
	}
	if err := sendConfirmation(ctx, s, l, pend, templates.SubscribeConfirm, meta.String(envelope.KeyLang)); err != nil {
		out.Printf("%s: %v\n", c.name, err)
		return Stop
	}
	shown := address
	if name != "" {
		shown = email.Address{Name: name, Email: address}.String()
	}
	out.Printf("Confirmation email sent to %s\n", shown)
	return Continue
}

func (c *join) parse(args []string, out *Results) (address string, mode lists.DeliveryMode, ok bool) {
	for _, arg := range args {
		key, value, hasValue := strings.Cut(arg, "=")
		switch strings.ToLower(key) {
		case "digest":
			if mode != "" {
				out.Printf("%s duplicate argument: %s\n", c.name, arg)
				return "", "", false
			}
			switch strings.ToLower(value) {
			case "yes", "":
				mode = lists.MIMEDigests
			case "no":
				mode = lists.Regular
			default:
				out.Printf("%s bad argument: %s\n", c.name, arg)
				return "", "", false
			}
		case "address":
			if address != "" {
				out.Printf("%s duplicate argument: %s\n", c.name, arg)
				return "", "", false
			}
			if !hasValue || value == "" {
				out.Printf("%s missing argument value: %s\n", c.name, arg)
				return "", "", false
			}
			address = value
		default:
			out.Printf("%s bad argument: %s\n", c.name, arg)
			return "", "", false
		}
	}
	return address, mode, true
}

type leave struct {
	stack *core.Stack
	name  string
}

func (c *leave) Name() string { return c.name }
func (*leave) Usage() string  { return "" }
func (*leave) Description() string {
	return "Leave this mailing list. You will be asked to confirm your request."
}

func (c *leave) Process(ctx context.Context, l *lists.List, msg *email.Message, meta envelope.Metadata, _ []string, out *Results) Status {
	address := msg.Sender(meta.String(envelope.KeyEnvelopeSender))
	if address == "" {
		out.Printf("%s: No valid email address found to unsubscribe\n", c.name)
		return Stop
	}
	s := c.stack
	_, err := s.Lists.Member(l.FQDNListName(), lists.RoleMember, address)
	if errors.Is(err, lists.ErrNotFound) {
		out.Printf("%s: %s is not a member of %s\n", c.name, address, l.FQDNListName())
		return Stop
	}
	if err != nil {
		out.Printf("%s: %v\n", c.name, err)
		return Stop
	}
	pend := pending.Pendable{
		"type":  pending.TypeUnsubscribe,
		"list":  l.FQDNListName(),
		"email": address,
	}
	if err := sendConfirmation(ctx, s, l, pend, templates.UnsubscribeConfirm, meta.String(envelope.KeyLang)); err != nil {
		out.Printf("%s: %v\n", c.name, err)
		return Stop
	}
	out.Printf("Confirmation email sent to %s\n", address)
	return Continue
}

type confirm struct {
	stack *core.Stack
}

func (*confirm) Name() string        { return "confirm" }
func (*confirm) Usage() string       { return "<token>" }
func (*confirm) Description() string { return "Confirm an action." }

func (c *confirm) Process(ctx context.Context, l *lists.List, _ *email.Message, _ envelope.Metadata, args []string, out *Results) Status {
	if len(args) != 1 {
		out.Println("No confirmation token found")
		return Stop
	}
	s := c.stack
	if s.Pendings == nil {
		out.Println("Confirmation is not available")
		return Stop
	}
	pend, err := s.Pendings.Confirm(ctx, args[0], true)
	if err != nil || pend["list"] != l.FQDNListName() {
		out.Println("Confirmation token did not match")
		return Stop
	}

	addr := pend["email"]
	switch pend.Type() {
	case pending.TypeSubscription:
		m := lists.NewMember(l.FQDNListName(), addr, pend["display_name"], lists.RoleMember)
		if mode := lists.DeliveryMode(pend["delivery_mode"]); mode != "" {
			m.SetDeliveryMode(mode)
		}
		if err := s.Lists.SaveMember(m); err != nil {
			out.Printf("confirm: %v\n", err)
			return Stop
		}
		s.Logger.Info("member subscribed", "list", l.FQDNListName(), "email", addr)
	case pending.TypeUnsubscribe:
		err := s.Lists.RemoveMember(l.FQDNListName(), lists.RoleMember, addr)
		if err != nil && !errors.Is(err, lists.ErrNotFound) {
			out.Printf("confirm: %v\n", err)
			return Stop
		}
		s.Logger.Info("member unsubscribed", "list", l.FQDNListName(), "email", addr)
	default:
		out.Println("Confirmation token did not match")
		return Stop
	}
	out.Println("Confirmed")
	return Continue
}

// sendConfirmation pends p and mails its token to the address it names.
// The subject carries the token so a plain reply confirms.
func sendConfirmation(ctx context.Context, s *core.Stack, l *lists.List, p pending.Pendable, tmpl, lang string) error {
	if s.Pendings == nil {
		return errors.New("confirmation is not available")
	}
	token, err := s.Pendings.Add(ctx, p, s.Config.PendingLife())
	if err != nil {
		return err
	}
	n := s.Notifier
	text, err := n.Render(l, tmpl, lang, map[string]string{
		"user_email":    p["email"],
		"confirm_email": l.ConfirmAddress(token),
		"token":         token,
	})
	if err != nil {
		return err
	}
	msg, err := n.Message(l.ConfirmAddress(token), p["email"], "confirm "+token, text)
	if err != nil {
		return err
	}
	return n.SendUser(l, msg, p["email"])
}
