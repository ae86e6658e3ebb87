// Package notify crafts messages sent by the list server itself. Every
// notice goes through the virgin queue.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/templates"
)

// Notifier sends user and owner notifications.
type Notifier struct {
	Queues    switchboard.Enqueuer
	Lists     lists.Manager
	Templates *templates.Loader
	SiteOwner string
	Now       func() time.Time
}

func (n *Notifier) now() time.Time {
	if n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

// Message builds a text/plain notice.
func (n *Notifier) Message(from, to, subject, text string) (*email.Message, error) {
	msg := email.NewText("plain", text)
	msg.Header.Set("From", from)
	msg.Header.Set("To", to)
	msg.SetSubject(subject)
	msg.Header.Set("Precedence", "bulk")
	if err := msg.Stamp(n.now()); err != nil {
		return nil, fmt.Errorf("stamping notice: %w", err)
	}
	return msg, nil
}

// Vars returns the substitutions every list template understands.
func Vars(l *lists.List) map[string]string {
	if l == nil {
		return map[string]string{}
	}
	return map[string]string{
		"listname":       l.FQDNListName(),
		"list_name":      l.ListName,
		"short_listname": l.ListName,
		"fqdn_listname":  l.FQDNListName(),
		"display_name":   l.DisplayName,
		"domain":         l.MailHost,
		"description":    l.Description,
		"info":           l.Info,
		"owner_email":    l.OwnerAddress(),
		"request_email":  l.RequestAddress(),
		"listinfo_uri":   l.ListInfoURL(),
		"list_id":        l.ListID(),
	}
}

// Render renders a template for l in lang with extra vars.
func (n *Notifier) Render(l *lists.List, name, lang string, extra map[string]string) (string, error) {
	vars := Vars(l)
	for k, v := range extra {
		vars[k] = v
	}
	if lang == "" && l != nil {
		lang = l.PreferredLanguage
	}
	return n.Templates.Render(name, n.Templates.Match(lang), vars)
}

// SendUser enqueues msg for one recipient. Undecorated, reduced list
// headers.
func (n *Notifier) SendUser(l *lists.List, msg *email.Message, recipient string, extra ...envelope.Metadata) error {
	meta := envelope.Metadata{}
	meta.SetStrings(envelope.KeyRecipients, []string{strings.ToLower(recipient)})
	meta.SetBool(envelope.KeyNoDecorate, true)
	meta.SetBool(envelope.KeyReducedListHeaders, true)
	if l != nil {
		meta.SetString(envelope.KeyListName, l.FQDNListName())
	}
	if _, err := n.Queues.Enqueue(switchboard.Virgin, msg, meta, extra...); err != nil {
		return fmt.Errorf("enqueueing notice: %w", err)
	}
	return nil
}

// Administrators returns the owner and moderator addresses of l.
func (n *Notifier) Administrators(l *lists.List) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, role := range []lists.Role{lists.RoleOwner, lists.RoleModerator} {
		members, err := n.Lists.Members(l.FQDNListName(), role)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if !seen[m.Email] {
				seen[m.Email] = true
				out = append(out, m.Email)
			}
		}
	}
	return out, nil
}

// SendOwners sends a notice to the list's administrators. attach, when
// not nil, is attached as message/rfc822.
func (n *Notifier) SendOwners(l *lists.List, subject, text string, attach *email.Message) error {
	roster, err := n.Administrators(l)
	if err != nil {
		return fmt.Errorf("reading administrators: %w", err)
	}
	return n.sendTo(l, roster, l.OwnerAddress(), subject, text, attach, true)
}

// SendModerators sends a notice to the list's moderators only.
func (n *Notifier) SendModerators(l *lists.List, subject, text string, attach *email.Message) error {
	members, err := n.Lists.Members(l.FQDNListName(), lists.RoleModerator)
	if err != nil {
		return fmt.Errorf("reading moderators: %w", err)
	}
	roster := make([]string, 0, len(members))
	for _, m := range members {
		roster = append(roster, m.Email)
	}
	return n.sendTo(l, roster, l.OwnerAddress(), subject, text, attach, true)
}

// SendSiteOwner sends a notice to the site owner.
func (n *Notifier) SendSiteOwner(l *lists.List, subject, text string, attach *email.Message) error {
	return n.sendTo(l, []string{n.SiteOwner}, n.SiteOwner, subject, text, attach, false)
}

func (n *Notifier) sendTo(l *lists.List, roster []string, to, subject, text string, attach *email.Message, moderators bool) error {
	if len(roster) == 0 {
		return nil
	}
	var msg *email.Message
	var err error
	if attach == nil {
		msg, err = n.Message(n.SiteOwner, to, subject, text)
	} else {
		msg, err = n.withAttachment(n.SiteOwner, to, subject, text, attach)
	}
	if err != nil {
		return err
	}
	return n.enqueueRoster(l, msg, roster, moderators)
}

// SendOwnersMessage sends a prepared msg to the list's administrators.
func (n *Notifier) SendOwnersMessage(l *lists.List, msg *email.Message) error {
	roster, err := n.Administrators(l)
	if err != nil {
		return fmt.Errorf("reading administrators: %w", err)
	}
	if len(roster) == 0 {
		return nil
	}
	if err := msg.Stamp(n.now()); err != nil {
		return fmt.Errorf("stamping notice: %w", err)
	}
	return n.enqueueRoster(l, msg, roster, true)
}

func (n *Notifier) enqueueRoster(l *lists.List, msg *email.Message, roster []string, moderators bool) error {
	meta := envelope.Metadata{}
	meta.SetStrings(envelope.KeyRecipients, roster)
	meta.SetBool(envelope.KeyNoDecorate, true)
	meta.SetBool(envelope.KeyReducedListHeaders, true)
	meta.SetBool(envelope.KeyToModerators, moderators)
	if l != nil {
		meta.SetString(envelope.KeyListName, l.FQDNListName())
	}
	if _, err := n.Queues.Enqueue(switchboard.Virgin, msg, meta); err != nil {
		return fmt.Errorf("enqueueing owner notice: %w", err)
	}
	return nil
}

func (n *Notifier) withAttachment(from, to, subject, text string, attach *email.Message) (*email.Message, error) {
	msg := email.NewMultipart("mixed", email.NewText("plain", text), email.NewRFC822(attach.Clone()))
	msg.Header.Set("From", from)
	msg.Header.Set("To", to)
	msg.SetSubject(subject)
	msg.Header.Set("Precedence", "bulk")
	if err := msg.Stamp(n.now()); err != nil {
		return nil, fmt.Errorf("stamping notice: %w", err)
	}
	return msg, nil
}

// Bounce returns original to its sender with reasons and a copy of the
// message attached.
func (n *Notifier) Bounce(l *lists.List, original *email.Message, sender string, reasons []string) error {
	if sender == "" {
		return nil
	}
	lang := ""
	if l != nil {
		lang = l.PreferredLanguage
	}
	notice := "[No bounce details are available]"
	if len(reasons) > 0 {
		var b strings.Builder
		for _, r := range reasons {
			b.WriteString("    " + r + "\n")
		}
		text, err := n.Render(l, templates.Rejected, lang, map[string]string{"reasons": b.String()})
		if err != nil {
			return err
		}
		notice = text
	}
	subject := original.Subject()
	if subject == "" {
		subject = "(no subject)"
	}
	from := n.SiteOwner
	if l != nil {
		from = l.OwnerAddress()
	}
	msg, err := n.withAttachment(from, sender, subject, notice, original)
	if err != nil {
		return err
	}
	return n.SendUser(l, msg, sender)
}
