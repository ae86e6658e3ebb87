package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

const urgentRejection = `Your urgent message to the $display_name mailing list was not authorized
for delivery. The original message as received by the list server is
attached.`

// memberRecipients computes the regular delivery recipients.
type memberRecipients struct {
	stack *core.Stack
}

func (h *memberRecipients) Name() string { return "member-recipients" }
func (h *memberRecipients) Description() string {
	return "Calculate the regular recipients of the message."
}

func (h *memberRecipients) Process(ctx context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	// Recipients computed upstream win, even when empty.
	if env.Meta.Has(envelope.KeyRecipients) {
		return Next, nil
	}
	s := h.stack
	fqdn := l.FQDNListName()

	members, err := s.Lists.Members(fqdn, lists.RoleMember)
	if err != nil {
		return Next, err
	}

	// An Urgent: header carrying the moderator password sends the message
	// to every member right now, digest members and disabled ones too.
	if env.Message.Header.Has("Urgent") {
		password := strings.TrimSpace(env.Message.Header.Get("Urgent"))
		env.Message.Header.Del("Urgent")
		if s.Approver == nil || !s.Approver.Approve(ctx, l, password) {
			return Rejected(expandList(l, urgentRejection)), nil
		}
		all := make([]string, 0, len(members))
		for _, m := range members {
			all = append(all, m.Email)
		}
		sort.Strings(all)
		env.Meta.SetStrings(envelope.KeyRecipients, all)
		return Next, nil
	}

	sender := env.Message.Sender(env.Meta.String(envelope.KeyEnvelopeSender))
	var recipients []string
	hits := env.Meta.Strings(envelope.KeyTopicHits)
	for _, m := range members {
		if m.DeliveryStatus() != lists.Enabled || m.DeliveryMode() != lists.Regular {
			continue
		}
		if strings.EqualFold(m.Email, sender) && !m.ReceiveOwnPostings() {
			continue
		}
		if l.TopicsEnabled && !m.WantsTopic(hits) {
			continue
		}
		recipients = append(recipients, m.Email)
	}
	sort.Strings(recipients)
	env.Meta.SetStrings(envelope.KeyRecipients, recipients)
	return Next, nil
}

// ownerRecipients sends -owner mail to the list's administrators.
type ownerRecipients struct {
	stack *core.Stack
}

func (h *ownerRecipients) Name() string { return "owner-recipients" }
func (h *ownerRecipients) Description() string {
	return "Calculate the owner and moderator recipients."
}

func (h *ownerRecipients) Process(_ context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	var recipients []string
	seen := map[string]bool{}
	for _, role := range []lists.Role{lists.RoleOwner, lists.RoleModerator} {
		members, err := h.stack.Lists.Members(l.FQDNListName(), role)
		if err != nil {
			return Next, err
		}
		for _, m := range members {
			if m.DeliveryStatus() != lists.Enabled || seen[m.Email] {
				continue
			}
			seen[m.Email] = true
			recipients = append(recipients, m.Email)
		}
	}
	if len(recipients) == 0 {
		h.stack.Logger.Error("owner message has no administrators to go to", "list", l.FQDNListName())
		if h.stack.Config.SiteOwner != "" {
			recipients = []string{h.stack.Config.SiteOwner}
		}
	}
	sort.Strings(recipients)
	env.Meta.SetStrings(envelope.KeyRecipients, recipients)
	env.Meta.SetBool(envelope.KeyNoDecorate, true)
	env.Meta.SetString(envelope.KeyPersonalize, string(lists.PersonalizeNone))
	return Next, nil
}

// avoidDuplicates drops recipients who were addressed explicitly and
// asked not to get the list copy.
type avoidDuplicates struct {
	stack *core.Stack
}

func (h *avoidDuplicates) Name() string { return "avoid-duplicates" }
func (h *avoidDuplicates) Description() string {
	return "Suppress some duplicates of the same message."
}

func (h *avoidDuplicates) Process(_ context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	recipients := env.Meta.Recipients()
	if len(recipients) == 0 {
		return Next, nil
	}
	listAddrs := map[string]bool{
		l.PostingAddress(): true,
		l.BouncesAddress(): true,
		l.OwnerAddress():   true,
		l.RequestAddress(): true,
	}
	explicit := map[string]bool{}
	var cc []email.Address
	for _, key := range []string{"To", "Cc", "Resent-To", "Resent-Cc"} {
		for _, a := range env.Message.Addresses(key) {
			addr := strings.ToLower(a.Email)
			if addr == "" || listAddrs[addr] {
				continue
			}
			explicit[addr] = true
			if key == "Cc" {
				cc = append(cc, a)
			}
		}
	}
	if len(explicit) == 0 {
		return Next, nil
	}

	dropped := map[string]bool{}
	var kept []string
	for _, r := range recipients {
		if !explicit[r] {
			kept = append(kept, r)
			continue
		}
		sendDuplicate := true
		m, err := h.stack.Lists.Member(l.FQDNListName(), lists.RoleMember, r)
		switch {
		case err == nil:
			sendDuplicate = m.ReceiveListCopy()
		case !errors.Is(err, lists.ErrNotFound):
			return Next, err
		}
		if sendDuplicate {
			env.Meta.Append(envelope.KeyAddDupHeader, r)
			kept = append(kept, r)
			continue
		}
		dropped[r] = true
	}
	env.Meta.SetStrings(envelope.KeyRecipients, kept)

	// Members left out keep only their direct copy; drop them from the
	// list copy's Cc.
	if len(dropped) > 0 && len(cc) > 0 {
		var keep []email.Address
		seen := map[string]bool{}
		for _, a := range cc {
			addr := strings.ToLower(a.Email)
			if dropped[addr] || seen[addr] {
				continue
			}
			seen[addr] = true
			keep = append(keep, a)
		}
		env.Message.Header.Del("Cc")
		if len(keep) > 0 {
			env.Message.Header.Set("Cc", email.FormatAddressList(keep))
		}
	}
	return Next, nil
}
