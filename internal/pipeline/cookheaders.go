package pipeline

import (
	"context"
	"fmt"
	"mime"
	"regexp"
	"strings"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

var (
	postIDFormat = regexp.MustCompile(`%(\d*)d`)
	replyPrefix  = regexp.MustCompile(`(?i)^((RE|AW|SV|VS)(\[\d+\])?:\s*)+`)
)

// cookHeaders applies the subject prefix, Reply-To munging and the
// list's identity headers.
type cookHeaders struct {
	stack *core.Stack
}

func (h *cookHeaders) Name() string        { return "cook-headers" }
func (h *cookHeaders) Description() string { return "Modify message headers." }

func (h *cookHeaders) Process(_ context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	msg := env.Message
	meta := env.Meta
	if meta.Bool(envelope.KeyNoAck) {
		msg.Header.Set("X-Ack", "no")
	}
	if !meta.Has(envelope.KeyOriginalSender) {
		meta.SetString(envelope.KeyOriginalSender, msg.Sender(meta.String(envelope.KeyEnvelopeSender)))
	}
	fasttrack := meta.Bool(envelope.KeyFastTrack)
	if !meta.Bool(envelope.KeyIsDigest) && !fasttrack {
		prefixSubject(l, env)
	}
	msg.Header.Add("X-BeenThere", l.PostingAddress())
	if !msg.Header.Has("X-Mailman-Version") {
		msg.Header.Set("X-Mailman-Version", core.Version)
	}
	if !msg.Header.Has("Precedence") {
		msg.Header.Set("Precedence", "list")
	}
	if !fasttrack {
		mungeReplyTo(l, msg)
	}
	return Next, nil
}

// prefixSubject puts the list's subject prefix in front of the subject,
// removing any earlier copy of it and collapsing reply markers to "Re:".
func prefixSubject(l *lists.List, env *envelope.Envelope) {
	prefix := l.SubjectPrefix
	if strings.TrimSpace(prefix) == "" {
		return
	}
	msg := env.Message
	subject := msg.Subject()
	env.Meta.SetString(envelope.KeyOriginalSubject, subject)
	subject = strings.Join(strings.Fields(strings.ReplaceAll(subject, "\n", " ")), " ")

	// %d in the prefix is the post number; earlier numbers are removed
	// whatever their value.
	pattern := regexp.QuoteMeta(strings.TrimSpace(prefix))
	pattern = postIDFormat.ReplaceAllString(pattern, `\s*\d+\s*`)
	if re, err := regexp.Compile(pattern); err == nil {
		subject = strings.TrimSpace(re.ReplaceAllString(subject, ""))
	}

	recolon := ""
	if loc := replyPrefix.FindStringIndex(subject); loc != nil {
		subject = subject[loc[1]:]
		recolon = "Re: "
	}
	if strings.TrimSpace(subject) == "" {
		subject = "(no subject)"
	}

	prefix = postIDFormat.ReplaceAllStringFunc(prefix, func(m string) string {
		return fmt.Sprintf(m, l.PostID)
	})
	if !strings.HasSuffix(prefix, " ") {
		prefix += " "
	}
	msg.SetSubject(prefix + recolon + subject)
	env.Meta.SetString(envelope.KeyStrippedSubject, recolon+subject)
}

// addressSet collects unique addresses in order.
type addressSet struct {
	seen  map[string]bool
	addrs []email.Address
}

func (s *addressSet) add(a email.Address) {
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	key := strings.ToLower(a.Email)
	if key == "" || s.seen[key] {
		return
	}
	s.seen[key] = true
	s.addrs = append(s.addrs, a)
}

func mungeReplyTo(l *lists.List, msg *email.Message) {
	var replyTo addressSet
	if l.ReplyGoesToList == lists.ExplicitHeader && l.ReplyToAddress != "" {
		if a, err := email.ParseAddress(l.ReplyToAddress); err == nil {
			replyTo.add(a)
		}
	}
	if !l.FirstStripReplyTo {
		for _, a := range msg.Addresses("Reply-To") {
			replyTo.add(a)
		}
	}
	if l.ReplyGoesToList == lists.PointToList {
		replyTo.add(email.Address{Name: l.Description, Email: l.PostingAddress()})
	}
	msg.Header.Del("Reply-To")
	if len(replyTo.addrs) > 0 {
		msg.Header.Set("Reply-To", email.FormatAddressList(replyTo.addrs))
	}

	// Fully personalized mail goes To the member, so the list goes on Cc.
	if l.Personalize == lists.PersonalizeFull && l.ReplyGoesToList != lists.PointToList && !l.Anonymous {
		var cc addressSet
		for _, a := range msg.Addresses("Cc") {
			cc.add(a)
		}
		cc.add(email.Address{Name: l.Description, Email: l.PostingAddress()})
		msg.Header.Del("Cc")
		msg.Header.Set("Cc", email.FormatAddressList(cc.addrs))
	}
}

// phrase formats s as a header display name.
func phrase(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return mime.QEncoding.Encode("utf-8", s)
		}
	}
	if strings.ContainsAny(s, `()<>[]:;@\,."`) {
		return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
	}
	return s
}
