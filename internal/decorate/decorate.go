// Package decorate adds the list header and footer to outgoing messages.
package decorate

import (
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/notify"
	"github.com/infodancer/listd/internal/templates"
)

var trailingSpace = regexp.MustCompile(` *\r?\n`)

// Vars returns the substitutions for decoration templates. m may be nil;
// recipient is the address the copy is delivered to.
func Vars(l *lists.List, m *lists.Member, recipient string) map[string]string {
	vars := notify.Vars(l)
	vars["host_name"] = l.MailHost
	vars["list_requests"] = l.RequestAddress()
	if m != nil {
		if recipient == "" {
			recipient = m.Email
		}
		name := m.DisplayName
		if name == "" {
			name = m.Email
		}
		vars["user_address"] = recipient
		vars["user_delivered_to"] = m.Email
		vars["user_language"] = m.PreferredLanguage()
		vars["user_name"] = name
		vars["user_optionsurl"] = l.OptionsURL(m.Email)
	}
	return vars
}

// Expand expands a decoration template and strips trailing blanks from
// every line.
func Expand(text string, vars map[string]string) string {
	if text == "" {
		return ""
	}
	return trailingSpace.ReplaceAllString(templates.Expand(text, vars), "\n")
}

// Message adds the list's header and footer to msg. Digests and
// envelopes marked nodecorate are left alone.
//
// A text/plain leaf gets the decoration inline; a multipart/mixed gets
// inline parts before and after its children; anything else is wrapped
// in a new multipart/mixed.
func Message(l *lists.List, msg *email.Message, meta envelope.Metadata, m *lists.Member) {
	if meta.Bool(envelope.KeyIsDigest) || meta.Bool(envelope.KeyNoDecorate) {
		return
	}
	vars := Vars(l, m, meta.String(envelope.KeyRecipient))
	header := Expand(l.HeaderTemplate, vars)
	footer := Expand(l.FooterTemplate, vars)
	if header == "" && footer == "" {
		return
	}

	if !msg.IsMultipart() && msg.MediaType() == "text/plain" {
		if inline(msg, header, footer) {
			return
		}
	}
	if msg.MediaType() == "multipart/mixed" && msg.IsMultipart() {
		if header != "" {
			msg.Parts = append([]*email.Message{decoration(header)}, msg.Parts...)
		}
		if footer != "" {
			msg.Parts = append(msg.Parts, decoration(footer))
		}
		return
	}
	wrap(msg, header, footer)
}

func inline(msg *email.Message, header, footer string) bool {
	_, params := msg.ContentType()
	text, err := msg.Text()
	if err != nil {
		return false
	}
	var front, end string
	if header != "" && !strings.HasSuffix(header, "\n") {
		front = "\n"
	}
	if footer != "" && !strings.HasSuffix(text, "\n") {
		end = "\n"
	}
	msg.SetText("plain", header+front+text+end+footer)
	if params["format"] != "" || params["delsp"] != "" {
		t, p := msg.ContentType()
		for _, k := range []string{"format", "delsp"} {
			if params[k] != "" {
				p[k] = params[k]
			}
		}
		msg.Header.Set("Content-Type", mime.FormatMediaType(t, p))
	}
	return true
}

func decoration(text string) *email.Message {
	p := email.NewText("plain", text)
	p.Header.Set("Content-Disposition", "inline")
	return p
}

// wrap moves the body of msg into a child part and makes msg a
// multipart/mixed of header, child and footer.
func wrap(msg *email.Message, header, footer string) {
	type field struct{ k, v string }
	var content []field
	fields := msg.Header.Fields()
	for fields.Next() {
		if strings.HasPrefix(strings.ToLower(fields.Key()), "content-") {
			content = append(content, field{fields.Key(), fields.Value()})
		}
	}
	inner := &email.Message{Body: msg.Body, Parts: msg.Parts}
	var h textproto.Header
	for i := len(content) - 1; i >= 0; i-- {
		h.Add(content[i].k, content[i].v)
	}
	inner.Header = h
	for _, f := range content {
		msg.Header.Del(f.k)
	}

	parts := []*email.Message{inner}
	if header != "" {
		parts = append([]*email.Message{decoration(header)}, parts...)
	}
	if footer != "" {
		parts = append(parts, decoration(footer))
	}
	wrapped := email.NewMultipart("mixed", parts...)
	msg.Body = nil
	msg.Parts = wrapped.Parts
	msg.Header.Set("Content-Type", wrapped.Header.Get("Content-Type"))
	if !msg.Header.Has("MIME-Version") {
		msg.Header.Set("MIME-Version", "1.0")
	}
}
