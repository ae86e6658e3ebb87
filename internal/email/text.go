package email

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	nettextproto "net/textproto"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

// Text decodes a leaf part's body, undoing the transfer encoding and
// converting the charset to UTF-8.
func (m *Message) Text() (string, error) {
	if m.IsMultipart() {
		return "", fmt.Errorf("%s has no text body", m.MediaType())
	}
	e, err := message.New(message.Header{Header: m.Header}, bytes.NewReader(m.Body))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", fmt.Errorf("decoding body: %w", err)
	}
	b, err := io.ReadAll(e.Body)
	if err != nil {
		return "", fmt.Errorf("decoding body: %w", err)
	}
	return string(b), nil
}

// SetText replaces the part with a text/<subtype> body, keeping any other
// header fields. The body is written unencoded.
func (m *Message) SetText(subtype, text string) {
	m.Parts = nil
	m.Body = []byte(text)

	params := map[string]string{"charset": "us-ascii"}
	cte := "7bit"
	if !isASCII(text) {
		params["charset"] = "utf-8"
		cte = "8bit"
	}
	m.Header.Set("Content-Type", mime.FormatMediaType("text/"+subtype, params))
	m.Header.Set("Content-Transfer-Encoding", cte)
}

// FirstText returns the first text/plain leaf in the tree, or nil.
func (m *Message) FirstText() *Message {
	var found *Message
	_ = m.Walk(func(p *Message) error {
		if found == nil && !p.IsMultipart() && p.MediaType() == "text/plain" {
			found = p
		}
		return nil
	})
	return found
}

// Subject returns the decoded Subject header.
func (m *Message) Subject() string {
	return m.HeaderText("Subject")
}

// SetSubject sets the Subject header, encoding it when needed.
func (m *Message) SetSubject(s string) {
	m.SetHeaderText("Subject", s)
}

// HeaderText returns the RFC 2047 decoded value of key. Undecodable
// values are returned raw.
func (m *Message) HeaderText(key string) string {
	h := message.Header{Header: m.Header}
	v, err := h.Text(key)
	if err != nil {
		return m.Header.Get(key)
	}
	return v
}

// SetHeaderText sets key, RFC 2047 encoding non-ASCII values.
func (m *Message) SetHeaderText(key, value string) {
	h := message.Header{Header: m.Header}
	h.SetText(key, value)
	m.Header = h.Header
}

// MessageID returns the Message-ID header, trimmed.
func (m *Message) MessageID() string {
	return strings.TrimSpace(m.Header.Get("Message-ID"))
}

// Values returns every value of key in header order.
func Values(h textproto.Header, key string) []string {
	var out []string
	fields := h.FieldsByKey(key)
	for fields.Next() {
		out = append(out, fields.Value())
	}
	return out
}

// KeepHeaders returns a copy of h holding only the listed fields, in
// their original order.
func KeepHeaders(h textproto.Header, keep []string) textproto.Header {
	wanted := make(map[string]bool, len(keep))
	for _, k := range keep {
		wanted[nettextproto.CanonicalMIMEHeaderKey(k)] = true
	}

	type field struct{ k, v string }
	var kept []field
	fields := h.Fields()
	for fields.Next() {
		if wanted[nettextproto.CanonicalMIMEHeaderKey(fields.Key())] {
			kept = append(kept, field{fields.Key(), fields.Value()})
		}
	}

	// Add prepends, so add in reverse to keep the order.
	var out textproto.Header
	for i := len(kept) - 1; i >= 0; i-- {
		out.Add(kept[i].k, kept[i].v)
	}
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}
