package digest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/decorate"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/lists"
)

const (
	separator70 = "----------------------------------------------------------------------"
	separator30 = "------------------------------"
)

// issue holds what both digest formats share.
type issue struct {
	list     *lists.List
	id       string // "<Name> Digest, Vol N, Issue M"
	masthead string
	header   string
	footer   string
	toc      strings.Builder
	now      time.Time
}

func newIssue(l *lists.List, volume, number int, masthead string, now time.Time) *issue {
	vars := decorate.Vars(l, nil, "")
	is := &issue{
		list:     l,
		id:       fmt.Sprintf("%s Digest, Vol %d, Issue %d", l.DisplayName, volume, number),
		masthead: masthead,
		header:   decorate.Expand(l.DigestHeader, vars),
		footer:   decorate.Expand(l.DigestFooter, vars),
		now:      now,
	}
	is.toc.WriteString("Today's Topics:\n\n")
	return is
}

// stamp sets the envelope headers of a digest message.
func (is *issue) stamp(msg *email.Message) error {
	msg.Header.Set("From", is.list.RequestAddress())
	msg.SetSubject(is.id)
	msg.Header.Set("To", is.list.PostingAddress())
	msg.Header.Set("Reply-To", is.list.PostingAddress())
	return msg.Stamp(is.now)
}

// addToTOC adds the count'th message to the table of contents.
func (is *issue) addToTOC(msg *email.Message, count int) {
	subject := strings.Join(strings.Fields(msg.Subject()), " ")
	if subject == "" {
		subject = "(no subject)"
	}
	if prefix := strings.TrimSpace(is.list.SubjectPrefix); prefix != "" {
		re := regexp.MustCompile(`(?i)^(re:? *)?(` + regexp.QuoteMeta(prefix) + `)\s*`)
		if loc := re.FindStringSubmatchIndex(subject); loc != nil {
			subject = subject[:loc[4]] + subject[loc[1]:]
		}
	}
	username := ""
	if addrs := msg.Addresses("From"); len(addrs) > 0 {
		username = addrs[0].Name
		if username == "" {
			username = addrs[0].Email
		}
	}
	if username != "" {
		username = " (" + username + ")"
	}

	lines := wrapWords(fmt.Sprintf("%2d. %s", count, subject), 65)
	if last := lines[len(lines)-1]; len(last)+len(username) > 70 {
		lines = append(lines, strings.TrimSpace(username))
	} else {
		lines[len(lines)-1] += username
	}
	for i, line := range lines {
		if i == 0 {
			is.toc.WriteString("  " + line + "\n")
		} else {
			is.toc.WriteString("      " + strings.TrimLeft(line, " ") + "\n")
		}
	}
}

// wrapWords breaks s into lines of at most width columns.
func wrapWords(s string, width int) []string {
	var lines []string
	line := ""
	for _, w := range strings.Fields(s) {
		switch {
		case line == "":
			line = w
		case len(line)+1+len(w) > width:
			lines = append(lines, line)
			line = w
		default:
			line += " " + w
		}
	}
	return append(lines, line)
}

// mimeDigest builds a multipart/mixed digest.
type mimeDigest struct {
	*issue
	keep  []string
	parts []*email.Message
}

func newMIMEDigest(is *issue, cfg config.DigestsConfig) *mimeDigest {
	d := &mimeDigest{issue: is, keep: cfg.MIMEKeepHeaders}
	masthead := email.NewText("plain", is.masthead)
	masthead.Header.Set("Content-Description", is.id)
	d.parts = append(d.parts, masthead)
	if is.header != "" {
		h := email.NewText("plain", is.header)
		h.Header.Set("Content-Description", "Digest Header")
		d.parts = append(d.parts, h)
	}
	return d
}

func (d *mimeDigest) addTOC(count int) {
	toc := email.NewText("plain", d.toc.String())
	toc.Header.Set("Content-Description", fmt.Sprintf("Today's Topics (%d messages)", count))
	d.parts = append(d.parts, toc)
}

func (d *mimeDigest) addMessage(msg *email.Message, count int) {
	c := msg.Clone()
	c.Header = email.KeepHeaders(c.Header, d.keep)
	c.Header.Set("Message", strconv.Itoa(count))
	d.parts = append(d.parts, email.NewRFC822(c))
}

func (d *mimeDigest) finish() (*email.Message, error) {
	if d.footer != "" {
		f := email.NewText("plain", d.footer)
		f.Header.Set("Content-Description", "Digest Footer")
		d.parts = append(d.parts, f)
	}
	msg := email.NewMultipart("mixed", d.parts...)
	if err := d.stamp(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// rfc1153Digest builds a plain text digest in the RFC 1153 format.
type rfc1153Digest struct {
	*issue
	keep []string
	text strings.Builder
}

func newRFC1153Digest(is *issue, cfg config.DigestsConfig) *rfc1153Digest {
	d := &rfc1153Digest{issue: is, keep: cfg.PlainKeepHeaders}
	d.text.WriteString(is.masthead + "\n\n")
	if is.header != "" {
		d.text.WriteString(is.header + "\n\n")
	}
	return d
}

func (d *rfc1153Digest) addTOC(int) {
	d.text.WriteString(d.toc.String() + "\n\n")
	d.text.WriteString(separator70 + "\n\n")
}

func (d *rfc1153Digest) addMessage(msg *email.Message, count int) {
	if count > 1 {
		d.text.WriteString(separator30 + "\n\n")
	}
	for _, key := range d.keep {
		var value string
		if strings.EqualFold(key, "Message") {
			value = strconv.Itoa(count)
		} else if msg.Header.Has(key) {
			value = strings.Join(strings.Fields(msg.HeaderText(key)), " ")
		} else {
			continue
		}
		wrapped := wrapWords(key+": "+value, 70)
		d.text.WriteString(strings.Join(wrapped, "\n\t") + "\n")
	}
	d.text.WriteString("\n")

	body := plainBody(msg)
	d.text.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		d.text.WriteString("\n")
	}
}

// plainBody returns the decoded first text/plain part, or the raw body.
func plainBody(msg *email.Message) string {
	if p := msg.FirstText(); p != nil {
		if text, err := p.Text(); err == nil {
			return strings.ReplaceAll(text, "\r\n", "\n")
		}
	}
	raw := string(msg.Bytes())
	if i := strings.Index(raw, "\r\n\r\n"); i >= 0 {
		return strings.ReplaceAll(raw[i+4:], "\r\n", "\n")
	}
	if i := strings.Index(raw, "\n\n"); i >= 0 {
		return raw[i+2:]
	}
	return ""
}

func (d *rfc1153Digest) finish() (*email.Message, error) {
	if d.footer != "" {
		d.text.WriteString(separator30 + "\n\n" + d.footer + "\n\n")
	}
	signOff := "End of " + d.id
	d.text.WriteString(signOff + "\n" + strings.Repeat("*", len(signOff)) + "\n")
	msg := email.NewText("plain", d.text.String())
	msg.Header.Set("MIME-Version", "1.0")
	if err := d.stamp(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
