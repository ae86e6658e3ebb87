// Package email holds the in-memory MIME tree used by every queue runner.
//
// A Message is either a leaf, whose Body keeps the bytes as received
// (still transfer-encoded), or a multipart, whose Parts are its children.
// Headers are go-message textproto headers, so field order and folding
// survive a parse and write round trip.
package email

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// Message is a parsed RFC 5322 message or MIME part.
type Message struct {
	Header textproto.Header
	// Body is the raw part body. Unused when Parts is non-nil.
	Body []byte
	// Parts holds the children of a multipart. A nil slice marks a leaf.
	Parts []*Message
}

// Parse parses a flattened message.
func Parse(b []byte) (*Message, error) {
	if !bytes.Contains(b, []byte("\n\n")) && !bytes.Contains(b, []byte("\r\n\r\n")) {
		// Header-only message without the separating blank line.
		if !bytes.HasSuffix(b, []byte("\n")) {
			b = append(append([]byte{}, b...), '\n')
		}
		b = append(b, '\n')
	}
	return Read(bytes.NewReader(b))
}

// Read parses a message from r.
func Read(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	return readBody(h, br)
}

func readBody(h textproto.Header, r io.Reader) (*Message, error) {
	m := &Message{Header: h}

	mediatype, params := parseContentType(h.Get("Content-Type"))
	if strings.HasPrefix(mediatype, "multipart/") && params["boundary"] != "" {
		mr := textproto.NewMultipartReader(r, params["boundary"])
		m.Parts = []*Message{}
		for {
			p, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("reading %s part: %w", mediatype, err)
			}
			child, err := readBody(p.Header, p)
			if err != nil {
				return nil, err
			}
			m.Parts = append(m.Parts, child)
		}
		// Drain the epilogue so the reader is left at EOF.
		_, _ = io.Copy(io.Discard, r)
		return m, nil
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	m.Body = body
	return m, nil
}

// NewText returns a leaf text/<subtype> part holding text.
func NewText(subtype, text string) *Message {
	m := &Message{}
	m.SetText(subtype, text)
	return m
}

// NewMultipart returns a multipart/<subtype> message holding parts.
func NewMultipart(subtype string, parts ...*Message) *Message {
	m := &Message{Parts: append([]*Message{}, parts...)}
	m.Header.Set("MIME-Version", "1.0")
	m.Header.Set("Content-Type", mime.FormatMediaType("multipart/"+subtype,
		map[string]string{"boundary": newBoundary()}))
	return m
}

// NewRFC822 wraps inner as a message/rfc822 part.
func NewRFC822(inner *Message) *Message {
	m := &Message{Body: inner.Bytes()}
	m.Header.Set("Content-Type", "message/rfc822")
	m.Header.Set("MIME-Version", "1.0")
	return m
}

// Bytes flattens the message.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer only fail on a malformed tree.
	_, _ = m.WriteTo(&buf)
	return buf.Bytes()
}

// WriteTo flattens the message to w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	m.ensureBoundaries()
	cw := &countWriter{w: w}
	if err := textproto.WriteHeader(cw, m.Header); err != nil {
		return cw.n, fmt.Errorf("writing header: %w", err)
	}
	err := m.writeBody(cw)
	return cw.n, err
}

func (m *Message) writeBody(w io.Writer) error {
	if m.Parts == nil {
		_, err := w.Write(m.Body)
		return err
	}

	mw := textproto.NewMultipartWriter(w)
	if err := mw.SetBoundary(m.boundary()); err != nil {
		return fmt.Errorf("setting boundary: %w", err)
	}
	for _, p := range m.Parts {
		p.ensureBoundaries()
		pw, err := mw.CreatePart(p.Header)
		if err != nil {
			return fmt.Errorf("creating part: %w", err)
		}
		if err := p.writeBody(pw); err != nil {
			return err
		}
	}
	return mw.Close()
}

// ensureBoundaries gives every multipart in the tree a usable boundary.
func (m *Message) ensureBoundaries() {
	if m.Parts == nil {
		return
	}
	mediatype, params := parseContentType(m.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediatype, "multipart/") {
		mediatype = "multipart/mixed"
	}
	if !validBoundary(params["boundary"]) {
		if params == nil {
			params = map[string]string{}
		}
		params["boundary"] = newBoundary()
		m.Header.Set("Content-Type", mime.FormatMediaType(mediatype, params))
	}
	for _, p := range m.Parts {
		p.ensureBoundaries()
	}
}

func (m *Message) boundary() string {
	_, params := parseContentType(m.Header.Get("Content-Type"))
	return params["boundary"]
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := &Message{Header: m.Header.Copy()}
	if m.Body != nil {
		c.Body = append([]byte{}, m.Body...)
	}
	if m.Parts != nil {
		c.Parts = make([]*Message, len(m.Parts))
		for i, p := range m.Parts {
			c.Parts[i] = p.Clone()
		}
	}
	return c
}

// IsMultipart reports whether m has children.
func (m *Message) IsMultipart() bool {
	return m.Parts != nil
}

// ContentType returns the lowercased media type and its parameters.
// A missing or unparseable header yields text/plain.
func (m *Message) ContentType() (string, map[string]string) {
	return parseContentType(m.Header.Get("Content-Type"))
}

// MediaType returns the lowercased media type.
func (m *Message) MediaType() string {
	t, _ := m.ContentType()
	return t
}

// MainType returns the part of the media type before the slash.
func (m *Message) MainType() string {
	t := m.MediaType()
	if i := strings.IndexByte(t, '/'); i >= 0 {
		return t[:i]
	}
	return t
}

// Filename returns the attachment file name from Content-Disposition,
// falling back to the Content-Type name parameter.
func (m *Message) Filename() string {
	if v := m.Header.Get("Content-Disposition"); v != "" {
		if _, params, err := mime.ParseMediaType(v); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	_, params := m.ContentType()
	return params["name"]
}

// Walk calls fn for m and every descendant, depth first.
func (m *Message) Walk(fn func(*Message) error) error {
	if err := fn(m); err != nil {
		return err
	}
	for _, p := range m.Parts {
		if err := p.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Embedded parses the body of a message/rfc822 part.
func (m *Message) Embedded() (*Message, error) {
	if m.MediaType() != "message/rfc822" {
		return nil, fmt.Errorf("part is %s, not message/rfc822", m.MediaType())
	}
	return Parse(m.Body)
}

// Size returns the flattened size in bytes.
func (m *Message) Size() int {
	return len(m.Bytes())
}

func parseContentType(v string) (string, map[string]string) {
	if strings.TrimSpace(v) == "" {
		return "text/plain", map[string]string{}
	}
	mediatype, params, err := mime.ParseMediaType(v)
	if err != nil {
		// Salvage the media type; drop the parameters.
		mediatype = strings.ToLower(strings.TrimSpace(strings.SplitN(v, ";", 2)[0]))
		if !strings.Contains(mediatype, "/") {
			return "text/plain", map[string]string{}
		}
		if params == nil {
			params = map[string]string{}
		}
	}
	return mediatype, params
}

func newBoundary() string {
	return "===============" + strings.ReplaceAll(uuid.NewString(), "-", "") + "=="
}

func validBoundary(b string) bool {
	if b == "" || len(b) > 70 {
		return false
	}
	for i, r := range b {
		switch {
		case 'A' <= r && r <= 'Z', 'a' <= r && r <= 'z', '0' <= r && r <= '9':
		case strings.ContainsRune("'()+_,-./:=?", r):
		case r == ' ' && i != len(b)-1:
		default:
			return false
		}
	}
	return true
}

type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
