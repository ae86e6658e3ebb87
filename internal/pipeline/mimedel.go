package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/templates"
)

// FilteredByHeader marks messages whose MIME structure was changed.
const FilteredByHeader = "X-Content-Filtered-By"

// contentHeaders are moved along with a body when a part replaces its
// parent.
var contentHeaders = []string{
	"Content-Type", "Content-Transfer-Encoding",
	"Content-Disposition", "Content-Description",
}

// mimeDelete filters the MIME content of messages.
type mimeDelete struct {
	stack     *core.Stack
	converter HTMLConverter
}

func (h *mimeDelete) Name() string        { return "mime-delete" }
func (h *mimeDelete) Description() string { return "Filter the MIME content of messages." }

// filter holds a list's type and extension rules, lowercased.
type filter struct {
	filterTypes, passTypes map[string]bool
	filterExts, passExts   map[string]bool
}

func lowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			set[s] = true
		}
	}
	return set
}

func newFilter(l *lists.List) *filter {
	return &filter{
		filterTypes: lowerSet(l.FilterTypes),
		passTypes:   lowerSet(l.PassTypes),
		filterExts:  lowerSet(l.FilterExtensions),
		passExts:    lowerSet(l.PassExtensions),
	}
}

// check returns why part is not allowed, or "".
func (f *filter) check(part *email.Message) string {
	ctype, mtype := part.MediaType(), part.MainType()
	if f.filterTypes[ctype] || f.filterTypes[mtype] {
		return "The message's content type was explicitly disallowed"
	}
	if len(f.passTypes) > 0 && !f.passTypes[ctype] && !f.passTypes[mtype] {
		return "The message's content type was not explicitly allowed"
	}
	if ext := fileExt(part); ext != "" {
		if f.filterExts[ext] {
			return "The message's file extension was explicitly disallowed"
		}
		if len(f.passExts) > 0 && !f.passExts[ext] {
			return "The message's file extension was not explicitly allowed"
		}
	}
	return ""
}

// filterParts drops disallowed subparts of m, recursively. It reports
// false when a multipart that had children has none left.
func (f *filter) filterParts(m *email.Message) bool {
	if !m.IsMultipart() {
		return true
	}
	before := len(m.Parts)
	kept := make([]*email.Message, 0, before)
	for _, p := range m.Parts {
		if !f.filterParts(p) {
			continue
		}
		if f.check(p) != "" {
			continue
		}
		kept = append(kept, p)
	}
	m.Parts = kept
	return !(len(kept) == 0 && before > 0)
}

func fileExt(m *email.Message) string {
	name := m.Filename()
	if name == "" {
		return ""
	}
	ext := filepath.Ext(strings.TrimSpace(name))
	if len(ext) <= 1 {
		return ""
	}
	return strings.ToLower(ext[1:])
}

func countParts(m *email.Message) int {
	n := 0
	_ = m.Walk(func(*email.Message) error {
		n++
		return nil
	})
	return n
}

func (h *mimeDelete) Process(ctx context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	if !l.FilterContent || env.Meta.Bool(envelope.KeyIsDigest) {
		return Next, nil
	}
	msg := env.Message
	original := msg.Clone()
	f := newFilter(l)

	if why := f.check(msg); why != "" {
		return h.dispose(l, original, env.Meta, why)
	}

	numparts := countParts(msg)
	if msg.IsMultipart() {
		before := len(msg.Parts)
		f.filterParts(msg)
		if len(msg.Parts) == 0 && before > 0 {
			return h.dispose(l, original, env.Meta, "After content filtering, the message was empty")
		}
	}

	if l.CollapseAlternatives {
		collapseAlternatives(msg)
		if msg.MediaType() == "multipart/alternative" && len(msg.Parts) > 0 {
			resetPayload(msg, msg.Parts[0])
		}
	}
	changed := numparts != countParts(msg)

	if l.ConvertHTMLToPlaintext && h.converter != nil {
		converted, err := h.toPlaintext(ctx, msg)
		if err != nil {
			return Next, err
		}
		changed = changed || converted
	}

	// An empty body with a single attachment becomes just the attachment.
	if msg.IsMultipart() && len(msg.Parts) == 2 && isEmptyLeaf(msg.Parts[0]) {
		resetPayload(msg, msg.Parts[1])
		changed = true
	}

	if changed {
		msg.Header.Set(FilteredByHeader, "listd/MimeDel "+core.Version)
	}
	return Next, nil
}

// dispose handles a message that content filtering would empty.
func (h *mimeDelete) dispose(l *lists.List, original *email.Message, meta envelope.Metadata, why string) (Result, error) {
	s := h.stack
	switch l.FilterAction {
	case lists.FilterReject:
		return Rejected(why), nil
	case lists.FilterForward:
		text, err := s.Notifier.Render(l, templates.FilteredForward, l.PreferredLanguage, nil)
		if err != nil {
			return Next, err
		}
		if err := s.Notifier.SendModerators(l, "Content filter message notification", text, original); err != nil {
			return Next, err
		}
	case lists.FilterPreserve:
		filebase, err := s.Queues.Enqueue(switchboard.Bad, original, meta)
		if err != nil {
			return Next, fmt.Errorf("preserving filtered message: %w", err)
		}
		s.Logger.Info("filtered message preserved",
			slog.String("list", l.FQDNListName()),
			slog.String("message_id", original.MessageID()),
			slog.String("filebase", filebase))
	case lists.FilterDiscard:
	default:
		s.Logger.Error("invalid filter action, treating as discard",
			slog.String("list", l.FQDNListName()),
			slog.String("filter_action", string(l.FilterAction)))
	}
	return Discarded(why), nil
}

// collapseAlternatives replaces each multipart/alternative child of m
// with its first alternative.
func collapseAlternatives(m *email.Message) {
	if !m.IsMultipart() {
		return
	}
	parts := make([]*email.Message, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.MediaType() == "multipart/alternative" {
			if len(p.Parts) > 0 {
				parts = append(parts, p.Parts[0])
			}
			continue
		}
		parts = append(parts, p)
	}
	m.Parts = parts
}

// resetPayload moves sub's body and content headers into m.
func resetPayload(m, sub *email.Message) {
	m.Body = sub.Body
	m.Parts = sub.Parts
	for _, k := range contentHeaders {
		m.Header.Del(k)
	}
	if v := sub.Header.Get("Content-Type"); v != "" {
		m.Header.Set("Content-Type", v)
	} else {
		m.Header.Set("Content-Type", "text/plain")
	}
	for _, k := range contentHeaders[1:] {
		if v := sub.Header.Get(k); v != "" {
			m.Header.Set(k, v)
		}
	}
}

func isEmptyLeaf(m *email.Message) bool {
	return !m.IsMultipart() && strings.TrimSpace(string(m.Body)) == ""
}

// toPlaintext converts every text/html leaf to text/plain.
func (h *mimeDelete) toPlaintext(ctx context.Context, msg *email.Message) (bool, error) {
	var html []*email.Message
	_ = msg.Walk(func(p *email.Message) error {
		if !p.IsMultipart() && p.MediaType() == "text/html" {
			html = append(html, p)
		}
		return nil
	})
	for _, p := range html {
		body, err := p.Text()
		if err != nil {
			return false, err
		}
		text, err := h.converter.Convert(ctx, []byte(body))
		if err != nil {
			return false, err
		}
		p.Header.Del("Content-Transfer-Encoding")
		p.SetText("plain", text)
	}
	return len(html) > 0, nil
}
