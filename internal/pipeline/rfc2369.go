package pipeline

import (
	"context"
	"strings"

	"github.com/infodancer/listd/internal/archive"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/messagestore"
)

// maxLineLen is the column budget shared by a List-* header's name and
// value before the value is folded at its commas.
const maxLineLen = 78

// rfc2369 adds the RFC 2369 List-* headers, List-Id and Archived-At.
type rfc2369 struct {
	stack *core.Stack
}

func (h *rfc2369) Name() string        { return "rfc-2369" }
func (h *rfc2369) Description() string { return "Add the RFC 2369 List-* headers." }

func (h *rfc2369) Process(_ context.Context, l *lists.List, env *envelope.Envelope) (Result, error) {
	if !l.IncludeRFC2369Headers {
		return Next, nil
	}
	msg := env.Message

	listID := "<" + l.ListID() + ">"
	if l.Description != "" {
		listID = phrase(l.Description) + " " + listID
	}
	msg.Header.Del("List-Id")
	msg.Header.Set("List-Id", listID)

	type field struct{ key, value string }
	listinfo := l.ListInfoURL()
	sub := func(addr string) string {
		if listinfo == "" {
			return "<mailto:" + addr + ">"
		}
		return "<" + listinfo + ">, <mailto:" + addr + ">"
	}
	fields := []field{
		{"List-Help", "<mailto:" + l.RequestAddress() + "?subject=help>"},
		{"List-Unsubscribe", sub(l.LeaveAddress())},
		{"List-Subscribe", sub(l.JoinAddress())},
	}
	if !env.Meta.Bool(envelope.KeyReducedListHeaders) {
		if l.IncludeListPostHeader {
			fields = append(fields, field{"List-Post", "<mailto:" + l.PostingAddress() + ">"})
		}
		if l.Archive {
			a := archive.NewPermalinker(h.stack.Config.Archiver)
			if u := a.ListURL(l); u != "" {
				fields = append(fields, field{"List-Archive", "<" + u + ">"})
			}
			if id := msg.MessageID(); id != "" {
				if !msg.Header.Has(messagestore.HashHeader) {
					msg.Header.Set(messagestore.HashHeader, messagestore.Hash(id))
				}
				if u := a.Permalink(l, msg.Header.Get(messagestore.HashHeader)); u != "" {
					fields = append(fields, field{"Archived-At", "<" + u + ">"})
				}
			}
		}
	}

	for _, f := range fields {
		msg.Header.Del(f.key)
		msg.Header.Set(f.key, fold(f.key, f.value))
	}
	return Next, nil
}

// fold puts each comma-separated element of value on its own line when
// the field would not fit in maxLineLen columns.
func fold(key, value string) string {
	if len(key)+2+len(value) <= maxLineLen {
		return value
	}
	return strings.Join(strings.Split(value, ", "), ",\r\n\t")
}
