// Package archive hands posted messages to the configured archivers and
// computes the archive URLs put in list headers.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/messagestore"
)

// Archiver stores a copy of a list post.
type Archiver interface {
	Name() string
	ArchiveMessage(ctx context.Context, l *lists.List, msg *email.Message) error
}

// Permalinker computes archive URLs from the configured base URL.
type Permalinker struct {
	BaseURL string
}

// NewPermalinker returns a Permalinker for cfg.
func NewPermalinker(cfg config.ArchiverConfig) Permalinker {
	return Permalinker{BaseURL: strings.TrimRight(cfg.BaseURL, "/")}
}

// ListURL returns the archive index of l, or "" without a base URL.
func (p Permalinker) ListURL(l *lists.List) string {
	if p.BaseURL == "" {
		return ""
	}
	return p.BaseURL + "/" + l.FQDNListName()
}

// Permalink returns the URL of the archived message with hash.
func (p Permalinker) Permalink(l *lists.List, hash string) string {
	if p.BaseURL == "" || hash == "" {
		return ""
	}
	return p.BaseURL + "/" + l.FQDNListName() + "/" + hash
}

// New returns the archivers named in the configuration. Unknown names
// are an error.
func New(s *core.Stack) ([]Archiver, error) {
	var out []Archiver
	for _, name := range s.Config.Archiver.Enabled {
		switch name {
		case "mbox":
			mb := NewMbox(s.Config.Path("archives"))
			mb.Now = s.Now
			out = append(out, mb)
		case "prototype":
			if s.Messages == nil {
				return nil, errors.New("prototype archiver needs a message store")
			}
			out = append(out, &Prototype{Store: s.Messages})
		default:
			return nil, fmt.Errorf("unknown archiver %q", name)
		}
	}
	return out, nil
}

// Archive clobbers the Date of msg per policy and hands it to every
// archiver. An archiver failure is logged and does not stop the others;
// the first failure is returned.
func Archive(ctx context.Context, s *core.Stack, archivers []Archiver, l *lists.List, msg *email.Message, received time.Time) error {
	ClobberDate(msg, s.Config.Archiver.ClobberDate, s.Config.Archiver.Skew(), received)
	var first error
	for _, a := range archivers {
		if err := a.ArchiveMessage(ctx, l, msg.Clone()); err != nil {
			s.Logger.Error("archiver failed",
				slog.String("archiver", a.Name()),
				slog.String("list", l.FQDNListName()),
				slog.String("message_id", msg.MessageID()),
				slog.String("error", err.Error()))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// ClobberDate replaces the Date header with received according to
// policy: "always" replaces it, "never" leaves it, and "maybe" replaces
// it only when it is missing, unparseable or more than skew away from
// received. The replaced value is kept in X-Original-Date.
func ClobberDate(msg *email.Message, policy string, skew time.Duration, received time.Time) bool {
	original := msg.Header.Get("Date")
	clobber := false
	switch policy {
	case "always":
		clobber = true
	case "maybe":
		date, err := mail.ParseDate(original)
		if err != nil {
			clobber = true
		} else {
			d := received.Sub(date)
			clobber = d > skew || d < -skew
		}
	}
	if !clobber {
		return false
	}
	msg.Header.Del("Date")
	msg.Header.Set("Date", received.Format(time.RFC1123Z))
	if original != "" {
		msg.Header.Del("X-Original-Date")
		msg.Header.Set("X-Original-Date", original)
	}
	return true
}

// Prototype archives into the message store.
type Prototype struct {
	Store messagestore.MessageStore
}

// Name returns "prototype".
func (p *Prototype) Name() string { return "prototype" }

// ArchiveMessage adds msg to the store. A message already stored is not
// an error.
func (p *Prototype) ArchiveMessage(ctx context.Context, _ *lists.List, msg *email.Message) error {
	_, err := p.Store.Add(ctx, msg)
	if errors.Is(err, messagestore.ErrDuplicate) {
		return nil
	}
	return err
}
