// Package inbound maps the addresses mail arrives for onto the queue that
// handles it. The LMTP server and the maildir runner share it.
package inbound

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/messagestore"
	"github.com/infodancer/listd/internal/switchboard"
)

var (
	// ErrUnknownList is returned for recipients that name no list.
	ErrUnknownList = errors.New("inbound: no such list")
	// ErrUnknownSubaddress is returned for list-<sub> addresses with an
	// unrecognized <sub>.
	ErrUnknownSubaddress = errors.New("inbound: unknown subaddress")
	// ErrNoMessageID is returned for messages without a Message-ID.
	ErrNoMessageID = errors.New("inbound: no Message-ID header")
)

// Subaddress names as users see them, mapped to their canonical form.
var subaddressNames = map[string]string{
	"admin":       "bounces",
	"bounces":     "bounces",
	"confirm":     "confirm",
	"join":        "join",
	"leave":       "leave",
	"owner":       "owner",
	"request":     "request",
	"subscribe":   "join",
	"unsubscribe": "leave",
}

var subaddressQueues = map[string]string{
	"bounces": switchboard.Bounces,
	"confirm": switchboard.Command,
	"join":    switchboard.Command,
	"leave":   switchboard.Command,
	"owner":   switchboard.In,
	"request": switchboard.Command,
}

var subaddressKeys = map[string]string{
	"confirm": envelope.KeyToConfirm,
	"join":    envelope.KeyToJoin,
	"leave":   envelope.KeyToLeave,
	"request": envelope.KeyToRequest,
	"owner":   envelope.KeyToOwner,
}

// Destination is where one recipient's copy goes.
type Destination struct {
	Queue string
	List  *lists.List
	Meta  envelope.Metadata
}

// SplitRecipient splits addr into list name, subaddress and domain. A
// "+extension" on the local part is dropped. subaddress is "" for the
// posting address.
func SplitRecipient(addr string) (listname, subaddress, domain string) {
	local, domain, _ := strings.Cut(strings.ToLower(addr), "@")
	local, _, _ = strings.Cut(local, "+")
	if i := strings.LastIndexByte(local, '-'); i >= 0 {
		if _, ok := subaddressNames[local[i+1:]]; ok {
			return local[:i], local[i+1:], domain
		}
	}
	return local, "", domain
}

// Router resolves recipients against the list store.
type Router struct {
	Lists     lists.Manager
	SiteOwner string
}

// Route returns the destination for rcpt. Lookup failures other than an
// unknown list are returned as is.
func (r *Router) Route(rcpt string) (*Destination, error) {
	rcpt = strings.ToLower(strings.Trim(strings.TrimSpace(rcpt), "<>"))
	listname, sub, domain := SplitRecipient(rcpt)
	if domain == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownList, rcpt)
	}
	// A list name may itself end in a subaddress word.
	if sub != "" {
		if l, err := r.Lists.List(listname + "-" + sub + "@" + domain); err == nil {
			return r.destination(l, "", rcpt)
		}
	}
	l, err := r.Lists.List(listname + "@" + domain)
	if errors.Is(err, lists.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownList, rcpt)
	}
	if err != nil {
		return nil, err
	}
	return r.destination(l, sub, rcpt)
}

func (r *Router) destination(l *lists.List, sub, rcpt string) (*Destination, error) {
	meta := envelope.Metadata{}
	meta.SetString(envelope.KeyListName, l.FQDNListName())
	if sub == "" {
		meta.SetBool(envelope.KeyToList, true)
		return &Destination{Queue: switchboard.In, List: l, Meta: meta}, nil
	}
	canonical, ok := subaddressNames[sub]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubaddress, sub)
	}
	meta.SetString(envelope.KeySubaddress, canonical)
	if key, ok := subaddressKeys[canonical]; ok {
		meta.SetBool(key, true)
	}
	if canonical == "owner" {
		meta.SetString(envelope.KeyEnvelopeSender, r.SiteOwner)
	} else {
		meta.SetString(envelope.KeyRecipient, rcpt)
	}
	return &Destination{Queue: subaddressQueues[canonical], List: l, Meta: meta}, nil
}

// Prepare checks a received message and stamps it for queueing. It adds
// X-Message-ID-Hash and X-MailFrom.
func Prepare(msg *email.Message, mailFrom string) error {
	id := msg.MessageID()
	if id == "" {
		return ErrNoMessageID
	}
	msg.Header.Set(messagestore.HashHeader, messagestore.Hash(id))
	msg.Header.Del("X-MailFrom")
	msg.Header.Set("X-MailFrom", mailFrom)
	return nil
}

// Enqueue queues a copy of msg for dest, stamped with its size and
// arrival time.
func Enqueue(queues *switchboard.Registry, dest *Destination, msg *email.Message, size int, received time.Time) (string, error) {
	meta := dest.Meta.Clone()
	meta.SetInt(envelope.KeyOriginalSize, int64(size))
	meta.SetTime(envelope.KeyReceivedTime, received)
	return queues.Enqueue(dest.Queue, msg.Clone(), meta)
}
