package inbound

import (
	"errors"
	"testing"
	"time"

	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/messagestore"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/testutil"
)

func TestSplitRecipient(t *testing.T) {
	tests := []struct {
		addr                  string
		listname, sub, domain string
	}{
		{"ant@example.com", "ant", "", "example.com"},
		{"Ant-Request@Example.COM", "ant", "request", "example.com"},
		{"ant-confirm+abc123@example.com", "ant", "confirm", "example.com"},
		{"red-ant-owner@example.com", "red-ant", "owner", "example.com"},
		{"red-ant@example.com", "red-ant", "", "example.com"},
		{"ant", "ant", "", ""},
	}
	for _, tt := range tests {
		listname, sub, domain := SplitRecipient(tt.addr)
		if listname != tt.listname || sub != tt.sub || domain != tt.domain {
			t.Errorf("SplitRecipient(%q) = %q, %q, %q", tt.addr, listname, sub, domain)
		}
	}
}

func TestRoute(t *testing.T) {
	s := testutil.NewStack(t, nil)
	testutil.CreateList(t, s, "ant", "example.com")
	testutil.CreateList(t, s, "ant-join", "example.com")
	r := &Router{Lists: s.Lists, SiteOwner: s.Config.SiteOwner}

	tests := []struct {
		rcpt  string
		queue string
		list  string
		key   string
	}{
		{"ant@example.com", switchboard.In, "ant@example.com", envelope.KeyToList},
		{"<ANT@example.com>", switchboard.In, "ant@example.com", envelope.KeyToList},
		{"ant-owner@example.com", switchboard.In, "ant@example.com", envelope.KeyToOwner},
		{"ant-bounces@example.com", switchboard.Bounces, "ant@example.com", ""},
		{"ant-admin@example.com", switchboard.Bounces, "ant@example.com", ""},
		{"ant-request@example.com", switchboard.Command, "ant@example.com", envelope.KeyToRequest},
		{"ant-subscribe@example.com", switchboard.Command, "ant@example.com", envelope.KeyToJoin},
		{"ant-unsubscribe@example.com", switchboard.Command, "ant@example.com", envelope.KeyToLeave},
		{"ant-confirm+tok@example.com", switchboard.Command, "ant@example.com", envelope.KeyToConfirm},
		// A list whose name ends in a subaddress word.
		{"ant-join@example.com", switchboard.In, "ant-join@example.com", envelope.KeyToList},
	}
	for _, tt := range tests {
		t.Run(tt.rcpt, func(t *testing.T) {
			dest, err := r.Route(tt.rcpt)
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if dest.Queue != tt.queue {
				t.Errorf("queue = %q, want %q", dest.Queue, tt.queue)
			}
			if dest.Meta.ListName() != tt.list || dest.List.FQDNListName() != tt.list {
				t.Errorf("list = %q", dest.Meta.ListName())
			}
			if tt.key != "" && !dest.Meta.Bool(tt.key) {
				t.Errorf("%s not set in %v", tt.key, dest.Meta)
			}
		})
	}

	owner, err := r.Route("ant-owner@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got := owner.Meta.String(envelope.KeyEnvelopeSender); got != s.Config.SiteOwner {
		t.Errorf("owner envsender = %q", got)
	}
	bounces, err := r.Route("ant-bounces@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got := bounces.Meta.String(envelope.KeyRecipient); got != "ant-bounces@example.com" {
		t.Errorf("bounces recipient = %q", got)
	}
}

func TestRouteUnknown(t *testing.T) {
	s := testutil.NewStack(t, nil)
	testutil.CreateList(t, s, "ant", "example.com")
	r := &Router{Lists: s.Lists}

	for _, rcpt := range []string{"bee@example.com", "ant@example.org", "ant-nosuch@example.com", "ant"} {
		if _, err := r.Route(rcpt); !errors.Is(err, ErrUnknownList) {
			t.Errorf("Route(%q) error = %v, want ErrUnknownList", rcpt, err)
		}
	}
}

func TestPrepareAndEnqueue(t *testing.T) {
	s := testutil.NewStack(t, nil)
	testutil.CreateList(t, s, "ant", "example.com")
	r := &Router{Lists: s.Lists}

	msg := testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi")
	msg.Header.Set("X-MailFrom", "forged@example.net")
	if err := Prepare(msg, "anne@example.com"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if got := msg.Header.Get(messagestore.HashHeader); got != messagestore.Hash("<hello.anne@example.com>") {
		t.Errorf("%s = %q", messagestore.HashHeader, got)
	}
	if got := msg.Header.Get("X-MailFrom"); got != "anne@example.com" {
		t.Errorf("X-MailFrom = %q", got)
	}

	dest, err := r.Route("ant@example.com")
	if err != nil {
		t.Fatal(err)
	}
	received := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	if _, err := Enqueue(s.Queues, dest, msg, 1234, received); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	envs := testutil.Drain(t, s, switchboard.In)
	if len(envs) != 1 {
		t.Fatalf("in queue has %d messages", len(envs))
	}
	meta := envs[0].Meta
	if meta.Int(envelope.KeyOriginalSize) != 1234 {
		t.Errorf("original_size = %d", meta.Int(envelope.KeyOriginalSize))
	}
	if got, _ := meta.Time(envelope.KeyReceivedTime); !got.Equal(received) {
		t.Errorf("received_time = %v", got)
	}

	noID := testutil.ParseMessage(t, "From: anne@example.com\r\n\r\nhi\r\n")
	if err := Prepare(noID, "anne@example.com"); !errors.Is(err, ErrNoMessageID) {
		t.Errorf("Prepare() error = %v, want ErrNoMessageID", err)
	}
}
