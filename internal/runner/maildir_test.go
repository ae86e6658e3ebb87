package runner

import (
	"bytes"
	"context"
	"io"
	"sort"
	"testing"

	"github.com/infodancer/msgstore"

	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/messagestore"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/testutil"
)

// memStore is an in-memory mailbox.
type memStore struct {
	msgs     map[string][]byte
	deleted  map[string]bool
	expunged int
}

func newMemStore(msgs map[string]string) *memStore {
	m := &memStore{msgs: map[string][]byte{}, deleted: map[string]bool{}}
	for uid, raw := range msgs {
		m.msgs[uid] = []byte(raw)
	}
	return m
}

func (m *memStore) List(_ context.Context, _ string) ([]msgstore.MessageInfo, error) {
	var out []msgstore.MessageInfo
	for uid, b := range m.msgs {
		out = append(out, msgstore.MessageInfo{UID: uid, Size: int64(len(b))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (m *memStore) Retrieve(_ context.Context, _ string, uid string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.msgs[uid])), nil
}

func (m *memStore) Delete(_ context.Context, _ string, uid string) error {
	m.deleted[uid] = true
	return nil
}

func (m *memStore) Expunge(_ context.Context, _ string) error {
	for uid := range m.deleted {
		delete(m.msgs, uid)
	}
	m.deleted = map[string]bool{}
	m.expunged++
	return nil
}

func (m *memStore) Stat(_ context.Context, _ string) (int, int64, error) {
	var size int64
	for _, b := range m.msgs {
		size += int64(len(b))
	}
	return len(m.msgs), size, nil
}

func TestMaildirRoutesMessages(t *testing.T) {
	_, _, s, _ := setup(t)
	store := newMemStore(map[string]string{
		"1": "Return-Path: <anne@example.com>\r\n" +
			"Delivered-To: ant@example.com\r\n" +
			"From: anne@example.com\r\n" +
			"To: ant@example.com, ant-request@example.com\r\n" +
			"Subject: help\r\n" +
			"Message-ID: <m1@example.com>\r\n" +
			"\r\nhello\r\n",
		"2": "From: anne@example.com\r\n" +
			"To: nobody@example.com\r\n" +
			"Subject: stray\r\n" +
			"Message-ID: <m2@example.com>\r\n" +
			"\r\nhello\r\n",
	})
	d := NewMaildirWithStore(s, store, "INBOX")

	// The first pass polls the mailbox; the second routes.
	once(t, s, switchboard.Maildir, d)
	if len(store.msgs) != 0 || store.expunged != 1 {
		t.Fatalf("mailbox not drained: %d left, %d expunges", len(store.msgs), store.expunged)
	}
	if n := testutil.Count(t, s, switchboard.Maildir); n != 2 {
		t.Fatalf("maildir queue has %d messages", n)
	}
	once(t, s, switchboard.Maildir, d)

	in := testutil.Drain(t, s, switchboard.In)
	if len(in) != 1 {
		t.Fatalf("in queue has %d messages", len(in))
	}
	if !in[0].Meta.Bool(envelope.KeyToList) || in[0].Meta.ListName() != "ant@example.com" {
		t.Errorf("in meta = %v", in[0].Meta)
	}
	if got := in[0].Message.Header.Get(messagestore.HashHeader); got != messagestore.Hash("<m1@example.com>") {
		t.Errorf("%s = %q", messagestore.HashHeader, got)
	}
	if got := in[0].Message.Header.Get("X-MailFrom"); got != "anne@example.com" {
		t.Errorf("X-MailFrom = %q", got)
	}
	cmds := testutil.Drain(t, s, switchboard.Command)
	if len(cmds) != 1 || !cmds[0].Meta.Bool(envelope.KeyToRequest) {
		t.Fatalf("command queue = %v", cmds)
	}
	if n := testutil.Count(t, s, switchboard.Shunt); n != 0 {
		t.Errorf("shunted %d", n)
	}
}
