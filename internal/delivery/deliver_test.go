package delivery

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/testutil"
)

func mtaAt(t *testing.T, addr string) func(*config.Config) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	return func(c *config.Config) {
		c.MTA.SMTPHost = host
		c.MTA.SMTPPort = p
	}
}

func setup(t *testing.T, modify ...func(*config.Config)) (*testutil.SMTPBackend, *core.Stack, *lists.List, *Deliverer) {
	t.Helper()
	be, addr := testutil.SMTPServer(t)
	s := testutil.NewStack(t, nil, append([]func(*config.Config){mtaAt(t, addr)}, modify...)...)
	l := testutil.CreateList(t, s, "ant", "example.com", "anne@example.com", "bart@example.org")
	d, err := New(s)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return be, s, l, d
}

func outgoing(t *testing.T, rcpts ...string) *envelope.Envelope {
	t.Helper()
	env := envelope.New(testutil.Post(t, "cris@example.net", "ant@example.com", "hello", "hi all"), nil)
	env.Meta.SetStrings(envelope.KeyRecipients, rcpts)
	return env
}

func checkPartition(t *testing.T, res *Result, rcpts []string) {
	t.Helper()
	seen := map[string]int{}
	for _, r := range res.Succeeded {
		seen[r]++
	}
	for r := range res.Permanent {
		seen[r]++
	}
	for r := range res.Temporary {
		seen[r]++
	}
	if len(seen) != len(rcpts) {
		t.Errorf("result covers %d recipients, want %d", len(seen), len(rcpts))
	}
	for _, r := range rcpts {
		if seen[r] != 1 {
			t.Errorf("%s appears %d times in the result", r, seen[r])
		}
	}
}

func TestBulkDelivery(t *testing.T) {
	be, _, l, d := setup(t)
	rcpts := []string{"anne@example.com", "bart@example.org"}
	res := d.Deliver(context.Background(), l, outgoing(t, rcpts...))

	checkPartition(t, res, rcpts)
	if len(res.Succeeded) != 2 {
		t.Fatalf("succeeded = %v", res.Succeeded)
	}
	msgs := be.Messages()
	// .org and .com fall in different buckets.
	if len(msgs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.From != "ant-bounces@example.com" {
			t.Errorf("MAIL FROM = %q", m.From)
		}
		if !bytes.Contains(m.Data, []byte("Ant mailing list -- ant@example.com")) {
			t.Errorf("message not decorated:\n%s", m.Data)
		}
	}
}

func TestMaxRecipients(t *testing.T) {
	be, _, l, d := setup(t, func(c *config.Config) { c.MTA.MaxRecipients = 2 })
	rcpts := []string{"a@example.com", "b@example.com", "c@example.com"}
	res := d.Deliver(context.Background(), l, outgoing(t, rcpts...))

	checkPartition(t, res, rcpts)
	msgs := be.Messages()
	if len(msgs) != 2 || len(msgs[0].To) != 2 || len(msgs[1].To) != 1 {
		t.Errorf("transactions = %d", len(msgs))
	}
}

func TestFailureClassification(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{550, true},
		{553, true},
		{552, false},
		{450, false},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			be, _, l, d := setup(t)
			be.SetRcptErr("gone@example.com", &smtp.SMTPError{Code: tt.code, Message: "no"})
			rcpts := []string{"anne@example.com", "gone@example.com"}
			res := d.Deliver(context.Background(), l, outgoing(t, rcpts...))

			checkPartition(t, res, rcpts)
			_, perm := res.Permanent["gone@example.com"]
			_, temp := res.Temporary["gone@example.com"]
			if perm != tt.permanent || temp == tt.permanent {
				t.Errorf("permanent=%v temporary=%v", perm, temp)
			}
			if len(res.Succeeded) != 1 || res.Succeeded[0] != "anne@example.com" {
				t.Errorf("succeeded = %v", res.Succeeded)
			}
		})
	}
}

func TestServerFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := testutil.NewStack(t, nil, mtaAt(t, addr))
	l := testutil.CreateList(t, s, "ant", "example.com")
	d, err := New(s)
	if err != nil {
		t.Fatal(err)
	}
	rcpts := []string{"anne@example.com", "bart@example.org"}
	res := d.Deliver(context.Background(), l, outgoing(t, rcpts...))

	checkPartition(t, res, rcpts)
	for _, r := range rcpts {
		if f, ok := res.Temporary[r]; !ok || f.Code != CodeServerFailure {
			t.Errorf("%s: %+v", r, res.Temporary[r])
		}
	}
}

func TestVERPDelivery(t *testing.T) {
	be, s, l, d := setup(t)
	env := outgoing(t, "anne@example.com", "bart@example.org")
	env.Meta.SetBool(envelope.KeyVERP, true)
	d.Deliver(context.Background(), l, env)

	msgs := be.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(msgs))
	}
	re := regexp.MustCompile(s.Config.MTA.VERPRegexp)
	for _, m := range msgs {
		got, ok := ParseVERP(re, m.From)
		if !ok || got != m.To[0] {
			t.Errorf("MAIL FROM %q decodes to %q, want %q", m.From, got, m.To[0])
		}
	}
}

func TestVERPRoundTrip(t *testing.T) {
	re := regexp.MustCompile(config.Default().MTA.VERPRegexp)
	format := config.Default().MTA.VERPFormat
	for _, rcpt := range []string{"anne@example.com", "a.b-c@mail.example.org", "x+tag@example.net", "a=b@dom.ain", "a==b=@example.org"} {
		sender := VERPSender(format, "ant-bounces@example.com", rcpt)
		got, ok := ParseVERP(re, sender)
		if !ok || got != rcpt {
			t.Errorf("%s: %q decodes to %q", rcpt, sender, got)
		}
	}
	if VERPSender(format, "ant-bounces@example.com", "nodomain") != "" {
		t.Error("VERP of an unqualified recipient should fail")
	}
}

func TestDecideVERP(t *testing.T) {
	l := lists.New("ant", "example.com")
	tests := []struct {
		name     string
		interval int
		postID   int
		personal lists.Personalization
		want     bool
	}{
		{"off", 0, 3, lists.PersonalizeNone, false},
		{"every post", 1, 3, lists.PersonalizeNone, true},
		{"interval hit", 3, 6, lists.PersonalizeNone, true},
		{"interval miss", 3, 7, lists.PersonalizeNone, false},
		{"personalized", 0, 7, lists.PersonalizeFull, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.MTAConfig{VERPDeliveryInterval: tt.interval, VERPPersonalizedDeliveries: true}
			l.PostID = tt.postID
			l.Personalize = tt.personal
			if got := DecideVERP(cfg, l, envelope.Metadata{}); got != tt.want {
				t.Errorf("DecideVERP() = %v, want %v", got, tt.want)
			}
		})
	}

	meta := envelope.Metadata{}
	meta.SetBool(envelope.KeyVERP, false)
	if DecideVERP(config.MTAConfig{VERPDeliveryInterval: 1}, l, meta) {
		t.Error("explicit verp=false overridden")
	}
}

func TestPersonalizedDelivery(t *testing.T) {
	be, s, l, d := setup(t)
	l.Personalize = lists.PersonalizeFull
	anne := lists.NewMember(l.FQDNListName(), "anne@example.com", "Anne Ant", lists.RoleMember)
	if err := s.Lists.SaveMember(anne); err != nil {
		t.Fatal(err)
	}
	env := outgoing(t, "anne@example.com", "bart@example.org")
	env.Meta.SetBool(envelope.KeyVERP, false)
	env.Meta.SetStrings(envelope.KeyAddDupHeader, []string{"bart@example.org"})
	d.Deliver(context.Background(), l, env)

	msgs := be.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(msgs))
	}
	for _, m := range msgs {
		data := string(m.Data)
		switch m.To[0] {
		case "anne@example.com":
			if !strings.Contains(data, `To: "Anne Ant" <anne@example.com>`) {
				t.Errorf("anne's copy:\n%s", data)
			}
			if strings.Contains(data, "X-Mailman-Duplicate") {
				t.Error("anne's copy marked duplicate")
			}
		case "bart@example.org":
			if !strings.Contains(data, "X-Mailman-Duplicate: yes") {
				t.Errorf("bart's copy not marked duplicate:\n%s", data)
			}
		}
	}
	if !strings.HasPrefix(env.Message.Header.Get("To"), "ant@example.com") {
		t.Errorf("envelope message modified: To = %q", env.Message.Header.Get("To"))
	}
}

func TestSessionCap(t *testing.T) {
	tests := []struct {
		max  int
		want int
	}{
		{0, 1},
		{1, 3},
		{2, 2},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.max), func(t *testing.T) {
			be, _, l, d := setup(t, func(c *config.Config) { c.MTA.MaxSessionsPerConnection = tt.max })
			env := outgoing(t, "a@example.com", "b@example.com", "c@example.com")
			env.Meta.SetBool(envelope.KeyVERP, true)
			d.Deliver(context.Background(), l, env)
			d.Close()
			if got := be.Sessions(); got != tt.want {
				t.Errorf("connections = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAuth(t *testing.T) {
	be, _, l, d := setup(t, func(c *config.Config) {
		c.MTA.SMTPUser = "listd"
		c.MTA.SMTPPass = "secret"
	})
	d.Deliver(context.Background(), l, outgoing(t, "anne@example.com"))
	msgs := be.Messages()
	if len(msgs) != 1 || msgs[0].AuthUser != "listd" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestNoListUsesSiteOwner(t *testing.T) {
	be, s, _, d := setup(t)
	d.Deliver(context.Background(), nil, outgoing(t, "anne@example.com"))
	msgs := be.Messages()
	if len(msgs) != 1 || msgs[0].From != s.Config.SiteOwner {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestChunk(t *testing.T) {
	rcpts := []string{
		"a@x.com", "b@x.de", "c@x.org", "d@x.com", "e@x.edu", "f@x.net", "g@x.com",
	}
	got := Chunk(rcpts, 2)
	want := [][]string{
		{"e@x.edu"},
		{"c@x.org", "f@x.net"},
		{"a@x.com", "d@x.com"},
		{"g@x.com"},
		{"b@x.de"},
	}
	if len(got) != len(want) {
		t.Fatalf("Chunk() = %v", got)
	}
	for i := range want {
		if strings.Join(got[i], ",") != strings.Join(want[i], ",") {
			t.Errorf("chunk %d = %v, want %v", i, got[i], want[i])
		}
	}
	if n := len(Chunk(rcpts, 0)); n != 4 {
		t.Errorf("unlimited Chunk() gave %d chunks, want 4", n)
	}
}

func TestDKIMSigning(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "dkim.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}

	signer, err := NewSigner(config.DKIMConfig{Domain: "example.com", Selector: "listd", KeyFile: path})
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	msg := testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi")
	out, err := signer.Sign(msg.Bytes())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !bytes.HasPrefix(out, []byte("DKIM-Signature:")) {
		t.Errorf("signed message starts with %q", out[:40])
	}
	if !bytes.Contains(out, []byte("d=example.com")) || !bytes.Contains(out, []byte("s=listd")) {
		t.Errorf("signature missing domain or selector:\n%s", out)
	}
}

func TestTransactionRefused(t *testing.T) {
	tests := []struct {
		name string
		set  func(be *testutil.SMTPBackend)
		code int
	}{
		{"at MAIL", func(be *testutil.SMTPBackend) {
			be.MailErr = &smtp.SMTPError{Code: 451, Message: "sender check failed"}
		}, 451},
		{"at DATA", func(be *testutil.SMTPBackend) {
			be.DataErr = &smtp.SMTPError{Code: 554, Message: "content refused"}
		}, 554},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be, _, l, d := setup(t)
			tt.set(be)
			rcpts := []string{"anne@example.com", "bart@example.org"}
			res := d.Deliver(context.Background(), l, outgoing(t, rcpts...))

			checkPartition(t, res, rcpts)
			if len(res.Permanent) != 0 {
				t.Errorf("permanent = %v", res.Permanent)
			}
			for _, r := range rcpts {
				if f, ok := res.Temporary[r]; !ok || f.Code != tt.code {
					t.Errorf("%s: %+v, want code %d", r, res.Temporary[r], tt.code)
				}
			}
		})
	}
}
