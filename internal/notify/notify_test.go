package notify_test

import (
	"strings"
	"testing"
	"time"

	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/notify"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/testutil"
)

func TestSendUser(t *testing.T) {
	s := testutil.NewStack(t, &testutil.Clock{T: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)})
	l := testutil.CreateList(t, s, "ant", "example.com")

	msg, err := s.Notifier.Message(l.OwnerAddress(), "anne@example.com", "Hello", "body text")
	if err != nil {
		t.Fatal(err)
	}
	if msg.MessageID() == "" || msg.Header.Get("Date") == "" {
		t.Error("expected notice to be stamped")
	}
	if err := s.Notifier.SendUser(l, msg, "Anne@example.com"); err != nil {
		t.Fatal(err)
	}

	envs := testutil.Drain(t, s, switchboard.Virgin)
	if len(envs) != 1 {
		t.Fatalf("expected 1 virgin envelope, got %d", len(envs))
	}
	meta := envs[0].Meta
	if got := meta.Recipients(); len(got) != 1 || got[0] != "anne@example.com" {
		t.Errorf("recipients = %v", got)
	}
	if !meta.Bool(envelope.KeyNoDecorate) || !meta.Bool(envelope.KeyReducedListHeaders) {
		t.Error("expected undecorated notice with reduced headers")
	}
	if meta.ListName() != "ant@example.com" {
		t.Errorf("listname = %q", meta.ListName())
	}
}

func TestSendOwners(t *testing.T) {
	s := testutil.NewStack(t, nil)
	l := testutil.CreateList(t, s, "ant", "example.com")
	testutil.AddRole(t, s, l, "owner@example.com", lists.RoleOwner)
	testutil.AddRole(t, s, l, "mod@example.com", lists.RoleModerator)

	original := testutil.Post(t, "anne@example.com", "ant@example.com", "spam", "buy now")
	if err := s.Notifier.SendOwners(l, "Unrecognized bounce", "see attached", original); err != nil {
		t.Fatal(err)
	}

	envs := testutil.Drain(t, s, switchboard.Virgin)
	if len(envs) != 1 {
		t.Fatalf("expected 1 virgin envelope, got %d", len(envs))
	}
	got := envs[0].Meta.Recipients()
	if len(got) != 2 || got[0] != "owner@example.com" || got[1] != "mod@example.com" {
		t.Errorf("recipients = %v", got)
	}
	if !envs[0].Meta.Bool(envelope.KeyToModerators) {
		t.Error("expected tomoderators")
	}
	msg := envs[0].Message
	if msg.MediaType() != "multipart/mixed" || len(msg.Parts) != 2 {
		t.Fatalf("expected two-part multipart/mixed, got %s with %d parts", msg.MediaType(), len(msg.Parts))
	}
	if msg.Parts[1].MediaType() != "message/rfc822" {
		t.Errorf("attachment type = %s", msg.Parts[1].MediaType())
	}
}

func TestSendOwnersWithoutAdministrators(t *testing.T) {
	s := testutil.NewStack(t, nil)
	l := testutil.CreateList(t, s, "ant", "example.com")

	if err := s.Notifier.SendOwners(l, "subject", "text", nil); err != nil {
		t.Fatal(err)
	}
	if n := testutil.Count(t, s, switchboard.Virgin); n != 0 {
		t.Errorf("expected no notice, got %d", n)
	}
}

func TestBounce(t *testing.T) {
	s := testutil.NewStack(t, nil)
	l := testutil.CreateList(t, s, "ant", "example.com")
	original := testutil.Post(t, "cris@example.org", "ant@example.com", "hello", "text")

	if err := s.Notifier.Bounce(l, original, "cris@example.org", []string{"Message has implicit destination"}); err != nil {
		t.Fatal(err)
	}

	envs := testutil.Drain(t, s, switchboard.Virgin)
	if len(envs) != 1 {
		t.Fatalf("expected 1 bounce, got %d", len(envs))
	}
	msg := envs[0].Message
	if msg.Subject() != "hello" {
		t.Errorf("Subject = %q", msg.Subject())
	}
	if msg.Header.Get("From") != l.OwnerAddress() {
		t.Errorf("From = %q", msg.Header.Get("From"))
	}
	text, err := msg.Parts[0].Text()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "implicit destination") {
		t.Errorf("notice = %q", text)
	}
}

func TestBounceWithoutSender(t *testing.T) {
	s := testutil.NewStack(t, nil)
	l := testutil.CreateList(t, s, "ant", "example.com")
	original := testutil.Post(t, "cris@example.org", "ant@example.com", "hello", "text")

	if err := s.Notifier.Bounce(l, original, "", nil); err != nil {
		t.Fatal(err)
	}
	if n := testutil.Count(t, s, switchboard.Virgin); n != 0 {
		t.Errorf("expected nothing enqueued, got %d", n)
	}
}

func TestVars(t *testing.T) {
	l := lists.New("ant", "example.com")
	vars := map[string]string{}
	for k, v := range notify.Vars(l) {
		vars[k] = v
	}
	if vars["listname"] != "ant@example.com" || vars["request_email"] != "ant-request@example.com" {
		t.Errorf("Vars() = %v", vars)
	}
}
