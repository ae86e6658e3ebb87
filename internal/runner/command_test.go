package runner

import (
	"strings"
	"testing"

	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/testutil"
)

func commandMeta(l *lists.List, sub, rcpt string) envelope.Metadata {
	meta := envelope.Metadata{}
	meta.SetString(envelope.KeyListName, l.FQDNListName())
	meta.SetString(envelope.KeySubaddress, sub)
	meta.SetString(envelope.KeyRecipient, rcpt)
	return meta
}

// splitNotices separates command results from other notices.
func splitNotices(t *testing.T, envs []*envelope.Envelope) (results string, others []*envelope.Envelope) {
	t.Helper()
	for _, env := range envs {
		if env.Message.Subject() == "The results of your email commands" {
			text, err := env.Message.Text()
			if err != nil {
				t.Fatalf("Text() error = %v", err)
			}
			results = text
			continue
		}
		others = append(others, env)
	}
	return results, others
}

func TestJoinAndConfirm(t *testing.T) {
	_, _, s, l := setup(t)
	d := build(t, s, switchboard.Command)

	join := testutil.Post(t, "cris@example.net", "ant-join@example.com", "join", "")
	enqueue(t, s, switchboard.Command, join, commandMeta(l, "join", "ant-join@example.com"))
	once(t, s, switchboard.Command, d)

	results, others := splitNotices(t, testutil.Drain(t, s, switchboard.Virgin))
	if !strings.Contains(results, "Confirmation email sent to cris@example.net") {
		t.Errorf("join results:\n%s", results)
	}
	if len(others) != 1 {
		t.Fatalf("expected 1 confirmation message, got %d", len(others))
	}
	conf := others[0]
	if got := conf.Meta.Recipients(); len(got) != 1 || got[0] != "cris@example.net" {
		t.Errorf("confirmation recipients = %v", got)
	}
	token, ok := strings.CutPrefix(conf.Message.Subject(), "confirm ")
	if !ok || token == "" {
		t.Fatalf("confirmation Subject = %q", conf.Message.Subject())
	}
	if from := conf.Message.Header.Get("From"); !strings.Contains(from, l.ConfirmAddress(token)) {
		t.Errorf("confirmation From = %q", from)
	}
	if _, err := s.Lists.Member(l.FQDNListName(), lists.RoleMember, "cris@example.net"); err == nil {
		t.Fatal("subscribed before confirmation")
	}

	reply := testutil.Post(t, "cris@example.net", l.ConfirmAddress(token), "Re: confirm "+token, "")
	enqueue(t, s, switchboard.Command, reply, commandMeta(l, "confirm", l.ConfirmAddress(token)))
	once(t, s, switchboard.Command, d)

	if _, err := s.Lists.Member(l.FQDNListName(), lists.RoleMember, "cris@example.net"); err != nil {
		t.Fatalf("not subscribed after confirmation: %v", err)
	}
	results, _ = splitNotices(t, testutil.Drain(t, s, switchboard.Virgin))
	if !strings.Contains(results, "Confirmed") {
		t.Errorf("confirm results:\n%s", results)
	}
	if strings.Contains(results, "did not match") {
		t.Errorf("token confirmed twice:\n%s", results)
	}
}

func TestLeaveRequiresMembership(t *testing.T) {
	_, _, s, l := setup(t)
	msg := testutil.Post(t, "cris@example.net", "ant-leave@example.com", "bye", "")
	enqueue(t, s, switchboard.Command, msg, commandMeta(l, "leave", "ant-leave@example.com"))
	once(t, s, switchboard.Command, build(t, s, switchboard.Command))

	results, others := splitNotices(t, testutil.Drain(t, s, switchboard.Virgin))
	if !strings.Contains(results, "cris@example.net is not a member of ant@example.com") {
		t.Errorf("results:\n%s", results)
	}
	if !strings.Contains(results, "- Unprocessed:") {
		t.Errorf("expected the subject to be unprocessed:\n%s", results)
	}
	if len(others) != 0 {
		t.Errorf("sent %d confirmations", len(others))
	}
}

func TestLeaveAndConfirm(t *testing.T) {
	_, _, s, l := setup(t)
	d := build(t, s, switchboard.Command)
	msg := testutil.Post(t, "anne@example.com", "ant-request@example.com", "unsubscribe", "")
	enqueue(t, s, switchboard.Command, msg, commandMeta(l, "request", "ant-request@example.com"))
	once(t, s, switchboard.Command, d)

	_, others := splitNotices(t, testutil.Drain(t, s, switchboard.Virgin))
	if len(others) != 1 {
		t.Fatalf("expected 1 confirmation, got %d", len(others))
	}
	token := strings.TrimPrefix(others[0].Message.Subject(), "confirm ")

	body := "confirm " + token + "\n"
	reply := testutil.Post(t, "anne@example.com", "ant-request@example.com", "", body)
	enqueue(t, s, switchboard.Command, reply, commandMeta(l, "request", "ant-request@example.com"))
	once(t, s, switchboard.Command, d)

	if _, err := s.Lists.Member(l.FQDNListName(), lists.RoleMember, "anne@example.com"); err == nil {
		t.Error("still a member after confirming")
	}
}

func TestCommandBodyLimit(t *testing.T) {
	_, _, s, l := setup(t)
	s.Config.EmailCommandsMaxLines = 2
	body := "echo one\necho two\necho three\n"
	msg := testutil.Post(t, "cris@example.net", "ant-request@example.com", "", body)
	msg.Header.Del("Subject")
	enqueue(t, s, switchboard.Command, msg, commandMeta(l, "request", "ant-request@example.com"))
	once(t, s, switchboard.Command, build(t, s, switchboard.Command))

	results, _ := splitNotices(t, testutil.Drain(t, s, switchboard.Virgin))
	for _, want := range []string{"> echo one", "echo two", "- Ignored:", "echo three", "- Done."} {
		if !strings.Contains(results, want) {
			t.Errorf("results missing %q:\n%s", want, results)
		}
	}
	if strings.Contains(results, "> echo three") {
		t.Errorf("ignored line was run:\n%s", results)
	}
}

func TestBulkCommandMailDiscarded(t *testing.T) {
	_, _, s, l := setup(t)
	msg := testutil.Post(t, "cris@example.net", "ant-request@example.com", "help", "")
	msg.Header.Set("Precedence", "bulk")
	enqueue(t, s, switchboard.Command, msg, commandMeta(l, "request", "ant-request@example.com"))
	once(t, s, switchboard.Command, build(t, s, switchboard.Command))

	if n := testutil.Count(t, s, switchboard.Virgin); n != 0 {
		t.Errorf("replied %d times to bulk mail", n)
	}
}

func TestStripReply(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"confirm abc", "confirm abc"},
		{"Re: confirm abc", "confirm abc"},
		{"RE: Fwd: re: help", "help"},
		{"  ", ""},
	}
	for _, tt := range tests {
		if got := stripReply(tt.in); got != tt.want {
			t.Errorf("stripReply(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
