package decorate

import (
	"strings"
	"testing"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

func parse(t *testing.T, raw string) *email.Message {
	t.Helper()
	msg, err := email.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestExpand(t *testing.T) {
	got := Expand("Hello $user_name   \r\nfrom ${list_name} $unknown\n", map[string]string{
		"user_name": "Anne",
		"list_name": "ant",
	})
	if got != "Hello Anne\nfrom ant ${unknown}\n" {
		t.Errorf("Expand() = %q", got)
	}
}

func TestPlainTextInline(t *testing.T) {
	l := lists.New("ant", "example.com")
	l.HeaderTemplate = "Welcome to $display_name"
	l.FooterTemplate = "--\nunsubscribe: $list_requests"

	msg := parse(t, "From: a@example.com\r\nContent-Type: text/plain; charset=us-ascii; format=flowed\r\n\r\nbody text")
	Message(l, msg, envelope.Metadata{}, nil)

	if msg.IsMultipart() {
		t.Fatal("plain text message was wrapped")
	}
	text, err := msg.Text()
	if err != nil {
		t.Fatal(err)
	}
	want := "Welcome to Ant\nbody text\n--\nunsubscribe: ant-request@example.com"
	if text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
	if _, params := msg.ContentType(); params["format"] != "flowed" {
		t.Errorf("format parameter lost: %v", params)
	}
}

func TestMemberVars(t *testing.T) {
	l := lists.New("ant", "example.com")
	l.HeaderTemplate = ""
	l.FooterTemplate = "sent to $user_address ($user_name)"
	m := lists.NewMember(l.FQDNListName(), "anne@example.com", "Anne Person", lists.RoleMember)

	meta := envelope.Metadata{}
	meta.SetString(envelope.KeyRecipient, "anne@example.com")
	msg := parse(t, "From: a@example.com\r\n\r\nhi\r\n")
	Message(l, msg, meta, m)

	text, _ := msg.Text()
	if !strings.HasSuffix(text, "sent to anne@example.com (Anne Person)") {
		t.Errorf("text = %q", text)
	}
}

func TestMultipartMixed(t *testing.T) {
	l := lists.New("ant", "example.com")
	l.HeaderTemplate = "HEADER"
	l.FooterTemplate = "FOOTER"

	msg := email.NewMultipart("mixed", email.NewText("plain", "one"), email.NewText("plain", "two"))
	Message(l, msg, envelope.Metadata{}, nil)

	if len(msg.Parts) != 4 {
		t.Fatalf("expected 4 parts, got %d", len(msg.Parts))
	}
	first, _ := msg.Parts[0].Text()
	last, _ := msg.Parts[3].Text()
	if first != "HEADER" || last != "FOOTER" {
		t.Errorf("decorations = %q, %q", first, last)
	}
	if msg.Parts[0].Header.Get("Content-Disposition") != "inline" {
		t.Error("expected inline disposition")
	}
}

func TestWrapHTML(t *testing.T) {
	l := lists.New("ant", "example.com")
	l.HeaderTemplate = ""
	l.FooterTemplate = "FOOTER"

	msg := parse(t, "From: a@example.com\r\nSubject: hi\r\nContent-Type: text/html\r\n\r\n<p>hi</p>\r\n")
	Message(l, msg, envelope.Metadata{}, nil)

	if msg.MediaType() != "multipart/mixed" || len(msg.Parts) != 2 {
		t.Fatalf("expected wrapped message, got %s with %d parts", msg.MediaType(), len(msg.Parts))
	}
	if msg.Parts[0].MediaType() != "text/html" {
		t.Errorf("inner type = %s", msg.Parts[0].MediaType())
	}
	if msg.Header.Get("Subject") != "hi" {
		t.Error("outer headers lost")
	}

	again := parse(t, string(msg.Bytes()))
	if len(again.Parts) != 2 {
		t.Errorf("round trip parts = %d", len(again.Parts))
	}
}

func TestSkipped(t *testing.T) {
	l := lists.New("ant", "example.com")
	for _, key := range []string{envelope.KeyIsDigest, envelope.KeyNoDecorate} {
		meta := envelope.Metadata{}
		meta.SetBool(key, true)
		msg := parse(t, "From: a@example.com\r\n\r\nhi\r\n")
		Message(l, msg, meta, nil)
		if text, _ := msg.Text(); text != "hi\r\n" {
			t.Errorf("%s: text = %q", key, text)
		}
	}
}
