package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/digest"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/switchboard"
	"github.com/infodancer/listd/internal/testutil"
)

func setup(t *testing.T, modify ...func(*config.Config)) (*core.Stack, *lists.List, *Processor) {
	t.Helper()
	clock := &testutil.Clock{T: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	s := testutil.NewStack(t, clock, modify...)
	l := testutil.CreateList(t, s, "ant", "example.com", "anne@example.com", "bart@example.com")
	return s, l, New(s)
}

func saveMember(t *testing.T, s *core.Stack, m *lists.Member) {
	t.Helper()
	if err := s.Lists.SaveMember(m); err != nil {
		t.Fatalf("SaveMember() error = %v", err)
	}
}

func runHandler(t *testing.T, p *Processor, name string, l *lists.List, env *envelope.Envelope) Result {
	t.Helper()
	h, ok := p.Handler(name)
	if !ok {
		t.Fatalf("no handler %q", name)
	}
	res, err := h.Process(context.Background(), l, env)
	if err != nil {
		t.Fatalf("%s: Process() error = %v", name, err)
	}
	return res
}

func TestDefaultPostingPipeline(t *testing.T) {
	s, l, p := setup(t)
	env := envelope.New(testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi all"), nil)

	if err := p.Run(context.Background(), l, env, DefaultPosting); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	out := testutil.Drain(t, s, switchboard.Out)
	if len(out) != 1 {
		t.Fatalf("expected 1 outgoing message, got %d", len(out))
	}
	got := out[0]
	rcpts := got.Meta.Recipients()
	if len(rcpts) != 2 || rcpts[0] != "anne@example.com" || rcpts[1] != "bart@example.com" {
		t.Errorf("recipients = %v", rcpts)
	}
	if got.Meta.ListName() != "ant@example.com" {
		t.Errorf("listname = %q", got.Meta.ListName())
	}
	msg := got.Message
	if s := msg.Subject(); s != "[Ant] hello" {
		t.Errorf("Subject = %q", s)
	}
	if v := msg.Header.Get("List-Id"); v != "<ant.example.com>" {
		t.Errorf("List-Id = %q", v)
	}
	if v := msg.Header.Get("List-Post"); v != "<mailto:ant@example.com>" {
		t.Errorf("List-Post = %q", v)
	}
	if v := msg.Header.Get("X-BeenThere"); v != "ant@example.com" {
		t.Errorf("X-BeenThere = %q", v)
	}
	if v := msg.Header.Get("Precedence"); v != "list" {
		t.Errorf("Precedence = %q", v)
	}

	if n := testutil.Count(t, s, switchboard.Archive); n != 1 {
		t.Errorf("archive queue has %d messages", n)
	}
	if _, err := os.Stat(digest.NewAccumulator(s).MailboxPath(l)); err != nil {
		t.Errorf("digest mailbox: %v", err)
	}
	saved, err := s.Lists.List("ant@example.com")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if saved.PostID != 1 {
		t.Errorf("PostID = %d, want 1", saved.PostID)
	}
}

func TestOwnPostingsExcluded(t *testing.T) {
	s, l, p := setup(t)
	anne := lists.NewMember(l.FQDNListName(), "anne@example.com", "", lists.RoleMember)
	anne.Preferences.ReceiveOwnPostings = lists.Bool(false)
	saveMember(t, s, anne)

	env := envelope.New(testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi"), nil)
	runHandler(t, p, "member-recipients", l, env)

	rcpts := env.Meta.Recipients()
	if len(rcpts) != 1 || rcpts[0] != "bart@example.com" {
		t.Errorf("recipients = %v", rcpts)
	}
}

func TestMemberRecipientsSkipsDigestAndDisabled(t *testing.T) {
	s, l, p := setup(t)
	bart := lists.NewMember(l.FQDNListName(), "bart@example.com", "", lists.RoleMember)
	bart.SetDeliveryMode(lists.MIMEDigests)
	saveMember(t, s, bart)
	cris := lists.NewMember(l.FQDNListName(), "cris@example.com", "", lists.RoleMember)
	cris.SetDeliveryStatus(lists.ByBounces)
	saveMember(t, s, cris)

	env := envelope.New(testutil.Post(t, "dan@example.org", "ant@example.com", "hello", "hi"), nil)
	runHandler(t, p, "member-recipients", l, env)

	rcpts := env.Meta.Recipients()
	if len(rcpts) != 1 || rcpts[0] != "anne@example.com" {
		t.Errorf("recipients = %v", rcpts)
	}
}

func TestHandlerErrorStopsRun(t *testing.T) {
	s, l, p := setup(t)
	p.Register(NewHandler("tagger", "fails", func(context.Context, *lists.List, *envelope.Envelope) (Result, error) {
		return Next, errors.New("boom")
	}))
	env := envelope.New(testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi"), nil)

	err := p.Run(context.Background(), l, env, DefaultPosting)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Run() error = %v, want boom", err)
	}
	if n := testutil.Count(t, s, switchboard.Out); n != 0 {
		t.Errorf("outgoing queue has %d messages", n)
	}
}

func TestDiscardAndReject(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		virgin int
	}{
		{"discard", Discarded("not wanted"), 0},
		{"reject", Rejected("not allowed"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, l, p := setup(t)
			p.Register(NewHandler("tagger", tt.name, func(context.Context, *lists.List, *envelope.Envelope) (Result, error) {
				return tt.result, nil
			}))
			env := envelope.New(testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi"), nil)
			if err := p.Run(context.Background(), l, env, DefaultPosting); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if n := testutil.Count(t, s, switchboard.Out); n != 0 {
				t.Errorf("outgoing queue has %d messages", n)
			}
			if n := testutil.Count(t, s, switchboard.Virgin); n != tt.virgin {
				t.Errorf("virgin queue has %d messages, want %d", n, tt.virgin)
			}
		})
	}
}

func TestUnknownPipeline(t *testing.T) {
	_, l, p := setup(t)
	env := envelope.New(testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi"), nil)
	if err := p.Run(context.Background(), l, env, "nope"); err == nil {
		t.Error("expected error for unknown pipeline")
	}
}

func TestPrefixSubject(t *testing.T) {
	tests := []struct {
		prefix  string
		postID  int
		subject string
		want    string
	}{
		{"[Ant] ", 0, "hello", "[Ant] hello"},
		{"[Ant] ", 0, "[Ant] hello", "[Ant] hello"},
		{"[Ant] ", 0, "Re: [Ant] hello", "[Ant] Re: hello"},
		{"[Ant] ", 0, "RE: AW: hello", "[Ant] Re: hello"},
		{"[Ant] ", 0, "", "[Ant] (no subject)"},
		{"[Ant]", 0, "hello", "[Ant] hello"},
		{"[Ant %d] ", 5, "Re: [Ant 4] news", "[Ant 5] Re: news"},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			l := lists.New("ant", "example.com")
			l.SubjectPrefix = tt.prefix
			l.PostID = tt.postID
			env := envelope.New(testutil.Post(t, "anne@example.com", "ant@example.com", "x", "hi"), nil)
			env.Message.SetSubject(tt.subject)
			prefixSubject(l, env)
			if got := env.Message.Subject(); got != tt.want {
				t.Errorf("Subject = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVirginSkipsPrefix(t *testing.T) {
	s, l, p := setup(t)
	env := envelope.New(testutil.Post(t, "ant-owner@example.com", "anne@example.com", "notice", "hi"), nil)
	env.Meta.SetBool(envelope.KeyFastTrack, true)
	env.Meta.SetStrings(envelope.KeyRecipients, []string{"anne@example.com"})

	if err := p.Run(context.Background(), l, env, Virgin); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	out := testutil.Drain(t, s, switchboard.Out)
	if len(out) != 1 {
		t.Fatalf("expected 1 outgoing message, got %d", len(out))
	}
	if got := out[0].Message.Subject(); got != "notice" {
		t.Errorf("Subject = %q", got)
	}
}

func TestReplyToMunging(t *testing.T) {
	l := lists.New("ant", "example.com")
	l.ReplyGoesToList = lists.PointToList
	msg := testutil.Post(t, "anne@example.com", "ant@example.com", "x", "hi")
	msg.Header.Set("Reply-To", "anne@example.net")
	mungeReplyTo(l, msg)

	got := msg.Header.Get("Reply-To")
	if !strings.Contains(got, "anne@example.net") || !strings.Contains(got, "ant@example.com") {
		t.Errorf("Reply-To = %q", got)
	}

	l.FirstStripReplyTo = true
	msg.Header.Set("Reply-To", "anne@example.net")
	mungeReplyTo(l, msg)
	if got := msg.Header.Get("Reply-To"); strings.Contains(got, "anne@example.net") {
		t.Errorf("Reply-To = %q, want the original stripped", got)
	}
}

func TestRFC2369Headers(t *testing.T) {
	_, l, p := setup(t, func(c *config.Config) {
		c.Archiver.BaseURL = "https://archive.example.com/"
	})
	l.WebURL = "https://lists.example.com"
	env := envelope.New(testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi"), nil)
	runHandler(t, p, "rfc-2369", l, env)

	h := env.Message.Header
	if v := h.Get("List-Archive"); v != "<https://archive.example.com/ant@example.com>" {
		t.Errorf("List-Archive = %q", v)
	}
	hash := h.Get("X-Message-ID-Hash")
	if hash == "" {
		t.Fatal("X-Message-ID-Hash not set")
	}
	if v := h.Get("Archived-At"); v != "<https://archive.example.com/ant@example.com/"+hash+">" {
		t.Errorf("Archived-At = %q", v)
	}
	if v := h.Get("List-Help"); v != "<mailto:ant-request@example.com?subject=help>" {
		t.Errorf("List-Help = %q", v)
	}
	if v := h.Get("List-Unsubscribe"); !strings.Contains(v, "https://lists.example.com/listinfo/ant@example.com") ||
		!strings.Contains(v, "<mailto:ant-leave@example.com>") {
		t.Errorf("List-Unsubscribe = %q", v)
	}
}

func TestReducedListHeaders(t *testing.T) {
	_, l, p := setup(t)
	env := envelope.New(testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi"), nil)
	env.Meta.SetBool(envelope.KeyReducedListHeaders, true)
	runHandler(t, p, "rfc-2369", l, env)

	if env.Message.Header.Has("List-Post") {
		t.Error("List-Post set on reduced headers")
	}
	if !env.Message.Header.Has("List-Id") {
		t.Error("List-Id missing")
	}
}

func TestFold(t *testing.T) {
	short := fold("List-Help", "<mailto:a@example.com>")
	if strings.Contains(short, "\r\n") {
		t.Errorf("short value folded: %q", short)
	}
	long := fold("List-Unsubscribe", "<https://lists.example.com/listinfo/a-very-long-list-name@example.com>, <mailto:a-very-long-list-name-leave@example.com>")
	if !strings.Contains(long, ",\r\n\t<mailto:") {
		t.Errorf("long value not folded: %q", long)
	}
}

func TestCleanseAnonymous(t *testing.T) {
	_, l, p := setup(t)
	l.Anonymous = true
	msg := testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi")
	msg.Header.Set("Approved", "secret")
	msg.Header.Set("Organization", "Anne Inc")
	env := envelope.New(msg, nil)
	runHandler(t, p, "cleanse", l, env)

	if msg.Header.Has("Approved") || msg.Header.Has("Organization") {
		t.Error("headers not cleansed")
	}
	if v := msg.Header.Get("From"); !strings.Contains(v, "ant@example.com") || strings.Contains(v, "anne") {
		t.Errorf("From = %q", v)
	}
}

func TestAvoidDuplicates(t *testing.T) {
	s, l, p := setup(t)
	bart := lists.NewMember(l.FQDNListName(), "bart@example.com", "", lists.RoleMember)
	bart.Preferences.ReceiveListCopy = lists.Bool(false)
	saveMember(t, s, bart)

	msg := testutil.Post(t, "cris@example.org", "ant@example.com", "hello", "hi")
	msg.Header.Set("Cc", "bart@example.com, anne@example.com")
	env := envelope.New(msg, nil)
	env.Meta.SetStrings(envelope.KeyRecipients, []string{"anne@example.com", "bart@example.com"})
	runHandler(t, p, "avoid-duplicates", l, env)

	rcpts := env.Meta.Recipients()
	if len(rcpts) != 1 || rcpts[0] != "anne@example.com" {
		t.Errorf("recipients = %v", rcpts)
	}
	dups := env.Meta.Strings(envelope.KeyAddDupHeader)
	if len(dups) != 1 || dups[0] != "anne@example.com" {
		t.Errorf("add-dup-header = %v", dups)
	}
	if cc := msg.Header.Get("Cc"); strings.Contains(cc, "bart") {
		t.Errorf("Cc = %q", cc)
	}
}

func TestTagger(t *testing.T) {
	_, l, p := setup(t)
	l.TopicsEnabled = true
	l.Topics = []lists.Topic{
		{Name: "gadgets", Pattern: "widget\ngizmo"},
		{Name: "food", Pattern: "pizza"},
	}
	msg := testutil.Post(t, "anne@example.com", "ant@example.com", "New GIZMO", "Keywords: pizza\n\nhello")
	env := envelope.New(msg, nil)
	runHandler(t, p, "tagger", l, env)

	hits := env.Meta.Strings(envelope.KeyTopicHits)
	if len(hits) != 2 || hits[0] != "food" || hits[1] != "gadgets" {
		t.Errorf("topic hits = %v", hits)
	}
	if v := msg.Header.Get("X-Topics"); v != "food, gadgets" {
		t.Errorf("X-Topics = %q", v)
	}
}

func attachment(ctype, filename, body string) *email.Message {
	m := email.NewText("plain", body)
	m.Header.Set("Content-Type", ctype)
	m.Header.Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	return m
}

func TestMimeDeleteExtension(t *testing.T) {
	_, l, p := setup(t)
	l.FilterContent = true
	l.FilterExtensions = []string{"EXE"}
	msg := email.NewMultipart("mixed",
		email.NewText("plain", "hello"),
		attachment("application/octet-stream", "run.exe", "MZ"),
		attachment("application/pdf", "notes.pdf", "%PDF"),
	)
	msg.Header.Set("From", "anne@example.com")
	env := envelope.New(msg, nil)

	if res := runHandler(t, p, "mime-delete", l, env); res.Kind != Continue {
		t.Fatalf("result = %v", res.Kind)
	}
	if len(msg.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(msg.Parts))
	}
	if msg.Parts[1].Filename() != "notes.pdf" {
		t.Errorf("kept %q", msg.Parts[1].Filename())
	}
	if !strings.HasPrefix(msg.Header.Get(FilteredByHeader), "listd/MimeDel") {
		t.Errorf("%s = %q", FilteredByHeader, msg.Header.Get(FilteredByHeader))
	}
}

func TestMimeDeleteDispose(t *testing.T) {
	tests := []struct {
		action lists.FilterAction
		kind   Kind
		bad    int
	}{
		{lists.FilterDiscard, Discard, 0},
		{lists.FilterReject, Reject, 0},
		{lists.FilterPreserve, Discard, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			s, l, p := setup(t)
			l.FilterContent = true
			l.FilterTypes = []string{"image"}
			l.FilterAction = tt.action
			msg := email.NewText("plain", "binary")
			msg.Header.Set("Content-Type", "image/png")
			msg.Header.Set("From", "anne@example.com")
			env := envelope.New(msg, nil)

			res := runHandler(t, p, "mime-delete", l, env)
			if res.Kind != tt.kind {
				t.Errorf("result = %v, want %v", res.Kind, tt.kind)
			}
			if n := testutil.Count(t, s, switchboard.Bad); n != tt.bad {
				t.Errorf("bad queue has %d messages, want %d", n, tt.bad)
			}
		})
	}
}

func TestMimeDeleteEmptied(t *testing.T) {
	_, l, p := setup(t)
	l.FilterContent = true
	l.PassTypes = []string{"multipart", "text/plain"}
	msg := email.NewMultipart("mixed", attachment("application/zip", "a.zip", "PK"))
	env := envelope.New(msg, nil)

	res := runHandler(t, p, "mime-delete", l, env)
	if res.Kind != Discard || !strings.Contains(res.Reason, "empty") {
		t.Errorf("result = %+v", res)
	}
}

func TestCollapseAlternatives(t *testing.T) {
	_, l, p := setup(t)
	l.FilterContent = true
	l.CollapseAlternatives = true
	alt := email.NewMultipart("alternative",
		email.NewText("plain", "plain body"),
		email.NewText("html", "<p>html body</p>"),
	)
	msg := email.NewMultipart("mixed", alt, attachment("application/pdf", "a.pdf", "%PDF"))
	env := envelope.New(msg, nil)
	runHandler(t, p, "mime-delete", l, env)

	if len(msg.Parts) != 2 {
		t.Fatalf("parts = %d", len(msg.Parts))
	}
	if mt := msg.Parts[0].MediaType(); mt != "text/plain" {
		t.Errorf("first part = %s", mt)
	}
}

type fakeConverter struct{}

func (fakeConverter) Convert(_ context.Context, html []byte) (string, error) {
	return strings.NewReplacer("<p>", "", "</p>", "").Replace(string(html)), nil
}

func TestHTMLToPlaintext(t *testing.T) {
	s, l, _ := setup(t)
	l.FilterContent = true
	l.ConvertHTMLToPlaintext = true
	h := &mimeDelete{stack: s, converter: fakeConverter{}}
	msg := email.NewText("html", "<p>hello</p>")
	env := envelope.New(msg, nil)

	if _, err := h.Process(context.Background(), l, env); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if mt := msg.MediaType(); mt != "text/plain" {
		t.Errorf("media type = %s", mt)
	}
	text, err := msg.Text()
	if err != nil {
		t.Fatalf("Text() error = %v", err)
	}
	if strings.TrimSpace(text) != "hello" {
		t.Errorf("text = %q", text)
	}
}

func TestAcknowledge(t *testing.T) {
	s, l, p := setup(t)
	anne := lists.NewMember(l.FQDNListName(), "anne@example.com", "", lists.RoleMember)
	anne.Preferences.AcknowledgePosts = lists.Bool(true)
	saveMember(t, s, anne)

	env := envelope.New(testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "hi"), nil)
	runHandler(t, p, "acknowledge", l, env)

	acks := testutil.Drain(t, s, switchboard.Virgin)
	if len(acks) != 1 {
		t.Fatalf("expected 1 acknowledgment, got %d", len(acks))
	}
	if rcpts := acks[0].Meta.Recipients(); len(rcpts) != 1 || rcpts[0] != "anne@example.com" {
		t.Errorf("recipients = %v", rcpts)
	}

	env.Meta.SetBool(envelope.KeyNoAck, true)
	runHandler(t, p, "acknowledge", l, env)
	if n := testutil.Count(t, s, switchboard.Virgin); n != 0 {
		t.Errorf("noack sent %d acknowledgments", n)
	}
}

func TestOwnerRecipients(t *testing.T) {
	s, l, p := setup(t)
	testutil.AddRole(t, s, l, "owner@example.com", lists.RoleOwner)
	testutil.AddRole(t, s, l, "mod@example.com", lists.RoleModerator)
	env := envelope.New(testutil.Post(t, "cris@example.org", "ant-owner@example.com", "help", "hi"), nil)
	runHandler(t, p, "owner-recipients", l, env)

	rcpts := env.Meta.Recipients()
	if len(rcpts) != 2 || rcpts[0] != "mod@example.com" || rcpts[1] != "owner@example.com" {
		t.Errorf("recipients = %v", rcpts)
	}
	if !env.Meta.Bool(envelope.KeyNoDecorate) {
		t.Error("owner mail should not be decorated")
	}
}
