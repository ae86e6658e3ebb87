package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/testutil"
)

func TestPermalinker(t *testing.T) {
	l := lists.New("ant", "example.com")
	p := NewPermalinker(config.ArchiverConfig{BaseURL: "https://archive.example.com/"})
	if got := p.ListURL(l); got != "https://archive.example.com/ant@example.com" {
		t.Errorf("ListURL() = %q", got)
	}
	if got := p.Permalink(l, "ABC"); got != "https://archive.example.com/ant@example.com/ABC" {
		t.Errorf("Permalink() = %q", got)
	}

	empty := NewPermalinker(config.ArchiverConfig{})
	if empty.ListURL(l) != "" || empty.Permalink(l, "ABC") != "" {
		t.Error("expected no URLs without a base URL")
	}
}

func TestClobberDate(t *testing.T) {
	received := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		policy string
		date   string
		want   bool
	}{
		{"never", "never", "garbage", false},
		{"always", "always", "Sat, 14 Mar 2026 11:00:00 +0000", true},
		{"maybe close", "maybe", "Sat, 14 Mar 2026 11:00:00 +0000", false},
		{"maybe far", "maybe", "Sat, 01 Mar 2025 11:00:00 +0000", true},
		{"maybe future", "maybe", "Sat, 21 Mar 2026 11:00:00 +0000", true},
		{"maybe unparseable", "maybe", "yesterday", true},
		{"maybe missing", "maybe", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testutil.Post(t, "anne@example.com", "ant@example.com", "hi", "body")
			msg.Header.Del("Date")
			if tt.date != "" {
				msg.Header.Set("Date", tt.date)
			}
			got := ClobberDate(msg, tt.policy, 24*time.Hour, received)
			if got != tt.want {
				t.Fatalf("ClobberDate() = %v, want %v", got, tt.want)
			}
			if !got {
				return
			}
			if d := msg.Header.Get("Date"); d != received.Format(time.RFC1123Z) {
				t.Errorf("Date = %q", d)
			}
			if tt.date != "" && msg.Header.Get("X-Original-Date") != tt.date {
				t.Errorf("X-Original-Date = %q", msg.Header.Get("X-Original-Date"))
			}
		})
	}
}

func TestMboxArchiver(t *testing.T) {
	dir := t.TempDir()
	m := NewMbox(dir)
	l := lists.New("ant", "example.com")
	for _, subj := range []string{"one", "two"} {
		if err := m.ArchiveMessage(context.Background(), l, testutil.Post(t, "anne@example.com", "ant@example.com", subj, "body")); err != nil {
			t.Fatalf("ArchiveMessage() error = %v", err)
		}
	}

	f, err := os.Open(m.Path(l))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	r := mbox.NewReader(f)
	var subjects []string
	for {
		mr, err := r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextMessage() error = %v", err)
		}
		msg, err := email.Read(mr)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		subjects = append(subjects, msg.Subject())
	}
	if len(subjects) != 2 || subjects[0] != "one" || subjects[1] != "two" {
		t.Errorf("archived subjects = %v", subjects)
	}
}

func TestArchiveUsesEveryArchiver(t *testing.T) {
	s := testutil.NewStack(t, nil, func(c *config.Config) {
		c.Archiver.Enabled = []string{"mbox", "prototype"}
	})
	l := testutil.CreateList(t, s, "ant", "example.com")
	archivers, err := New(s)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(archivers) != 2 {
		t.Fatalf("got %d archivers", len(archivers))
	}

	msg := testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "body")
	if err := Archive(context.Background(), s, archivers, l, msg, time.Now()); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	// A second copy is already in the store.
	if err := Archive(context.Background(), s, archivers, l, msg, time.Now()); err != nil {
		t.Fatalf("Archive() again error = %v", err)
	}
	if _, err := s.Messages.ByID(context.Background(), msg.MessageID()); err != nil {
		t.Errorf("ByID() error = %v", err)
	}
	if _, err := os.Stat(archivers[0].(*Mbox).Path(l)); err != nil {
		t.Errorf("mbox archive: %v", err)
	}
}

func TestUnknownArchiver(t *testing.T) {
	s := testutil.NewStack(t, nil, func(c *config.Config) {
		c.Archiver.Enabled = []string{"pipermail"}
	})
	if _, err := New(s); err == nil {
		t.Error("expected error for unknown archiver")
	}
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) ArchiveMessage(context.Context, *lists.List, *email.Message) error {
	return errors.New("disk full")
}

func TestArchiveReportsFailure(t *testing.T) {
	s := testutil.NewStack(t, nil)
	l := testutil.CreateList(t, s, "ant", "example.com")
	dir := t.TempDir()
	archivers := []Archiver{failing{}, NewMbox(dir)}
	msg := testutil.Post(t, "anne@example.com", "ant@example.com", "hello", "body")

	if err := Archive(context.Background(), s, archivers, l, msg, time.Now()); err == nil {
		t.Error("expected the failure to be reported")
	}
	if _, err := os.Stat(NewMbox(dir).Path(l)); err != nil {
		t.Errorf("later archiver did not run: %v", err)
	}
}
