package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/infodancer/listd/internal/config"
	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
)

// Clock is a settable time source.
type Clock struct {
	T time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.T }

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// NewConfig returns a valid config rooted in a temporary var directory.
func NewConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.VarDir = t.TempDir()
	cfg.Hostname = "lists.example.com"
	cfg.SiteOwner = "postmaster@example.com"
	return cfg
}

// NewStack opens a full stack over temporary directories and miniredis.
// modify, when given, adjusts the config first.
func NewStack(t *testing.T, clock *Clock, modify ...func(*config.Config)) *core.Stack {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := NewConfig(t)
	cfg.Redis.Address = mr.Addr()
	for _, fn := range modify {
		fn(&cfg)
	}

	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	s, err := core.NewStack(core.StackConfig{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// CreateList saves a list with regular members and returns it.
func CreateList(t *testing.T, s *core.Stack, name, host string, members ...string) *lists.List {
	t.Helper()
	l := lists.New(name, host)
	if err := s.Lists.SaveList(l); err != nil {
		t.Fatalf("SaveList() error = %v", err)
	}
	for _, m := range members {
		if err := s.Lists.SaveMember(lists.NewMember(l.FQDNListName(), m, "", lists.RoleMember)); err != nil {
			t.Fatalf("SaveMember() error = %v", err)
		}
	}
	return l
}

// AddRole adds email to the list roster with role.
func AddRole(t *testing.T, s *core.Stack, l *lists.List, email string, role lists.Role) {
	t.Helper()
	if err := s.Lists.SaveMember(lists.NewMember(l.FQDNListName(), email, "", role)); err != nil {
		t.Fatalf("SaveMember() error = %v", err)
	}
}

// ParseMessage parses raw or fails the test.
func ParseMessage(t *testing.T, raw string) *email.Message {
	t.Helper()
	msg, err := email.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return msg
}

// Post returns a simple post from sender to list.
func Post(t *testing.T, from, to, subject, body string) *email.Message {
	t.Helper()
	return ParseMessage(t, "From: "+from+"\r\n"+
		"To: "+to+"\r\n"+
		"Subject: "+subject+"\r\n"+
		"Message-ID: <"+subject+"."+from+">\r\n"+
		"\r\n"+body+"\r\n")
}

// Drain dequeues and finishes every envelope on the named queue.
func Drain(t *testing.T, s *core.Stack, queue string) []*envelope.Envelope {
	t.Helper()
	sb := s.Queues.Get(queue)
	files, err := sb.Files()
	if err != nil {
		t.Fatalf("Files(%s) error = %v", queue, err)
	}
	var out []*envelope.Envelope
	for _, fb := range files {
		env, err := sb.Dequeue(fb)
		if err != nil {
			t.Fatalf("Dequeue(%s) error = %v", fb, err)
		}
		if err := sb.Finish(fb, false); err != nil {
			t.Fatalf("Finish(%s) error = %v", fb, err)
		}
		out = append(out, env)
	}
	return out
}

// Count returns the number of envelopes waiting on the named queue.
func Count(t *testing.T, s *core.Stack, queue string) int {
	t.Helper()
	files, err := s.Queues.Get(queue).Files()
	if err != nil {
		t.Fatalf("Files(%s) error = %v", queue, err)
	}
	return len(files)
}
