// Package digest collects list posts into a per-list mailbox and turns
// full mailboxes into MIME and RFC 1153 digests.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-mbox"
	"golang.org/x/sys/unix"

	"github.com/infodancer/listd/internal/core"
	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/envelope"
	"github.com/infodancer/listd/internal/lists"
	"github.com/infodancer/listd/internal/switchboard"
)

// File names inside a list's data directory.
const (
	MailboxName = "digest.mmdf"
	LockName    = "digest.mmdf.lock"
)

// Accumulator appends posts to the current digest mailbox.
type Accumulator struct {
	stack *core.Stack
}

// NewAccumulator returns an accumulator over s.
func NewAccumulator(s *core.Stack) *Accumulator {
	return &Accumulator{stack: s}
}

// MailboxPath returns the path of l's current digest mailbox.
func (a *Accumulator) MailboxPath(l *lists.List) string {
	return filepath.Join(a.stack.Config.ListDataDir(l.FQDNListName()), MailboxName)
}

// lock takes the list's digest lock. The returned function releases it.
func lock(dir string) (func(), error) {
	f, err := os.OpenFile(filepath.Join(dir, LockName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening digest lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close() //nolint:errcheck
		return nil, fmt.Errorf("locking digest mailbox: %w", err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck
		f.Close()                             //nolint:errcheck
	}, nil
}

// Add appends msg to l's digest mailbox. When the mailbox reaches the
// list's size threshold it is renamed to digest.<volume>.<number>.mmdf,
// the volume and number are bumped, and a trigger is queued for the
// digest runner. The list is saved when it changes. Add reports whether
// the mailbox was rotated.
func (a *Accumulator) Add(_ context.Context, l *lists.List, msg *email.Message) (bool, error) {
	s := a.stack
	dir := s.Config.ListDataDir(l.FQDNListName())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, fmt.Errorf("creating list data directory: %w", err)
	}
	unlock, err := lock(dir)
	if err != nil {
		return false, err
	}
	defer unlock()

	path := filepath.Join(dir, MailboxName)
	size, err := appendMessage(path, msg, s.Now())
	if err != nil {
		return false, err
	}
	if l.DigestSizeThreshold <= 0 || size < int64(l.DigestSizeThreshold)*1024 {
		return false, nil
	}

	return true, a.rotate(l, dir, size)
}

// Send rotates l's digest mailbox regardless of its size, as long as it
// holds at least one message. It reports whether a digest was queued.
func (a *Accumulator) Send(_ context.Context, l *lists.List) (bool, error) {
	dir := a.stack.Config.ListDataDir(l.FQDNListName())
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false, nil
	}
	unlock, err := lock(dir)
	if err != nil {
		return false, err
	}
	defer unlock()

	fi, err := os.Stat(filepath.Join(dir, MailboxName))
	if os.IsNotExist(err) || (err == nil && fi.Size() == 0) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sizing digest mailbox: %w", err)
	}
	return true, a.rotate(l, dir, fi.Size())
}

// rotate renames the mailbox, bumps the digest numbering and queues the
// digest trigger. The caller holds the lock.
func (a *Accumulator) rotate(l *lists.List, dir string, size int64) error {
	s := a.stack
	volume, number := l.Volume, l.NextDigestNumber
	dest := filepath.Join(dir, fmt.Sprintf("digest.%d.%d.mmdf", volume, number))
	Bump(l, s.Now())
	if err := os.Rename(filepath.Join(dir, MailboxName), dest); err != nil {
		return fmt.Errorf("rotating digest mailbox: %w", err)
	}
	if err := s.Lists.SaveList(l); err != nil {
		return err
	}

	trigger := email.NewText("plain", "")
	meta := envelope.Metadata{}
	meta.SetString(envelope.KeyListName, l.FQDNListName())
	meta.SetString(envelope.KeyDigestPath, dest)
	meta.SetInt(envelope.KeyVolume, int64(volume))
	meta.SetInt(envelope.KeyDigestNumber, int64(number))
	if _, err := s.Queues.Enqueue(switchboard.Digest, trigger, meta); err != nil {
		return fmt.Errorf("enqueueing digest trigger: %w", err)
	}
	s.Logger.Info("digest mailbox rotated",
		slog.String("list", l.FQDNListName()),
		slog.String("path", dest),
		slog.Int64("size", size))
	return nil
}

// appendMessage adds msg to the mailbox at path and returns the new size.
func appendMessage(path string, msg *email.Message, now time.Time) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return 0, fmt.Errorf("opening digest mailbox: %w", err)
	}
	defer f.Close() //nolint:errcheck

	from := msg.Sender("")
	if from == "" {
		from = "MAILER-DAEMON"
	}
	w := mbox.NewWriter(f)
	mw, err := w.CreateMessage(from, now)
	if err != nil {
		return 0, fmt.Errorf("appending to digest mailbox: %w", err)
	}
	if _, err := msg.WriteTo(mw); err != nil {
		return 0, fmt.Errorf("appending to digest mailbox: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("appending to digest mailbox: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("syncing digest mailbox: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("sizing digest mailbox: %w", err)
	}
	return fi.Size(), nil
}
