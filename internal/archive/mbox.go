package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-mbox"
	"golang.org/x/sys/unix"

	"github.com/infodancer/listd/internal/email"
	"github.com/infodancer/listd/internal/lists"
)

// Mbox appends posts to one mbox file per list under Dir.
type Mbox struct {
	Dir string
	Now func() time.Time
}

// NewMbox returns an mbox archiver writing under dir.
func NewMbox(dir string) *Mbox {
	return &Mbox{Dir: dir, Now: time.Now}
}

// Name returns "mbox".
func (m *Mbox) Name() string { return "mbox" }

// Path returns the mailbox file for l.
func (m *Mbox) Path(l *lists.List) string {
	return filepath.Join(m.Dir, l.FQDNListName()+".mbox")
}

// ArchiveMessage appends msg to l's mailbox under an exclusive lock.
func (m *Mbox) ArchiveMessage(_ context.Context, l *lists.List, msg *email.Message) error {
	if err := os.MkdirAll(m.Dir, 0o750); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}
	f, err := os.OpenFile(m.Path(l), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening archive mailbox: %w", err)
	}
	defer f.Close() //nolint:errcheck
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking archive mailbox: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	from := msg.Sender("")
	if from == "" {
		from = "MAILER-DAEMON"
	}
	w := mbox.NewWriter(f)
	mw, err := w.CreateMessage(from, m.Now())
	if err != nil {
		return fmt.Errorf("appending to archive: %w", err)
	}
	if _, err := msg.WriteTo(mw); err != nil {
		return fmt.Errorf("appending to archive: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("appending to archive: %w", err)
	}
	return f.Sync()
}
