// Package master owns the installation lock and supervises the queue
// runner processes.
package master

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrLockConflict means a live master on this host holds the lock.
	ErrLockConflict = errors.New("master: lock held by a running master")
	// ErrStaleLock means the lock's owner is gone or the lock expired.
	ErrStaleLock = errors.New("master: stale lock")
	// ErrHostMismatch means the lock was taken on another host.
	ErrHostMismatch = errors.New("master: lock held by another host")
)

// Lock is the master lock file. It holds "host pid expiry" on one line,
// expiry in seconds since the epoch.
type Lock struct {
	path     string
	host     string
	pid      int
	lifetime time.Duration

	now   func() time.Time
	alive func(pid int) bool
}

// NewLock returns the lock at path for this process.
func NewLock(path string, lifetime time.Duration) (*Lock, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("master: hostname: %w", err)
	}
	return &Lock{
		path:     path,
		host:     host,
		pid:      os.Getpid(),
		lifetime: lifetime,
		now:      time.Now,
		alive:    Alive,
	}, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Holder describes the owner recorded in a lock file.
type Holder struct {
	Host   string
	PID    int
	Expiry time.Time
}

func (h Holder) String() string {
	return fmt.Sprintf("%s pid %d until %s", h.Host, h.PID, h.Expiry.Format(time.RFC3339))
}

// Acquire takes the lock. A held lock is classified as a conflict, a
// stale lock or a host mismatch; with force a stale lock is removed and
// the lock taken.
func (l *Lock) Acquire(force bool) error {
	for attempt := 0; ; attempt++ {
		err := l.create()
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("master: creating lock: %w", err)
		}

		state := l.check()
		if errors.Is(state, ErrStaleLock) && force && attempt == 0 {
			if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("master: removing stale lock: %w", err)
			}
			continue
		}
		return state
	}
}

// check reads the current holder and classifies it.
func (l *Lock) check() error {
	h, err := l.Holder()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleLock, err)
	}
	switch {
	case h.Host != l.host:
		return fmt.Errorf("%w: %s", ErrHostMismatch, h)
	case l.now().After(h.Expiry):
		return fmt.Errorf("%w: expired: %s", ErrStaleLock, h)
	case l.alive(h.PID):
		return fmt.Errorf("%w: %s", ErrLockConflict, h)
	default:
		return fmt.Errorf("%w: %s", ErrStaleLock, h)
	}
}

// Holder reads the lock file.
func (l *Lock) Holder() (Holder, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return Holder{}, err
	}
	fields := strings.Fields(string(b))
	if len(fields) != 3 {
		return Holder{}, fmt.Errorf("malformed lock file %q", strings.TrimSpace(string(b)))
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Holder{}, fmt.Errorf("malformed pid: %w", err)
	}
	expiry, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Holder{}, fmt.Errorf("malformed expiry: %w", err)
	}
	return Holder{Host: fields[0], PID: pid, Expiry: time.Unix(expiry, 0)}, nil
}

func (l *Lock) contents() []byte {
	return []byte(fmt.Sprintf("%s %d %d\n", l.host, l.pid, l.now().Add(l.lifetime).Unix()))
}

func (l *Lock) create() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(l.contents()); err != nil {
		f.Close()
		os.Remove(l.path)
		return err
	}
	return f.Close()
}

// Refresh pushes the expiry forward by the lock lifetime.
func (l *Lock) Refresh() error {
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, l.contents(), 0644); err != nil {
		return fmt.Errorf("master: refreshing lock: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("master: refreshing lock: %w", err)
	}
	return nil
}

// Release removes the lock if this process holds it.
func (l *Lock) Release() error {
	h, err := l.Holder()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && (h.Host != l.host || h.PID != l.pid) {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("master: releasing lock: %w", err)
	}
	return nil
}
