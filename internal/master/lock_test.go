package master

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/infodancer/listd/internal/config"
)

var epoch = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestLock(t *testing.T, path string) *Lock {
	t.Helper()
	l, err := NewLock(path, 30*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	l.now = func() time.Time { return epoch }
	l.alive = func(int) bool { return false }
	return l
}

func writeLock(t *testing.T, path, host string, pid int, expiry time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, fmt.Appendf(nil, "%s %d %d\n", host, pid, expiry.Unix()), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock", "master.lck")
	l := newTestLock(t, path)

	if err := l.Acquire(false); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	h, err := l.Holder()
	if err != nil {
		t.Fatal(err)
	}
	if h.Host != l.host || h.PID != os.Getpid() || !h.Expiry.Equal(epoch.Add(30*time.Hour)) {
		t.Errorf("holder = %+v", h)
	}

	l.now = func() time.Time { return epoch.Add(24 * time.Hour) }
	if err := l.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	h, _ = l.Holder()
	if !h.Expiry.Equal(epoch.Add(54 * time.Hour)) {
		t.Errorf("expiry after refresh = %v", h.Expiry)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file still present: %v", err)
	}
}

func TestAcquireHeld(t *testing.T) {
	host, err := os.Hostname()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		host    string
		expiry  time.Time
		alive   bool
		force   bool
		want    error
		removed bool
	}{
		{"conflict", host, epoch.Add(time.Hour), true, false, ErrLockConflict, false},
		{"conflict forced", host, epoch.Add(time.Hour), true, true, ErrLockConflict, false},
		{"dead pid", host, epoch.Add(time.Hour), false, false, ErrStaleLock, false},
		{"dead pid forced", host, epoch.Add(time.Hour), false, true, nil, true},
		{"expired", host, epoch.Add(-time.Hour), true, false, ErrStaleLock, false},
		{"expired forced", host, epoch.Add(-time.Hour), true, true, nil, true},
		{"other host", "elsewhere.example.com", epoch.Add(time.Hour), false, true, ErrHostMismatch, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "master.lck")
			writeLock(t, path, tt.host, 4242, tt.expiry)
			l := newTestLock(t, path)
			l.alive = func(pid int) bool { return pid == 4242 && tt.alive }

			err := l.Acquire(tt.force)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Acquire() error = %v", err)
				}
			} else if !errors.Is(err, tt.want) {
				t.Fatalf("Acquire() error = %v, want %v", err, tt.want)
			}

			h, err := l.Holder()
			if err != nil {
				t.Fatal(err)
			}
			if took := h.PID == os.Getpid(); took != tt.removed {
				t.Errorf("holder = %+v", h)
			}
		})
	}
}

func TestAcquireMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.lck")
	if err := os.WriteFile(path, []byte("garbage\n"), 0644); err != nil {
		t.Fatal(err)
	}
	l := newTestLock(t, path)
	if err := l.Acquire(false); !errors.Is(err, ErrStaleLock) {
		t.Fatalf("Acquire() error = %v, want ErrStaleLock", err)
	}
	if err := l.Acquire(true); err != nil {
		t.Fatalf("Acquire(force) error = %v", err)
	}
}

func TestReleaseLeavesOtherHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.lck")
	writeLock(t, path, "elsewhere.example.com", 4242, epoch)
	l := newTestLock(t, path)
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("foreign lock removed: %v", err)
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("own pid reported dead")
	}
	if Alive(0) || Alive(-1) {
		t.Error("non-positive pid reported alive")
	}
}

func TestPlan(t *testing.T) {
	off := false
	plan := Plan([]config.RunnerConfig{
		{Name: "in", Instances: 2},
		{Name: "out", Instances: 1},
		{Name: "news", Instances: 1, Start: &off},
		{Name: "retry"},
	})
	want := []Child{
		{"in", 0, 2}, {"in", 1, 2}, {"out", 0, 1}, {"retry", 0, 1},
	}
	if fmt.Sprint(plan) != fmt.Sprint(want) {
		t.Errorf("Plan() = %v, want %v", plan, want)
	}
}
