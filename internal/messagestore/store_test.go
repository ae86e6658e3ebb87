package messagestore

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/infodancer/listd/internal/email"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "messages")
	s, err := Open(root, filepath.Join(dir, "data", "messages.db"), time.Second)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, root
}

func testMessage(t *testing.T, raw string) *email.Message {
	t.Helper()
	msg, err := email.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestAddAndLookup(t *testing.T) {
	s, root := openTestStore(t)
	ctx := context.Background()

	msg := testMessage(t, "Message-ID: <ant@example.com>\r\nX-Message-ID-Hash: bogus\r\nSubject: hi\r\n\r\nbody\r\n")
	hash, err := s.Add(ctx, msg)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	sum := sha1.Sum([]byte("<ant@example.com>"))
	want := base32.StdEncoding.EncodeToString(sum[:])
	if hash != want {
		t.Errorf("hash = %q, want %q", hash, want)
	}
	if got := email.Values(msg.Header, HashHeader); len(got) != 1 || got[0] != want {
		t.Errorf("hash header = %v", got)
	}

	if _, err := os.Stat(filepath.Join(root, want[0:2], want[2:4], want)); err != nil {
		t.Errorf("expected sharded file: %v", err)
	}

	byID, err := s.ByID(ctx, "<ant@example.com>")
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}
	if byID.Subject() != "hi" {
		t.Errorf("Subject = %q", byID.Subject())
	}
	if _, err := s.ByHash(ctx, want); err != nil {
		t.Errorf("ByHash() error = %v", err)
	}
}

func TestAddRequiresOneMessageID(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{"none", "Subject: x\r\n\r\nbody\r\n"},
		{"two", "Message-ID: <a@x>\r\nMessage-ID: <b@x>\r\n\r\nbody\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Add(ctx, testMessage(t, tt.raw)); !errors.Is(err, ErrMessageID) {
				t.Errorf("expected ErrMessageID, got %v", err)
			}
		})
	}
}

func TestAddDuplicate(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	raw := "Message-ID: <dup@example.com>\r\n\r\nbody\r\n"

	if _, err := s.Add(ctx, testMessage(t, raw)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ctx, testMessage(t, raw)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if _, err := s.ByID(ctx, "<dup@example.com>"); err != nil {
		t.Errorf("original should survive a duplicate add: %v", err)
	}
}

func TestDelete(t *testing.T) {
	s, root := openTestStore(t)
	ctx := context.Background()

	hash, err := s.Add(ctx, testMessage(t, "Message-ID: <gone@example.com>\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "<gone@example.com>"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, RelPath(hash))); !os.IsNotExist(err) {
		t.Errorf("expected file removed, stat err = %v", err)
	}
	if _, err := s.ByHash(ctx, hash); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "<gone@example.com>"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMessages(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"<1@x>", "<2@x>", "<3@x>"} {
		if _, err := s.Add(ctx, testMessage(t, "Message-ID: "+id+"\r\n\r\nbody\r\n")); err != nil {
			t.Fatal(err)
		}
	}

	var ids []string
	err := s.Messages(ctx, func(m *email.Message) error {
		ids = append(ids, m.MessageID())
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != "<1@x>" || ids[2] != "<3@x>" {
		t.Errorf("Messages() = %v", ids)
	}
}
