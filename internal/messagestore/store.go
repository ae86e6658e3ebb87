// Package messagestore keeps accepted messages on disk, addressed by the
// hash of their Message-ID, with a SQLite index.
package messagestore

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/base32"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/infodancer/listd/internal/email"
)

// HashHeader is the header carrying the Message-ID hash.
const HashHeader = "X-Message-ID-Hash"

var (
	// ErrMessageID means the message does not have exactly one Message-ID.
	ErrMessageID = errors.New("messagestore: exactly one Message-ID header required")
	// ErrDuplicate means the Message-ID is already stored.
	ErrDuplicate = errors.New("messagestore: Message-ID already stored")
	// ErrNotFound means no message matches.
	ErrNotFound = errors.New("messagestore: message not found")
)

// MessageStore is what the runners need from the store.
type MessageStore interface {
	Add(ctx context.Context, msg *email.Message) (string, error)
	ByID(ctx context.Context, messageID string) (*email.Message, error)
	ByHash(ctx context.Context, hash string) (*email.Message, error)
	Delete(ctx context.Context, messageID string) error
}

// Store is the SQLite and file backed MessageStore.
type Store struct {
	db   *sql.DB
	root string
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	message_id_hash TEXT NOT NULL UNIQUE,
	path TEXT NOT NULL
)`

// Open opens the index at dbPath; message files live under root.
func Open(root, dbPath string, busyTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
	}
	for _, p := range append(pragmas, schema) {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialising message index: %w", err)
		}
	}
	return &Store{db: db, root: root}, nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.db.Close()
}

// Hash returns base32(sha1(messageID)).
func Hash(messageID string) string {
	sum := sha1.Sum([]byte(messageID))
	return base32.StdEncoding.EncodeToString(sum[:])
}

// RelPath returns the two-level sharded path for hash.
func RelPath(hash string) string {
	return filepath.Join(hash[0:2], hash[2:4], hash)
}

// Add stamps msg with its hash header, writes it and indexes it. It
// returns the hash.
func (s *Store) Add(ctx context.Context, msg *email.Message) (string, error) {
	ids := email.Values(msg.Header, "Message-Id")
	if len(ids) != 1 {
		return "", ErrMessageID
	}
	messageID := strings.TrimSpace(ids[0])

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE message_id = ?", messageID).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("messagestore: lookup: %w", err)
	}
	if n > 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicate, messageID)
	}

	hash := Hash(messageID)
	msg.Header.Del(HashHeader)
	msg.Header.Add(HashHeader, hash)

	relpath := RelPath(hash)
	if err := writeFile(filepath.Join(s.root, relpath), msg.Bytes()); err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO messages (message_id, message_id_hash, path) VALUES (?, ?, ?)",
		messageID, hash, relpath)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", fmt.Errorf("%w: %s", ErrDuplicate, messageID)
		}
		return "", fmt.Errorf("messagestore: insert: %w", err)
	}
	return hash, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("messagestore: create shard: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("messagestore: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("messagestore: rename: %w", err)
	}
	return nil
}

func (s *Store) load(relpath string) (*email.Message, error) {
	data, err := os.ReadFile(filepath.Join(s.root, relpath))
	if err != nil {
		return nil, fmt.Errorf("messagestore: read %s: %w", relpath, err)
	}
	return email.Parse(data)
}

func (s *Store) lookup(ctx context.Context, column, value string) (*email.Message, error) {
	var relpath string
	err := s.db.QueryRowContext(ctx, "SELECT path FROM messages WHERE "+column+" = ?", value).Scan(&relpath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("messagestore: lookup: %w", err)
	}
	return s.load(relpath)
}

// ByID returns the message stored under messageID.
func (s *Store) ByID(ctx context.Context, messageID string) (*email.Message, error) {
	return s.lookup(ctx, "message_id", strings.TrimSpace(messageID))
}

// ByHash returns the message whose Message-ID hashes to hash.
func (s *Store) ByHash(ctx context.Context, hash string) (*email.Message, error) {
	return s.lookup(ctx, "message_id_hash", strings.ToUpper(strings.TrimSpace(hash)))
}

// Delete removes the row and the file.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	var relpath string
	err := s.db.QueryRowContext(ctx, "SELECT path FROM messages WHERE message_id = ?", messageID).Scan(&relpath)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("messagestore: lookup: %w", err)
	}
	if err := os.Remove(filepath.Join(s.root, relpath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("messagestore: remove: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("messagestore: delete: %w", err)
	}
	return nil
}

// Messages calls fn for every stored message in insertion order.
func (s *Store) Messages(ctx context.Context, fn func(*email.Message) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT path FROM messages ORDER BY id")
	if err != nil {
		return fmt.Errorf("messagestore: list: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, p := range paths {
		msg, err := s.load(p)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

var _ MessageStore = (*Store)(nil)
