package lists

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/infodancer/listd/internal/config"
)

// ErrNotFound is returned for unknown lists, members and requests.
var ErrNotFound = errors.New("lists: not found")

var (
	bucketLists    = []byte("lists")
	bucketMembers  = []byte("members")
	bucketRequests = []byte("requests")
	bucketBounces  = []byte("bounces")
)

// RequestType classifies a held request.
type RequestType string

const (
	HeldMessageRequest  RequestType = "held_message"
	SubscriptionRequest RequestType = "subscription"
	UnsubscribeRequest  RequestType = "unsubscription"
)

// HeldMessage is a moderation request. For held posts Key is the
// Message-ID under which the message store keeps the message.
type HeldMessage struct {
	ID       uint64            `json:"id"`
	List     string            `json:"list"`
	Type     RequestType       `json:"type"`
	Key      string            `json:"key"`
	Sender   string            `json:"sender"`
	Subject  string            `json:"subject"`
	Reason   string            `json:"reason"`
	Received time.Time         `json:"received"`
	Data     map[string]string `json:"data,omitempty"`
}

// BounceEvent records one bounce against a list member address.
type BounceEvent struct {
	ID        uint64        `json:"id"`
	List      string        `json:"list"`
	Email     string        `json:"email"`
	Timestamp time.Time     `json:"timestamp"`
	MessageID string        `json:"message_id"`
	Context   BounceContext `json:"context"`
	Processed bool          `json:"processed"`
}

// Manager is the list and roster store used by the runners.
type Manager interface {
	List(fqdn string) (*List, error)
	Lists() ([]*List, error)
	SaveList(l *List) error
	DeleteList(fqdn string) error

	Member(fqdn string, role Role, email string) (*Member, error)
	Members(fqdn string, role Role) ([]*Member, error)
	SaveMember(m *Member) error
	RemoveMember(fqdn string, role Role, email string) error

	HoldRequest(r *HeldMessage) (uint64, error)
	Request(fqdn string, id uint64) (*HeldMessage, error)
	Requests(fqdn string) ([]*HeldMessage, error)
	DeleteRequest(fqdn string, id uint64) error

	RecordBounce(e *BounceEvent) (uint64, error)
	UnprocessedBounces() ([]*BounceEvent, error)
	MarkBounceProcessed(id uint64) error
}

// Store is a bbolt-backed Manager. Runners are separate processes, so the
// database is opened for each transaction instead of being held open.
type Store struct {
	path     string
	timeout  time.Duration
	defaults config.DefaultsConfig
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout bounds how long a transaction waits for the file lock.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithDefaults sets the site-wide member preferences.
func WithDefaults(d config.DefaultsConfig) Option {
	return func(s *Store) { s.defaults = d }
}

// Open creates the database at path if needed and returns a Store.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("lists: create dir: %w", err)
	}
	err := s.update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketLists, bucketMembers, bucketRequests, bucketBounces} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lists: open %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) open(readOnly bool) (*bbolt.DB, error) {
	return bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: s.timeout, ReadOnly: readOnly})
}

func (s *Store) update(fn func(tx *bbolt.Tx) error) error {
	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

func idKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func memberPrefix(fqdn string, role Role) []byte {
	return []byte(strings.ToLower(fqdn) + "\x00" + string(role) + "\x00")
}

func memberKey(fqdn string, role Role, email string) []byte {
	return append(memberPrefix(fqdn, role), strings.ToLower(email)...)
}

func requestPrefix(fqdn string) []byte {
	return []byte(strings.ToLower(fqdn) + "\x00")
}

func requestKey(fqdn string, id uint64) []byte {
	return append(requestPrefix(fqdn), idKey(id)...)
}

// List returns the list named fqdn (list@host).
func (s *Store) List(fqdn string) (*List, error) {
	var l List
	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketLists).Get([]byte(strings.ToLower(fqdn)))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &l)
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Lists returns every list ordered by name.
func (s *Store) Lists() ([]*List, error) {
	var out []*List
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLists).ForEach(func(_, v []byte) error {
			var l List
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			out = append(out, &l)
			return nil
		})
	})
	return out, err
}

// SaveList creates or replaces l.
func (s *Store) SaveList(l *List) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("lists: %w", err)
	}
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("lists: marshal list: %w", err)
	}
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLists).Put([]byte(l.FQDNListName()), data)
	})
}

// DeleteList removes a list with its roster and requests.
func (s *Store) DeleteList(fqdn string) error {
	return s.update(func(tx *bbolt.Tx) error {
		key := []byte(strings.ToLower(fqdn))
		if tx.Bucket(bucketLists).Get(key) == nil {
			return ErrNotFound
		}
		if err := tx.Bucket(bucketLists).Delete(key); err != nil {
			return err
		}
		for _, name := range [][]byte{bucketMembers, bucketRequests} {
			if err := deletePrefix(tx.Bucket(name), requestPrefix(fqdn)); err != nil {
				return err
			}
		}
		return nil
	})
}

func deletePrefix(b *bbolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Member returns the roster entry for email in role.
func (s *Store) Member(fqdn string, role Role, email string) (*Member, error) {
	var m Member
	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMembers).Get(memberKey(fqdn, role, email))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	m.defaults = s.defaults
	return &m, nil
}

// Members returns the roster for role ordered by address.
func (s *Store) Members(fqdn string, role Role) ([]*Member, error) {
	var out []*Member
	prefix := memberPrefix(fqdn, role)
	err := s.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMembers).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m Member
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			m.defaults = s.defaults
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

// SaveMember creates or replaces m.
func (s *Store) SaveMember(m *Member) error {
	if m.List == "" || m.Email == "" {
		return errors.New("lists: member needs a list and an email")
	}
	if m.Role == "" {
		m.Role = RoleMember
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("lists: marshal member: %w", err)
	}
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMembers).Put(memberKey(m.List, m.Role, m.Email), data)
	})
}

// RemoveMember deletes a roster entry.
func (s *Store) RemoveMember(fqdn string, role Role, email string) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMembers)
		key := memberKey(fqdn, role, email)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

// HoldRequest stores r and returns its new ID.
func (s *Store) HoldRequest(r *HeldMessage) (uint64, error) {
	err := s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		r.ID = id
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(requestKey(r.List, id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("lists: hold request: %w", err)
	}
	return r.ID, nil
}

// Request returns a held request.
func (s *Store) Request(fqdn string, id uint64) (*HeldMessage, error) {
	var r HeldMessage
	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get(requestKey(fqdn, id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Requests returns the list's pending requests in ID order.
func (s *Store) Requests(fqdn string) ([]*HeldMessage, error) {
	var out []*HeldMessage
	prefix := requestPrefix(fqdn)
	err := s.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRequests).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r HeldMessage
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

// DeleteRequest removes a request once it has been handled.
func (s *Store) DeleteRequest(fqdn string, id uint64) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		key := requestKey(fqdn, id)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

// RecordBounce stores a new bounce event.
func (s *Store) RecordBounce(e *BounceEvent) (uint64, error) {
	err := s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBounces)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = id
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(idKey(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("lists: record bounce: %w", err)
	}
	return e.ID, nil
}

// UnprocessedBounces returns events not yet scored, oldest first.
func (s *Store) UnprocessedBounces() ([]*BounceEvent, error) {
	var out []*BounceEvent
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBounces).ForEach(func(_, v []byte) error {
			var e BounceEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !e.Processed {
				out = append(out, &e)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// MarkBounceProcessed flags an event as scored.
func (s *Store) MarkBounceProcessed(id uint64) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBounces)
		data := b.Get(idKey(id))
		if data == nil {
			return ErrNotFound
		}
		var e BounceEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		e.Processed = true
		out, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return b.Put(idKey(id), out)
	})
}

var _ Manager = (*Store)(nil)
