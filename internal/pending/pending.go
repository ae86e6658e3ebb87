// Package pending keeps confirmation tokens and per-sender autoresponse
// counters in Redis. Tokens expire on their own; nothing sweeps them.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/infodancer/listd/internal/config"
)

// ErrNotFound is returned for unknown or expired tokens.
var ErrNotFound = errors.New("pending: token not found")

// Pendable types.
const (
	TypeHeldMessage  = "held message"
	TypeProbe        = "probe"
	TypeSubscription = "subscription"
	TypeUnsubscribe  = "unsubscription"
)

// Pendable is the data a token stands for. The "type" key names its kind.
type Pendable map[string]string

// Type returns the pendable kind.
func (p Pendable) Type() string { return p["type"] }

// Pendings issues and redeems tokens.
type Pendings interface {
	Add(ctx context.Context, p Pendable, lifetime time.Duration) (string, error)
	Confirm(ctx context.Context, token string, expunge bool) (Pendable, error)
}

// Store implements Pendings and Autoresponses on one Redis client.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewClient returns a Redis client for cfg.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New wraps client. Keys are namespaced under prefix.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

// Add stores p under a new random token.
func (s *Store) Add(ctx context.Context, p Pendable, lifetime time.Duration) (string, error) {
	if p.Type() == "" {
		return "", errors.New("pending: pendable has no type")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("pending: marshal: %w", err)
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.client.Set(ctx, s.key("pending", token), data, lifetime).Err(); err != nil {
		return "", fmt.Errorf("pending: add: %w", err)
	}
	return token, nil
}

// Confirm returns the pendable for token. With expunge the token is
// consumed.
func (s *Store) Confirm(ctx context.Context, token string, expunge bool) (Pendable, error) {
	key := s.key("pending", token)
	var (
		data string
		err  error
	)
	if expunge {
		data, err = s.client.GetDel(ctx, key).Result()
	} else {
		data, err = s.client.Get(ctx, key).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pending: confirm: %w", err)
	}
	var p Pendable
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("pending: decode %s: %w", token, err)
	}
	return p, nil
}

// Autoresponses counts automatic replies per list, sender and kind.
type Autoresponses interface {
	// Record counts one response sent today and returns today's total.
	Record(ctx context.Context, list, address, kind string) (int64, error)
	// Today returns today's total without counting.
	Today(ctx context.Context, list, address, kind string) (int64, error)
}

func (s *Store) autoresponseKey(list, address, kind string) string {
	return s.key("autoresponse", strings.ToLower(list), strings.ToLower(address), kind,
		s.now().UTC().Format("2006-01-02"))
}

// Record increments today's counter. Counters expire after two days.
func (s *Store) Record(ctx context.Context, list, address, kind string) (int64, error) {
	key := s.autoresponseKey(list, address, kind)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 48*time.Hour)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pending: record autoresponse: %w", err)
	}
	return incr.Val(), nil
}

// Today returns today's counter.
func (s *Store) Today(ctx context.Context, list, address, kind string) (int64, error) {
	n, err := s.client.Get(ctx, s.autoresponseKey(list, address, kind)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pending: autoresponse count: %w", err)
	}
	return n, nil
}

var (
	_ Pendings      = (*Store)(nil)
	_ Autoresponses = (*Store)(nil)
)
