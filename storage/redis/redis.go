// Package redis provides a storage.Store backed by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/ironward/storage"
)

// maxTxAttempts bounds optimistic retries when a watched key changes
// between read and commit.
const maxTxAttempts = 5

// incrScript increments a counter and sets its expiry only when the counter
// was created by this call.
var incrScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Store implements storage.Store on top of a go-redis client.
type Store struct {
	client *goredis.Client
	prefix string
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key the store touches.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New wraps an existing client. The store owns the client and closes it on Close.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromURL connects to the Redis server described by a redis:// URL and
// verifies the connection with PING.
func NewFromURL(ctx context.Context, url string, opts ...Option) (*Store, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return New(client, opts...), nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

// Update runs fn under optimistic locking: every key read through the
// transaction is WATCHed and buffered writes are committed with MULTI/EXEC.
// When a watched key changes before commit the whole function is retried.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.client.Watch(ctx, func(rtx *goredis.Tx) error {
			tx := &redisTx{ctx: ctx, store: s, rtx: rtx, writes: make(map[string]pendingWrite)}
			if err := fn(tx); err != nil {
				return err
			}
			if len(tx.writes) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				for _, k := range tx.order {
					w := tx.writes[k]
					if w.deleted {
						pipe.Del(ctx, s.key(k))
						continue
					}
					pipe.Set(ctx, s.key(k), w.value, w.ttl)
				}
				return nil
			})
			return err
		})
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return storage.ErrConflict
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

type pendingWrite struct {
	value   []byte
	ttl     time.Duration
	deleted bool
}

type redisTx struct {
	ctx    context.Context
	store  *Store
	rtx    *goredis.Tx
	writes map[string]pendingWrite
	order  []string
}

func (tx *redisTx) Get(key string) ([]byte, error) {
	if w, ok := tx.writes[key]; ok {
		if w.deleted {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return append([]byte(nil), w.value...), nil
	}
	k := tx.store.key(key)
	if err := tx.rtx.Watch(tx.ctx, k).Err(); err != nil {
		return nil, fmt.Errorf("redis watch %s: %w", key, err)
	}
	data, err := tx.rtx.Get(tx.ctx, k).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (tx *redisTx) Put(key string, value []byte, ttl time.Duration) error {
	tx.record(key, pendingWrite{value: append([]byte(nil), value...), ttl: ttl})
	return nil
}

func (tx *redisTx) Delete(key string) error {
	tx.record(key, pendingWrite{deleted: true})
	return nil
}

func (tx *redisTx) record(key string, w pendingWrite) {
	if _, seen := tx.writes[key]; !seen {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = w
}
