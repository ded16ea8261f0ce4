// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/ironward/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[string]*storage.Envelope
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new empty in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]*storage.Envelope),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, err := s.getLocked(key)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (s *Store) getLocked(key string) (*storage.Envelope, error) {
	env, ok := s.data[key]
	if !ok || env.Expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	return env.Clone(), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = storage.NewEnvelope(value, ttl, s.now())
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.getLocked(key)
	if err != nil {
		s.data[key] = storage.NewEnvelope([]byte(strconv.Itoa(1)), ttl, s.now())
		return 1, nil
	}
	next, n, err := env.Increment()
	if err != nil {
		return 0, err
	}
	s.data[key] = next
	return n, nil
}

// Update executes fn with a buffered transaction. On error, nothing is applied.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, writes: make(map[string]*storage.Envelope)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, env := range tx.writes {
		if env == nil {
			delete(s.data, k)
			continue
		}
		s.data[k] = env
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Len reports the number of live keys. Intended for tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, env := range s.data {
		if !env.Expired(now) {
			n++
		}
	}
	return n
}

// memoryTx buffers writes; a nil envelope marks a pending delete.
type memoryTx struct {
	store  *Store
	writes map[string]*storage.Envelope
}

func (tx *memoryTx) Get(key string) ([]byte, error) {
	if env, ok := tx.writes[key]; ok {
		if env == nil {
			return nil, storage.ErrNotFound
		}
		return append([]byte(nil), env.Value...), nil
	}
	env, err := tx.store.getLocked(key)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (tx *memoryTx) Put(key string, value []byte, ttl time.Duration) error {
	tx.writes[key] = storage.NewEnvelope(value, ttl, tx.store.now())
	return nil
}

func (tx *memoryTx) Delete(key string) error {
	tx.writes[key] = nil
	return nil
}
