// Package bbolt provides a BBolt-backed storage.Store.
package bbolt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/ironward/storage"
	"go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

const defaultSweepInterval = 5 * time.Minute

// Store implements storage.Store backed by a BBolt database. Expiry is
// enforced lazily on read and by a background sweep.
type Store struct {
	db            *bbolt.DB
	now           func() time.Time
	sweepInterval time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
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

// WithSweepInterval sets how often expired keys are purged. Zero disables
// the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// New returns a Store backed by the given BBolt database.
func New(db *bbolt.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:            db,
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating records bucket: %w", err)
	}
	if s.sweepInterval > 0 {
		go s.sweepLoop()
	} else {
		close(s.doneCh)
	}
	return s, nil
}

// NewFromFile opens a BBolt database at the given path and returns a new Store.
func NewFromFile(path string, options *bbolt.Options, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close stops the sweep goroutine and closes the underlying database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		env, err := s.load(tx.Bucket(recordsBucket), key)
		if err != nil {
			return err
		}
		value = env.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.store(tx.Bucket(recordsBucket), key, storage.NewEnvelope(value, ttl, s.now()))
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		env, err := s.load(b, key)
		if err != nil {
			n = 1
			return s.store(b, key, storage.NewEnvelope([]byte(strconv.Itoa(1)), ttl, s.now()))
		}
		next, count, err := env.Increment()
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		n = count
		return s.store(b, key, next)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Update runs fn inside a single BBolt read-write transaction.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{store: s, bucket: tx.Bucket(recordsBucket)})
	})
}

func (s *Store) load(b *bbolt.Bucket, key string) (*storage.Envelope, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	env, err := storage.DecodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	if env.Expired(s.now()) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return env, nil
}

func (s *Store) store(b *bbolt.Bucket, key string, env *storage.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *Store) sweepLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_, _ = s.Sweep()
		}
	}
}

// Sweep deletes every expired key and returns how many were removed.
func (s *Store) Sweep() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		now := s.now()
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			env, err := storage.DecodeEnvelope(v)
			if err != nil || env.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

type boltTx struct {
	store  *Store
	bucket *bbolt.Bucket
}

func (tx *boltTx) Get(key string) ([]byte, error) {
	env, err := tx.store.load(tx.bucket, key)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (tx *boltTx) Put(key string, value []byte, ttl time.Duration) error {
	return tx.store.store(tx.bucket, key, storage.NewEnvelope(value, ttl, tx.store.now()))
}

func (tx *boltTx) Delete(key string) error {
	return tx.bucket.Delete([]byte(key))
}
