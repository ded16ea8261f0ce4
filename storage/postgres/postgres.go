// Package postgres provides a storage.Store backed by PostgreSQL.
//
// Every key lives in a single kv table. Expiry is stored in its own column
// and enforced on read against the store's clock; PurgeExpired removes dead
// rows. Update runs under SERIALIZABLE isolation and is retried when
// PostgreSQL aborts it with a serialization failure.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironward/storage"
)

// maxTxAttempts bounds retries of a serializable transaction.
const maxTxAttempts = 5

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
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

// New returns a Store backed by the given pgx connection pool. The schema
// must already exist; see Migrate. The store owns the pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromDSN creates a connection pool from a DSN string, applies pending
// migrations, and returns a new Store.
func NewFromDSN(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool, opts...), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	env, err := s.get(ctx, s.pool, key, false)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.put(ctx, s.pool, key, storage.NewEnvelope(value, ttl, s.now()))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.Update(ctx, func(tx storage.Tx) error {
		ptx := tx.(*pgTx)
		env, err := s.get(ctx, ptx.tx, key, true)
		if errors.Is(err, storage.ErrNotFound) {
			n = 1
			return s.put(ctx, ptx.tx, key, storage.NewEnvelope([]byte(strconv.Itoa(1)), ttl, s.now()))
		}
		if err != nil {
			return err
		}
		next, count, err := env.Increment()
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		n = count
		return s.put(ctx, ptx.tx, key, next)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Update runs fn in a SERIALIZABLE transaction. Writes go straight to the
// transaction and are discarded by rollback if fn fails.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(&pgTx{ctx: ctx, store: s, tx: tx})
		})
		if !retryable(err) {
			return err
		}
	}
	return storage.ErrConflict
}

// PurgeExpired deletes every expired row and reports how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purging expired keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) get(ctx context.Context, q querier, key string, forUpdate bool) (*storage.Envelope, error) {
	sql := `SELECT value, expires_at FROM kv WHERE key = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var (
		value     []byte
		expiresAt *time.Time
	)
	err := q.QueryRow(ctx, sql, key).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	env := &storage.Envelope{Value: value}
	if expiresAt != nil {
		env.ExpiresAt = *expiresAt
	}
	if env.Expired(s.now()) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return env, nil
}

func (s *Store) put(ctx context.Context, q querier, key string, env *storage.Envelope) error {
	var expiresAt *time.Time
	if !env.ExpiresAt.IsZero() {
		expiresAt = &env.ExpiresAt
	}
	_, err := q.Exec(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, env.Value, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	return nil
}

// retryable reports whether err is a serialization failure or deadlock
// that a fresh attempt may not hit.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

type pgTx struct {
	ctx   context.Context
	store *Store
	tx    pgx.Tx
}

func (t *pgTx) Get(key string) ([]byte, error) {
	env, err := t.store.get(t.ctx, t.tx, key, false)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (t *pgTx) Put(key string, value []byte, ttl time.Duration) error {
	return t.store.put(t.ctx, t.tx, key, storage.NewEnvelope(value, ttl, t.store.now()))
}

func (t *pgTx) Delete(key string) error {
	if _, err := t.tx.Exec(t.ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}
