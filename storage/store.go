// Package storage provides the key-value abstraction that the vault, token
// and lockout layers persist their state through.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic transaction could not be
	// committed after the backend's retry budget was exhausted.
	ErrConflict = errors.New("transaction conflict")
)

// Tx is the read-write view handed to Store.Update. Writes made through a Tx
// are only visible to other callers once the whole function returns nil.
type Tx interface {
	Get(key string) ([]byte, error)
	// Put stores value under key. A ttl of zero means the key never expires.
	Put(key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Store is a durable key-value backend with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr atomically increments the integer counter at key and returns the
	// new value. The ttl is applied when the counter is created and is left
	// untouched by later increments.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Update runs fn inside a transaction. If fn returns an error nothing
	// is written. Backends with optimistic concurrency may call fn more than
	// once, so fn must not have side effects outside the Tx.
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
