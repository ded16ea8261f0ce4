// Package blob stores attachment file content.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jmcleod/ironward/storage"
)

// ErrNotFound indicates no object exists under the key.
var ErrNotFound = errors.New("blob not found")

// ErrTooLarge indicates the object exceeds the store's size limit.
var ErrTooLarge = errors.New("blob too large")

// ErrSizeMismatch indicates the content length differs from the declared size.
var ErrSizeMismatch = errors.New("blob size mismatch")

// Store holds opaque, client-encrypted file content keyed by attachment id.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
}

// DefaultMaxSize bounds a single object in the KV-backed store.
const DefaultMaxSize = 100 << 20

// KVStore keeps blobs in the same storage.Store as the vault records.
type KVStore struct {
	kv      storage.Store
	maxSize int64
}

var _ Store = (*KVStore)(nil)

// NewKVStore returns a KVStore. A maxSize of zero uses DefaultMaxSize.
func NewKVStore(kv storage.Store, maxSize int64) *KVStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &KVStore{kv: kv, maxSize: maxSize}
}

func blobKey(key string) string {
	return "blob/" + key
}

func (s *KVStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if size > s.maxSize {
		return ErrTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return fmt.Errorf("reading blob: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return ErrTooLarge
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(data), size)
	}
	return s.kv.Put(ctx, blobKey(key), data, 0)
}

func (s *KVStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	data, err := s.kv.Get(ctx, blobKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, blobKey(key))
}
