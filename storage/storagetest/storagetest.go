// Package storagetest provides a conformance suite shared by every
// storage.Store backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmcleod/ironward/storage"
)

// Factory returns a fresh, empty store and a function that moves the store's
// notion of time forward.
type Factory func(t *testing.T) (storage.Store, func(d time.Duration))

// Run executes the common suite against the store returned by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		s, _ := newStore(t)
		if err := s.Put(ctx, "k1", []byte("v1"), 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := s.Get(ctx, "k1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "v1" {
			t.Fatalf("got %q, want %q", got, "v1")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s, _ := newStore(t)
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		s, _ := newStore(t)
		_ = s.Put(ctx, "k", []byte("a"), 0)
		_ = s.Put(ctx, "k", []byte("b"), 0)
		got, err := s.Get(ctx, "k")
		if err != nil || string(got) != "b" {
			t.Fatalf("got %q, %v; want %q", got, err, "b")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s, _ := newStore(t)
		_ = s.Put(ctx, "k", []byte("v"), 0)
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, "never-existed"); err != nil {
			t.Fatalf("deleting a missing key should succeed, got %v", err)
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		s, advance := newStore(t)
		_ = s.Put(ctx, "short", []byte("v"), 10*time.Second)
		_ = s.Put(ctx, "forever", []byte("v"), 0)
		advance(5 * time.Second)
		if _, err := s.Get(ctx, "short"); err != nil {
			t.Fatalf("key expired early: %v", err)
		}
		advance(6 * time.Second)
		if _, err := s.Get(ctx, "short"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected expired key to be gone, got %v", err)
		}
		if _, err := s.Get(ctx, "forever"); err != nil {
			t.Fatalf("key without ttl should persist: %v", err)
		}
	})

	t.Run("Incr", func(t *testing.T) {
		s, advance := newStore(t)
		for want := int64(1); want <= 3; want++ {
			n, err := s.Incr(ctx, "counter", time.Minute)
			if err != nil {
				t.Fatalf("Incr failed: %v", err)
			}
			if n != want {
				t.Fatalf("Incr = %d, want %d", n, want)
			}
		}
		got, err := s.Get(ctx, "counter")
		if err != nil || string(got) != "3" {
			t.Fatalf("counter value %q, %v; want 3", got, err)
		}
		advance(61 * time.Second)
		n, err := s.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("Incr after expiry failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("expired counter should restart at 1, got %d", n)
		}
	})

	t.Run("IncrKeepsOriginalTTL", func(t *testing.T) {
		s, advance := newStore(t)
		_, _ = s.Incr(ctx, "c", 10*time.Second)
		advance(8 * time.Second)
		_, _ = s.Incr(ctx, "c", 10*time.Second)
		advance(3 * time.Second)
		if _, err := s.Get(ctx, "c"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("later increments must not extend the ttl, got %v", err)
		}
	})

	t.Run("IncrConcurrent", func(t *testing.T) {
		s, _ := newStore(t)
		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Incr(ctx, "hits", time.Minute); err != nil {
					t.Errorf("Incr failed: %v", err)
				}
			}()
		}
		wg.Wait()
		got, err := s.Get(ctx, "hits")
		if err != nil || string(got) != "20" {
			t.Fatalf("counter value %q, %v; want 20", got, err)
		}
	})

	t.Run("UpdateCommits", func(t *testing.T) {
		s, _ := newStore(t)
		_ = s.Put(ctx, "old", []byte("x"), 0)
		err := s.Update(ctx, func(tx storage.Tx) error {
			if err := tx.Put("a", []byte("1"), 0); err != nil {
				return err
			}
			if err := tx.Put("b", []byte("2"), 0); err != nil {
				return err
			}
			return tx.Delete("old")
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		for k, want := range map[string]string{"a": "1", "b": "2"} {
			got, err := s.Get(ctx, k)
			if err != nil || string(got) != want {
				t.Fatalf("%s = %q, %v; want %q", k, got, err, want)
			}
		}
		if _, err := s.Get(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected deleted key to be gone, got %v", err)
		}
	})

	t.Run("UpdateRollsBack", func(t *testing.T) {
		s, _ := newStore(t)
		_ = s.Put(ctx, "keep", []byte("original"), 0)
		boom := errors.New("boom")
		err := s.Update(ctx, func(tx storage.Tx) error {
			_ = tx.Put("keep", []byte("changed"), 0)
			_ = tx.Put("new", []byte("v"), 0)
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected fn error to propagate, got %v", err)
		}
		got, _ := s.Get(ctx, "keep")
		if string(got) != "original" {
			t.Fatalf("rolled back key changed to %q", got)
		}
		if _, err := s.Get(ctx, "new"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("rolled back key should not exist, got %v", err)
		}
	})

	t.Run("UpdateReadsOwnWrites", func(t *testing.T) {
		s, _ := newStore(t)
		err := s.Update(ctx, func(tx storage.Tx) error {
			_ = tx.Put("k", []byte("v"), 0)
			got, err := tx.Get("k")
			if err != nil || string(got) != "v" {
				t.Errorf("tx.Get after tx.Put = %q, %v", got, err)
			}
			_ = tx.Delete("k")
			if _, err := tx.Get("k"); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("tx.Get after tx.Delete = %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	})

	t.Run("UpdateReadModifyWriteIsAtomic", func(t *testing.T) {
		s, _ := newStore(t)
		_ = s.Put(ctx, "n", []byte("0"), 0)
		const workers = 10
		var (
			wg        sync.WaitGroup
			committed atomic.Int64
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Update(ctx, func(tx storage.Tx) error {
					cur, err := tx.Get("n")
					if err != nil {
						return err
					}
					next := append(append([]byte(nil), cur...), 'x')
					return tx.Put("n", next, 0)
				})
				switch {
				case err == nil:
					committed.Add(1)
				case !errors.Is(err, storage.ErrConflict):
					t.Errorf("Update failed: %v", err)
				}
			}()
		}
		wg.Wait()
		got, err := s.Get(ctx, "n")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		// Each commit appended one byte to the value it read, so a lost
		// update would leave fewer bytes than commits.
		if want := 1 + int(committed.Load()); len(got) != want {
			t.Fatalf("value has %d bytes after %d commits, want %d", len(got), committed.Load(), want)
		}
	})
}

// Clock is a manually advanced time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at the current wall time.
func NewClock() *Clock {
	return &Clock{now: time.Now()}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
