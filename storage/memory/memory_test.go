package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jmcleod/ironward/storage"
	"github.com/jmcleod/ironward/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Store, func(time.Duration)) {
		clock := storagetest.NewClock()
		return New(WithClock(clock.Now)), clock.Advance
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Put(ctx, "k", []byte("value"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, _ := s.Get(ctx, "k")
	got[0] = 'X'
	again, _ := s.Get(ctx, "k")
	if again[0] == 'X' {
		t.Error("memory store should return copies of stored values")
	}
}

func TestMemoryStoreLenSkipsExpired(t *testing.T) {
	ctx := context.Background()
	clock := storagetest.NewClock()
	s := New(WithClock(clock.Now))
	_ = s.Put(ctx, "a", []byte("1"), time.Second)
	_ = s.Put(ctx, "b", []byte("2"), 0)
	if s.Len() != 2 {
		t.Fatalf("expected 2 live keys, got %d", s.Len())
	}
	clock.Advance(2 * time.Second)
	if s.Len() != 1 {
		t.Fatalf("expected 1 live key after expiry, got %d", s.Len())
	}
}

func TestMemoryStoreUpdateHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().Update(ctx, func(storage.Tx) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Fatalf("expected cancelled context to abort Update, err=%v called=%v", err, called)
	}
}
