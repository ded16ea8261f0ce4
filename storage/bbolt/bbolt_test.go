package bbolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmcleod/ironward/storage"
	"github.com/jmcleod/ironward/storage/storagetest"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *storagetest.Clock) {
	t.Helper()
	clock := storagetest.NewClock()
	path := filepath.Join(t.TempDir(), "ironward-test.db")
	opts = append([]Option{WithClock(clock.Now), WithSweepInterval(0)}, opts...)
	s, err := NewFromFile(path, nil, opts...)
	if err != nil {
		t.Fatalf("could not open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestBBoltStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Store, func(time.Duration)) {
		s, clock := newTestStore(t)
		return s, clock.Advance
	})
}

func TestSweepRemovesExpiredKeys(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, "ephemeral", []byte("v"), time.Second)
	_ = s.Put(ctx, "durable", []byte("v"), 0)
	clock.Advance(2 * time.Second)

	n, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept key, got %d", n)
	}
	if _, err := s.Get(ctx, "durable"); err != nil {
		t.Errorf("durable key should survive sweep: %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewFromFile(path, nil, WithSweepInterval(0))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewFromFile(path, nil, WithSweepInterval(0))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("got %q, %v after reopen", got, err)
	}
}

func TestSweepLoopStopsOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.db")
	s, err := NewFromFile(path, nil, WithSweepInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
