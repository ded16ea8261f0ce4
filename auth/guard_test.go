package auth

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmcleod/ironward/storage/memory"
	"github.com/jmcleod/ironward/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, opts ...GuardOption) (*Guard, *storagetest.Clock) {
	t.Helper()
	clock := storagetest.NewClock()
	kv := memory.New(memory.WithClock(clock.Now))
	opts = append([]GuardOption{WithGuardClock(clock.Now)}, opts...)
	return NewGuard(kv, opts...), clock
}

func TestGuard_LocksAtThreshold(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := t.Context()
	email := "a@example.com"

	for i := 1; i < DefaultMaxLoginAttempts; i++ {
		n, err := g.RecordFailedLogin(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.NoError(t, g.CheckLoginAttempt(ctx, email), "attempt %d should still be allowed", i)
	}

	n, err := g.RecordFailedLogin(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxLoginAttempts, n)

	err = g.CheckLoginAttempt(ctx, email)
	require.ErrorIs(t, err, ErrLocked)
	var locked *LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, 900, locked.RetryAfterSeconds())
}

func TestGuard_LockIsCaseInsensitive(t *testing.T) {
	g, _ := newTestGuard(t, WithLoginPolicy(2, time.Minute))
	ctx := t.Context()

	_, _ = g.RecordFailedLogin(ctx, "A@example.com")
	_, _ = g.RecordFailedLogin(ctx, " a@EXAMPLE.com")
	assert.ErrorIs(t, g.CheckLoginAttempt(ctx, "a@example.com"), ErrLocked)
}

func TestGuard_LockExpiresLazily(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := t.Context()
	email := "a@example.com"

	for range DefaultMaxLoginAttempts {
		_, err := g.RecordFailedLogin(ctx, email)
		require.NoError(t, err)
	}
	clock.Advance(DefaultLockoutDuration - time.Second)
	assert.ErrorIs(t, g.CheckLoginAttempt(ctx, email), ErrLocked)

	clock.Advance(time.Second)
	assert.NoError(t, g.CheckLoginAttempt(ctx, email))

	// The stale lock counts as reset.
	n, err := g.RecordFailedLogin(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGuard_FailuresWhileLockedDoNotExtendLock(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := t.Context()
	email := "a@example.com"
	for range DefaultMaxLoginAttempts {
		_, _ = g.RecordFailedLogin(ctx, email)
	}
	clock.Advance(10 * time.Minute)
	n, err := g.RecordFailedLogin(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxLoginAttempts, n)

	var locked *LockedError
	require.ErrorAs(t, g.CheckLoginAttempt(ctx, email), &locked)
	assert.Equal(t, 300, locked.RetryAfterSeconds())
}

func TestGuard_PartialCountsExpire(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := t.Context()
	email := "a@example.com"

	for range 3 {
		_, _ = g.RecordFailedLogin(ctx, email)
	}
	clock.Advance(DefaultLockoutDuration)
	n, err := g.RecordFailedLogin(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGuard_ClearLoginAttempts(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := t.Context()
	email := "a@example.com"

	for range DefaultMaxLoginAttempts - 1 {
		_, _ = g.RecordFailedLogin(ctx, email)
	}
	require.NoError(t, g.ClearLoginAttempts(ctx, email))
	n, err := g.RecordFailedLogin(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, g.ClearLoginAttempts(ctx, "never-failed@example.com"))
}

func TestGuard_APIRateLimit(t *testing.T) {
	g, clock := newTestGuard(t)
	ctx := t.Context()
	id := "user-1:10.0.0.1"

	for i := 1; i <= DefaultAPIRequestCap; i++ {
		st, err := g.AllowAPIRequest(ctx, id)
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, DefaultAPIRequestCap-i, st.Remaining)
	}

	st, err := g.AllowAPIRequest(ctx, id)
	require.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, 0, st.Remaining)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Greater(t, locked.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, locked.RetryAfter, DefaultAPIWindow)

	_, err = g.AllowAPIRequest(ctx, "user-1:10.0.0.2")
	assert.NoError(t, err, "other identities have their own window")

	clock.Advance(locked.RetryAfter)
	_, err = g.AllowAPIRequest(ctx, id)
	assert.NoError(t, err, "a new window starts after retry-after")
}

func TestGuard_RetryAfterTracksWindowPosition(t *testing.T) {
	g, _ := newTestGuard(t)
	for offset := int64(0); offset < 60; offset += 7 {
		now := time.Unix(1_700_000_040+offset, 0)
		start, retry := g.window(now)
		assert.Equal(t, int64(0), start%60)
		assert.Equal(t, time.Duration(60-(now.Unix()%60))*time.Second, retry)
		assert.Greater(t, retry, time.Duration(0))
		assert.LessOrEqual(t, retry, 60*time.Second)
	}
}

func TestGuard_CheckThenIncrement(t *testing.T) {
	g, _ := newTestGuard(t, WithAPILimit(3, time.Minute))
	ctx := t.Context()
	id := "u:ip"

	for range 3 {
		_, err := g.CheckAPIRateLimit(ctx, id)
		require.NoError(t, err)
		require.NoError(t, g.IncrementAPICount(ctx, id))
	}
	st, err := g.CheckAPIRateLimit(ctx, id)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, 3, st.Count)
}

func TestGuard_AllowAPIRequestIsAtomic(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := t.Context()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.AllowAPIRequest(ctx, "u:ip"); err == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(DefaultAPIRequestCap), allowed.Load())
}
