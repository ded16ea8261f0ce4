package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmcleod/ironward/internal/util"
	"github.com/jmcleod/ironward/storage"
	"github.com/jmcleod/ironward/storage/memory"
	"github.com/jmcleod/ironward/storage/storagetest"
	"github.com/jmcleod/ironward/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type tokenFixture struct {
	svc   *TokenService
	guard *Guard
	store *vault.Store
	kv    *memory.Store
	clock *storagetest.Clock
	user  *vault.User
}

const testVerifier = "bWFzdGVyLWhhc2g="

var fastVerifierParams = vault.Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, KeyLen: 32}

// interceptFinder runs beforeFind once, on the next user lookup by id, and
// can pretend every user is gone.
type interceptFinder struct {
	UserFinder
	beforeFind func()
	gone       bool
}

func (f *interceptFinder) FindUserByID(ctx context.Context, id string) (*vault.User, error) {
	if fn := f.beforeFind; fn != nil {
		f.beforeFind = nil
		fn()
	}
	if f.gone {
		return nil, nil
	}
	return f.UserFinder.FindUserByID(ctx, id)
}

func (f *tokenFixture) serviceWithFinder(t *testing.T, finder UserFinder) *TokenService {
	t.Helper()
	svc, err := NewTokenService(testSecret, finder, f.kv, WithTokenClock(f.clock.Now), WithVerifierParams(fastVerifierParams))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func newTokenFixture(t *testing.T, opts ...TokenOption) *tokenFixture {
	t.Helper()
	clock := storagetest.NewClock()
	kv := memory.New(memory.WithClock(clock.Now))
	store := vault.New(kv,
		vault.WithClock(clock.Now),
		vault.WithVerifierParams(fastVerifierParams),
	)
	user, err := store.CreateUser(t.Context(), vault.NewUser{
		Email:    "a@example.com",
		Name:     "Alice",
		Verifier: testVerifier,
		KDF:      vault.DefaultKDFParams(),
	})
	require.NoError(t, err)

	opts = append([]TokenOption{WithTokenClock(clock.Now), WithVerifierParams(fastVerifierParams)}, opts...)
	svc, err := NewTokenService(testSecret, store, kv, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &tokenFixture{
		svc:   svc,
		guard: NewGuard(kv, WithGuardClock(clock.Now)),
		store: store,
		kv:    kv,
		clock: clock,
		user:  user,
	}
}

func bearer(token string) string {
	return "Bearer " + token
}

func TestNewTokenService_Secret(t *testing.T) {
	kv := memory.New()
	store := vault.New(kv)

	_, err := NewTokenService(nil, store, kv)
	assert.Error(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	svc, err := NewTokenService([]byte("short"), store, kv, WithLogger(logger))
	require.NoError(t, err)
	defer svc.Close()
	assert.Contains(t, buf.String(), "shorter than recommended")

	buf.Reset()
	secret := append([]byte(nil), testSecret...)
	svc2, err := NewTokenService(secret, store, kv, WithLogger(logger))
	require.NoError(t, err)
	defer svc2.Close()
	assert.Empty(t, buf.String())
	assert.Equal(t, testSecret, secret, "caller's secret must not be wiped")
}

func TestTokenService_IssueAndVerify(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()

	sess, err := f.svc.IssueSession(ctx, f.user, "device-1")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)
	assert.Equal(t, DefaultAccessTokenTTL, sess.ExpiresIn)

	claims, err := f.svc.VerifyAccessToken(ctx, bearer(sess.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, claims.UserID())
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, f.user.SecurityStamp, claims.SecurityStamp)
	assert.Equal(t, DefaultIssuer, claims.Issuer)
	assert.Equal(t, "device-1", claims.Device)
	assert.True(t, claims.Premium)
	assert.Equal(t, []string{"Application"}, claims.AMR)

	_, err = f.svc.VerifyAccessToken(ctx, "bearer "+sess.AccessToken)
	assert.NoError(t, err, "scheme is case-insensitive")
}

func TestTokenService_RejectsMalformedHeaders(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	sess, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	for name, header := range map[string]string{
		"empty":       "",
		"no scheme":   sess.AccessToken,
		"basic":       "Basic " + sess.AccessToken,
		"empty token": "Bearer ",
		"garbage":     "Bearer not.a.jwt",
		"tampered":    bearer(sess.AccessToken[:len(sess.AccessToken)-2] + "xx"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.VerifyAccessToken(ctx, header)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestTokenService_RejectsForeignTokens(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	now := f.clock.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   f.user.ID,
			Issuer:    DefaultIssuer,
			Audience:  jwt.ClaimStrings{audienceAPI},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		SecurityStamp: f.user.SecurityStamp,
	}

	t.Run("OtherSecret", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("another-secret-another-secret-xx"))
		require.NoError(t, err)
		_, err = f.svc.VerifyAccessToken(ctx, bearer(tok))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("OtherAlgorithm", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
		require.NoError(t, err)
		_, err = f.svc.VerifyAccessToken(ctx, bearer(tok))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("OtherIssuer", func(t *testing.T) {
		other := *claims
		other.Issuer = "someone-else"
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &other).SignedString(testSecret)
		require.NoError(t, err)
		_, err = f.svc.VerifyAccessToken(ctx, bearer(tok))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("NoExpiry", func(t *testing.T) {
		other := *claims
		other.ExpiresAt = nil
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &other).SignedString(testSecret)
		require.NoError(t, err)
		_, err = f.svc.VerifyAccessToken(ctx, bearer(tok))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("AttachmentTokenAsAccessToken", func(t *testing.T) {
		tok, err := f.svc.IssueAttachmentToken(f.user.ID, "c", "a")
		require.NoError(t, err)
		_, err = f.svc.VerifyAccessToken(ctx, bearer(tok))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestTokenService_ExpiredToken(t *testing.T) {
	f := newTokenFixture(t, WithAccessTokenTTL(10*time.Minute))
	ctx := t.Context()
	sess, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	f.clock.Advance(9 * time.Minute)
	_, err = f.svc.VerifyAccessToken(ctx, bearer(sess.AccessToken))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.VerifyAccessToken(ctx, bearer(sess.AccessToken))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenService_StaleSecurityStampIsRejected(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	sess, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	_, err = f.store.RotateSecurityStamp(ctx, f.user.ID)
	require.NoError(t, err)

	_, err = f.svc.VerifyAccessToken(ctx, bearer(sess.AccessToken))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.store.ChangePassword(ctx, f.user.ID, vault.PasswordChange{Verifier: "new"})
	require.NoError(t, err)
	refreshed, err := f.svc.RedeemRefreshToken(ctx, sess.RefreshToken)
	require.NoError(t, err)
	_, err = f.svc.VerifyAccessToken(ctx, bearer(refreshed.AccessToken))
	assert.NoError(t, err, "tokens minted after the change carry the new stamp")
}

func TestTokenService_DeletedUser(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	sess, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	_, err = f.store.DeleteUser(ctx, f.user.ID)
	require.NoError(t, err)

	_, err = f.svc.VerifyAccessToken(ctx, bearer(sess.AccessToken))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.RedeemRefreshToken(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestTokenService_RefreshIsNonRotating(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	sess, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	first, err := f.svc.RedeemRefreshToken(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, sess.RefreshToken, first.RefreshToken)
	assert.NotEqual(t, sess.AccessToken, first.AccessToken)

	second, err := f.svc.RedeemRefreshToken(ctx, sess.RefreshToken)
	require.NoError(t, err, "a redeemed refresh token stays valid")
	_, err = f.svc.VerifyAccessToken(ctx, bearer(second.AccessToken))
	assert.NoError(t, err)

	_, err = f.svc.RedeemRefreshToken(ctx, "unknown")
	assert.ErrorIs(t, err, ErrInvalidGrant)
	_, err = f.svc.RedeemRefreshToken(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestTokenService_RefreshLifetime(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	idle, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)
	active, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	f.clock.Advance(29 * 24 * time.Hour)
	_, err = f.svc.RedeemRefreshToken(ctx, active.RefreshToken)
	require.NoError(t, err)

	f.clock.Advance(2 * 24 * time.Hour)
	_, err = f.svc.RedeemRefreshToken(ctx, idle.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant, "unused token expires after 30 days")
	_, err = f.svc.RedeemRefreshToken(ctx, active.RefreshToken)
	assert.NoError(t, err, "redeeming restarts the 30 day lifetime")
}

func TestTokenService_Revocation(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	s1, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)
	s2, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)
	s3, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeRefreshToken(ctx, s1.RefreshToken))
	require.NoError(t, f.svc.RevokeRefreshToken(ctx, "unknown"))
	_, err = f.svc.RedeemRefreshToken(ctx, s1.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	n, err := f.svc.RevokeAllRefreshTokens(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, s := range []*Session{s2, s3} {
		_, err = f.svc.RedeemRefreshToken(ctx, s.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidGrant)
	}
}

func TestTokenService_RevokeDuringRedeemWins(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	finder := &interceptFinder{UserFinder: f.store}
	svc := f.serviceWithFinder(t, finder)

	sess, err := svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	// A password change lands between the token read and the lifetime
	// extension.
	finder.beforeFind = func() {
		n, err := svc.RevokeAllRefreshTokens(ctx, f.user.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = f.store.RotateSecurityStamp(ctx, f.user.ID)
		require.NoError(t, err)
	}
	_, err = svc.RedeemRefreshToken(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant, "in-flight redeem must not resurrect a revoked token")

	_, err = svc.RedeemRefreshToken(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	_, err = f.kv.Get(ctx, refreshKey(util.SHA256Hex(sess.RefreshToken)))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	ids, err := f.store.Index(ctx, refreshIndex, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTokenService_ConcurrentRedeemAndRevoke(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	sess, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RedeemRefreshToken(ctx, sess.RefreshToken)
			if err != nil && !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("redeem: %v", err)
			}
		}()
		if i == 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.svc.RevokeAllRefreshTokens(ctx, f.user.ID); err != nil {
					t.Errorf("revoke: %v", err)
				}
			}()
		}
	}
	wg.Wait()

	// Every redeem that survived the race keeps the token indexed, so one
	// more revocation always reaches it.
	_, err = f.svc.RevokeAllRefreshTokens(ctx, f.user.ID)
	require.NoError(t, err)
	_, err = f.svc.RedeemRefreshToken(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestTokenService_RedeemDropsOrphanedToken(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	finder := &interceptFinder{UserFinder: f.store}
	svc := f.serviceWithFinder(t, finder)

	sess, err := svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	finder.gone = true
	_, err = svc.RedeemRefreshToken(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, err = f.kv.Get(ctx, refreshKey(util.SHA256Hex(sess.RefreshToken)))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	ids, err := f.store.Index(ctx, refreshIndex, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTokenService_UnknownEmailPaysHashCost(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()

	var calls int
	orig := compareVerifier
	compareVerifier = func(secret string, salt []byte, params util.Argon2idParams, expected []byte) (bool, error) {
		calls++
		assert.Equal(t, fastVerifierParams, params)
		return orig(secret, salt, params, expected)
	}
	t.Cleanup(func() { compareVerifier = orig })

	_, err := f.svc.VerifyPasswordGrant(ctx, "nobody@example.com", testVerifier)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.Equal(t, 1, calls)
}

func TestTokenService_RefreshIndexIsPruned(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()
	_, err := f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	f.clock.Advance(DefaultRefreshTokenTTL)
	_, err = f.svc.IssueSession(ctx, f.user, "")
	require.NoError(t, err)

	n, err := f.svc.RevokeAllRefreshTokens(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expired tokens drop out of the index on the next issue")
}

func TestTokenService_PasswordGrant(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()

	sess, err := f.svc.PasswordGrant(ctx, f.guard, "A@Example.com", testVerifier, "dev")
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, sess.User.ID)

	_, err = f.svc.PasswordGrant(ctx, f.guard, "a@example.com", "wrong", "dev")
	assert.ErrorIs(t, err, ErrInvalidGrant)
	_, err = f.svc.PasswordGrant(ctx, f.guard, "nobody@example.com", testVerifier, "dev")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestTokenService_LockoutScenario(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()

	for i := 0; i < DefaultMaxLoginAttempts; i++ {
		_, err := f.svc.PasswordGrant(ctx, f.guard, "a@example.com", "wrong", "")
		require.ErrorIs(t, err, ErrInvalidGrant, "attempt %d", i+1)
	}

	_, err := f.svc.PasswordGrant(ctx, f.guard, "a@example.com", testVerifier, "")
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.InDelta(t, 900, locked.RetryAfterSeconds(), 1)

	f.clock.Advance(DefaultLockoutDuration)
	_, err = f.svc.PasswordGrant(ctx, f.guard, "a@example.com", testVerifier, "")
	assert.NoError(t, err)
}

func TestTokenService_SuccessClearsFailures(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()

	for range DefaultMaxLoginAttempts - 1 {
		_, _ = f.svc.PasswordGrant(ctx, f.guard, "a@example.com", "wrong", "")
	}
	_, err := f.svc.PasswordGrant(ctx, f.guard, "a@example.com", testVerifier, "")
	require.NoError(t, err)

	// A fresh cycle needs the full threshold again.
	for range DefaultMaxLoginAttempts - 1 {
		_, _ = f.svc.PasswordGrant(ctx, f.guard, "a@example.com", "wrong", "")
	}
	assert.NoError(t, f.guard.CheckLoginAttempt(ctx, "a@example.com"))
}

func TestTokenService_Prelogin(t *testing.T) {
	f := newTokenFixture(t)
	ctx := t.Context()

	mem, par := 64, 4
	_, err := f.store.ChangePassword(ctx, f.user.ID, vault.PasswordChange{
		Verifier: testVerifier,
		KDF:      &vault.KDFParams{Type: vault.KDFTypeArgon2id, Iterations: 3, Memory: &mem, Parallelism: &par},
	})
	require.NoError(t, err)

	kdf, err := f.svc.Prelogin(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, vault.KDFTypeArgon2id, kdf.Type)
	assert.Equal(t, 3, kdf.Iterations)

	kdf, err = f.svc.Prelogin(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Equal(t, vault.DefaultKDFParams(), kdf)
}

func TestTokenService_AttachmentTokens(t *testing.T) {
	f := newTokenFixture(t)

	tok, err := f.svc.IssueAttachmentToken(f.user.ID, "c1", "a1")
	require.NoError(t, err)

	userID, err := f.svc.VerifyAttachmentToken(tok, "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, userID)

	_, err = f.svc.VerifyAttachmentToken(tok, "c1", "a2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	sess, err := f.svc.IssueSession(t.Context(), f.user, "")
	require.NoError(t, err)
	_, err = f.svc.VerifyAttachmentToken(sess.AccessToken, "c1", "a1")
	assert.ErrorIs(t, err, ErrUnauthorized, "access tokens cannot download attachments")

	f.clock.Advance(5 * time.Minute)
	_, err = f.svc.VerifyAttachmentToken(tok, "c1", "a1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLockedError(t *testing.T) {
	err := &LockedError{RetryAfter: 1500 * time.Millisecond, Reason: "rate limit exceeded"}
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, 2, err.RetryAfterSeconds())
	assert.True(t, strings.Contains(err.Error(), "retry after 2s"))
	assert.Equal(t, 1, (&LockedError{}).RetryAfterSeconds())
}
