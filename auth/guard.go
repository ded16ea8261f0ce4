package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmcleod/ironward/internal/util"
	"github.com/jmcleod/ironward/storage"
)

const (
	// DefaultMaxLoginAttempts is the number of consecutive failures that locks an account.
	DefaultMaxLoginAttempts = 5
	// DefaultLockoutDuration is how long a locked account stays locked.
	DefaultLockoutDuration = 15 * time.Minute
	// lockoutTTLBuffer keeps a locked record around slightly past its lock.
	lockoutTTLBuffer = time.Minute

	// DefaultAPIWindow is the fixed rate-limit window.
	DefaultAPIWindow = 60 * time.Second
	// DefaultAPIRequestCap is the number of requests allowed per window.
	DefaultAPIRequestCap = 60
	// apiCounterBuffer keeps a window counter alive briefly past the window end.
	apiCounterBuffer = 5 * time.Second
)

// Guard enforces the login lockout and the per-identity API rate limit.
// All state lives in the backing storage.Store.
type Guard struct {
	kv          storage.Store
	now         func() time.Time
	maxAttempts int
	lockout     time.Duration
	apiWindow   time.Duration
	apiCap      int
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardClock overrides the guard's time source.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// WithLoginPolicy sets the failure threshold and lock duration.
func WithLoginPolicy(maxAttempts int, lockout time.Duration) GuardOption {
	return func(g *Guard) {
		g.maxAttempts = maxAttempts
		g.lockout = lockout
	}
}

// WithAPILimit sets the request cap per fixed window. The window is
// truncated to whole seconds.
func WithAPILimit(limit int, window time.Duration) GuardOption {
	return func(g *Guard) {
		g.apiCap = limit
		g.apiWindow = window.Truncate(time.Second)
	}
}

func NewGuard(kv storage.Store, opts ...GuardOption) *Guard {
	g := &Guard{
		kv:          kv,
		now:         time.Now,
		maxAttempts: DefaultMaxLoginAttempts,
		lockout:     DefaultLockoutDuration,
		apiWindow:   DefaultAPIWindow,
		apiCap:      DefaultAPIRequestCap,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.apiWindow < time.Second {
		g.apiWindow = DefaultAPIWindow
	}
	return g
}

// loginAttempts is the stored lockout state for one email.
type loginAttempts struct {
	Attempts    int       `json:"attempts"`
	LockedUntil time.Time `json:"locked_until,omitzero"`
}

func (r *loginAttempts) locked(now time.Time) bool {
	return !r.LockedUntil.IsZero() && now.Before(r.LockedUntil)
}

func (r *loginAttempts) expired(now time.Time) bool {
	return !r.LockedUntil.IsZero() && !now.Before(r.LockedUntil)
}

func lockoutKey(email string) string {
	return "lockout/" + util.NormalizeEmail(email)
}

// CheckLoginAttempt returns a *LockedError while the email is locked and nil
// otherwise. A lock that has run out counts as reset.
func (g *Guard) CheckLoginAttempt(ctx context.Context, email string) error {
	data, err := g.kv.Get(ctx, lockoutKey(email))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading login attempts: %w", err)
	}
	var rec loginAttempts
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decoding login attempts: %w", err)
	}
	now := g.now()
	if rec.locked(now) {
		return &LockedError{RetryAfter: rec.LockedUntil.Sub(now), Reason: "too many failed login attempts"}
	}
	return nil
}

// RecordFailedLogin counts a failure and locks the email once the threshold
// is reached. It returns the attempt count after recording.
func (g *Guard) RecordFailedLogin(ctx context.Context, email string) (int, error) {
	key := lockoutKey(email)
	var attempts int
	err := g.kv.Update(ctx, func(tx storage.Tx) error {
		now := g.now()
		var rec loginAttempts
		data, err := tx.Get(key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decoding login attempts: %w", err)
			}
		}
		if rec.expired(now) {
			rec = loginAttempts{}
		}
		if rec.locked(now) {
			attempts = rec.Attempts
			return nil
		}
		rec.Attempts++
		ttl := g.lockout
		if rec.Attempts >= g.maxAttempts {
			rec.LockedUntil = now.Add(g.lockout)
			ttl = g.lockout + lockoutTTLBuffer
		}
		attempts = rec.Attempts
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return tx.Put(key, out, ttl)
	})
	if err != nil {
		return 0, fmt.Errorf("recording failed login: %w", err)
	}
	return attempts, nil
}

// ClearLoginAttempts forgets every failure recorded for the email.
func (g *Guard) ClearLoginAttempts(ctx context.Context, email string) error {
	return g.kv.Delete(ctx, lockoutKey(email))
}

// RateStatus describes an identity's position in the current window.
type RateStatus struct {
	Count      int
	Remaining  int
	RetryAfter time.Duration
}

func (g *Guard) window(now time.Time) (start int64, retryAfter time.Duration) {
	size := int64(g.apiWindow / time.Second)
	unix := now.Unix()
	offset := unix % size
	return unix - offset, time.Duration(size-offset) * time.Second
}

func (g *Guard) rateKey(identity string, start int64) string {
	return "ratelimit/" + identity + "/" + strconv.FormatInt(start, 10)
}

func (g *Guard) status(count int, retryAfter time.Duration) RateStatus {
	return RateStatus{Count: count, Remaining: max(g.apiCap-count, 0), RetryAfter: retryAfter}
}

func (g *Guard) limited(retryAfter time.Duration) *LockedError {
	return &LockedError{RetryAfter: retryAfter, Reason: "rate limit exceeded"}
}

// CheckAPIRateLimit reads the identity's counter for the current window and
// returns a *LockedError when the cap has been reached. It does not count
// the request; see IncrementAPICount and AllowAPIRequest.
func (g *Guard) CheckAPIRateLimit(ctx context.Context, identity string) (RateStatus, error) {
	start, retryAfter := g.window(g.now())
	count := 0
	data, err := g.kv.Get(ctx, g.rateKey(identity, start))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return RateStatus{}, fmt.Errorf("reading rate counter: %w", err)
	default:
		if count, err = strconv.Atoi(string(data)); err != nil {
			return RateStatus{}, fmt.Errorf("decoding rate counter: %w", err)
		}
	}
	st := g.status(count, retryAfter)
	if count >= g.apiCap {
		return st, g.limited(retryAfter)
	}
	return st, nil
}

// IncrementAPICount counts one request against the current window.
func (g *Guard) IncrementAPICount(ctx context.Context, identity string) error {
	start, retryAfter := g.window(g.now())
	if _, err := g.kv.Incr(ctx, g.rateKey(identity, start), retryAfter+apiCounterBuffer); err != nil {
		return fmt.Errorf("incrementing rate counter: %w", err)
	}
	return nil
}

// AllowAPIRequest counts the request and decides in one atomic step, so
// concurrent requests cannot all observe a free slot.
func (g *Guard) AllowAPIRequest(ctx context.Context, identity string) (RateStatus, error) {
	start, retryAfter := g.window(g.now())
	n, err := g.kv.Incr(ctx, g.rateKey(identity, start), retryAfter+apiCounterBuffer)
	if err != nil {
		return RateStatus{}, fmt.Errorf("incrementing rate counter: %w", err)
	}
	st := g.status(int(n), retryAfter)
	if int(n) > g.apiCap {
		return st, g.limited(retryAfter)
	}
	return st, nil
}
