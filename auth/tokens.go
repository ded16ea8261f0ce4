package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/ironward/internal/util"
	"github.com/jmcleod/ironward/storage"
	"github.com/jmcleod/ironward/vault"
)

const (
	// MinSecretLength is the recommended minimum signing secret size.
	MinSecretLength = 32

	DefaultIssuer          = "ironward"
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	attachmentTokenTTL     = 5 * time.Minute
	refreshTokenBytes      = 32

	audienceAPI        = "api"
	audienceAttachment = "attachment"

	refreshIndex = vault.KindRefreshToken
)

var (
	compareVerifier = util.CompareArgon2idKey

	unknownUserSalt = make([]byte, 16)
	unknownUserHash = make([]byte, 32)
)

// UserFinder looks up users for token verification and password grants.
// Both methods return (nil, nil) when the user does not exist.
type UserFinder interface {
	FindUserByID(ctx context.Context, id string) (*vault.User, error)
	FindUserByEmail(ctx context.Context, email string) (*vault.User, error)
}

// LoginGuard gates password grants.
type LoginGuard interface {
	CheckLoginAttempt(ctx context.Context, email string) error
	RecordFailedLogin(ctx context.Context, email string) (int, error)
	ClearLoginAttempts(ctx context.Context, email string) error
}

// Claims are the access token claims. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Email         string   `json:"email"`
	Name          string   `json:"name"`
	EmailVerified bool     `json:"email_verified"`
	AMR           []string `json:"amr"`
	SecurityStamp string   `json:"sstamp"`
	Premium       bool     `json:"premium"`
	Device        string   `json:"device,omitempty"`
	Scope         []string `json:"scope,omitempty"`
}

// UserID returns the authenticated user's id.
func (c *Claims) UserID() string {
	return c.Subject
}

type attachmentClaims struct {
	jwt.RegisteredClaims
	CipherID     string `json:"cipher_id"`
	AttachmentID string `json:"attachment_id"`
}

// Session is the result of a successful grant.
type Session struct {
	User         *vault.User
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scope        []string
}

// refreshRecord is stored under the SHA-256 of the refresh token.
type refreshRecord struct {
	UserID    string    `json:"user_id"`
	Device    string    `json:"device,omitzero"`
	CreatedAt time.Time `json:"created_at"`
}

func refreshKey(hash string) string {
	return "refresh/" + hash
}

// TokenService issues HS256 access tokens and opaque refresh tokens.
type TokenService struct {
	secret     *memguard.LockedBuffer
	users      UserFinder
	kv         storage.Store
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger

	verifierParams vault.Argon2idParams
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		s.issuer = issuer
	}
}

func WithAccessTokenTTL(d time.Duration) TokenOption {
	return func(s *TokenService) {
		s.accessTTL = d
	}
}

// WithTokenClock overrides the time source used for issuing and validating tokens.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		s.now = now
	}
}

func WithLogger(logger *slog.Logger) TokenOption {
	return func(s *TokenService) {
		s.logger = logger
	}
}

// WithVerifierParams sets the argon2id cost spent on logins for unknown
// emails. It should match the parameters the user store hashes with.
func WithVerifierParams(params vault.Argon2idParams) TokenOption {
	return func(s *TokenService) {
		s.verifierParams = params
	}
}

// NewTokenService creates a TokenService signing with secret. An empty
// secret is rejected; a secret shorter than MinSecretLength is accepted
// with a warning. The secret is copied into locked memory.
func NewTokenService(secret []byte, users UserFinder, kv storage.Store, opts ...TokenOption) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("token signing secret is required")
	}
	s := &TokenService{
		users:      users,
		kv:         kv,
		issuer:     DefaultIssuer,
		accessTTL:  DefaultAccessTokenTTL,
		refreshTTL: DefaultRefreshTokenTTL,
		now:        time.Now,
		logger:     slog.Default(),

		verifierParams: util.DefaultArgon2idParams(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(secret) < MinSecretLength {
		s.logger.Warn("token signing secret is shorter than recommended",
			"length", len(secret),
			"minimum", MinSecretLength,
		)
	}
	s.secret = memguard.NewBufferFromBytes(util.CopyBytes(secret))
	s.secret.Freeze()
	return s, nil
}

// Close destroys the signing secret. The service must not be used afterwards.
func (s *TokenService) Close() {
	s.secret.Destroy()
}

// AccessTokenTTL reports the lifetime of issued access tokens.
func (s *TokenService) AccessTokenTTL() time.Duration {
	return s.accessTTL
}

func (s *TokenService) keyFunc(*jwt.Token) (any, error) {
	return s.secret.Bytes(), nil
}

func (s *TokenService) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret.Bytes())
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) parserOptions(audience string) []jwt.ParserOption {
	return []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
}

var defaultScope = []string{"api", "offline_access"}

func (s *TokenService) issueAccessToken(user *vault.User, device string) (string, error) {
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{audienceAPI},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
		Email:         user.Email,
		Name:          user.Name,
		EmailVerified: user.EmailVerified,
		AMR:           []string{"Application"},
		SecurityStamp: user.SecurityStamp,
		Premium:       user.Premium,
		Device:        device,
		Scope:         defaultScope,
	}
	return s.sign(claims)
}

// IssueSession mints an access token and a new refresh token for user.
func (s *TokenService) IssueSession(ctx context.Context, user *vault.User, device string) (*Session, error) {
	access, err := s.issueAccessToken(user, device)
	if err != nil {
		return nil, err
	}
	refresh, err := util.RandomToken(refreshTokenBytes)
	if err != nil {
		return nil, err
	}
	rec, err := json.Marshal(&refreshRecord{UserID: user.ID, Device: device, CreatedAt: s.now().UTC()})
	if err != nil {
		return nil, err
	}
	hash := util.SHA256Hex(refresh)
	err = s.kv.Update(ctx, func(tx storage.Tx) error {
		if err := s.pruneRefreshIndex(tx, user.ID); err != nil {
			return err
		}
		if err := tx.Put(refreshKey(hash), rec, s.refreshTTL); err != nil {
			return err
		}
		return vault.IndexAdd(tx, refreshIndex, user.ID, hash)
	})
	if err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}
	return &Session{
		User:         user,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    s.accessTTL,
		Scope:        defaultScope,
	}, nil
}

// pruneRefreshIndex drops index entries whose token has expired.
func (s *TokenService) pruneRefreshIndex(tx storage.Tx, userID string) error {
	hashes, err := vault.IndexIDs(tx, refreshIndex, userID)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		_, err := tx.Get(refreshKey(h))
		if errors.Is(err, storage.ErrNotFound) {
			if err := vault.IndexRemove(tx, refreshIndex, userID, h); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// VerifyAccessToken validates an Authorization header value and returns the
// token's claims. The token's security stamp must equal the user's current
// stamp.
func (s *TokenService) VerifyAccessToken(ctx context.Context, header string) (*Claims, error) {
	scheme, raw, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, ErrUnauthorized
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrUnauthorized
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(raw, claims, s.keyFunc, s.parserOptions(audienceAPI)...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	user, err := s.users.FindUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("loading token subject: %w", err)
	}
	if user == nil {
		return nil, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(claims.SecurityStamp), []byte(user.SecurityStamp)) != 1 {
		return nil, fmt.Errorf("%w: security stamp changed", ErrUnauthorized)
	}
	return claims, nil
}

// RedeemRefreshToken mints a new access token for a stored refresh token.
// The refresh token itself is returned unchanged and its lifetime restarts.
// The lifetime is only extended if the token still exists when the owner
// has been loaded, so a concurrent revocation always wins.
func (s *TokenService) RedeemRefreshToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrInvalidGrant
	}
	hash := util.SHA256Hex(token)
	key := refreshKey(hash)
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}
	var rec refreshRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding refresh token: %w", err)
	}
	user, err := s.users.FindUserByID(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading refresh token owner: %w", err)
	}
	if user == nil {
		if err := s.dropRefreshToken(ctx, rec.UserID, hash); err != nil {
			s.logger.Warn("deleting orphaned refresh token failed", "user_id", rec.UserID, "error", err)
		}
		return nil, ErrInvalidGrant
	}

	err = s.kv.Update(ctx, func(tx storage.Tx) error {
		current, err := tx.Get(key)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidGrant
		}
		if err != nil {
			return err
		}
		var cur refreshRecord
		if err := json.Unmarshal(current, &cur); err != nil {
			return fmt.Errorf("decoding refresh token: %w", err)
		}
		if cur.UserID != user.ID {
			return ErrInvalidGrant
		}
		if err := tx.Put(key, current, s.refreshTTL); err != nil {
			return err
		}
		return vault.IndexAdd(tx, refreshIndex, user.ID, hash)
	})
	if errors.Is(err, ErrInvalidGrant) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("extending refresh token: %w", err)
	}

	access, err := s.issueAccessToken(user, rec.Device)
	if err != nil {
		return nil, err
	}
	return &Session{
		User:         user,
		AccessToken:  access,
		RefreshToken: token,
		ExpiresIn:    s.accessTTL,
		Scope:        defaultScope,
	}, nil
}

func (s *TokenService) dropRefreshToken(ctx context.Context, userID, hash string) error {
	return s.kv.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Delete(refreshKey(hash)); err != nil {
			return err
		}
		return vault.IndexRemove(tx, refreshIndex, userID, hash)
	})
}

// RevokeRefreshToken deletes a refresh token. Unknown tokens are ignored.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, token string) error {
	hash := util.SHA256Hex(token)
	return s.kv.Update(ctx, func(tx storage.Tx) error {
		data, err := tx.Get(refreshKey(hash))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec refreshRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding refresh token: %w", err)
		}
		if err := tx.Delete(refreshKey(hash)); err != nil {
			return err
		}
		return vault.IndexRemove(tx, refreshIndex, rec.UserID, hash)
	})
}

// RevokeAllRefreshTokens deletes every refresh token issued to the user and
// returns how many were removed.
func (s *TokenService) RevokeAllRefreshTokens(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		hashes, err := vault.IndexIDs(tx, refreshIndex, userID)
		if err != nil {
			return err
		}
		for _, h := range hashes {
			if err := tx.Delete(refreshKey(h)); err != nil {
				return err
			}
			if err := vault.IndexRemove(tx, refreshIndex, userID, h); err != nil {
				return err
			}
		}
		n = len(hashes)
		return nil
	})
	return n, err
}

// VerifyPasswordGrant returns the user when verifier matches, and
// ErrInvalidGrant for an unknown email or a mismatch.
func (s *TokenService) VerifyPasswordGrant(ctx context.Context, email, verifier string) (*vault.User, error) {
	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		// Pay the same hashing cost as a real check so response time does
		// not reveal whether the account exists.
		compareVerifier(verifier, unknownUserSalt, s.verifierParams, unknownUserHash)
		return nil, ErrInvalidGrant
	}
	if !user.CheckVerifier(verifier) {
		return nil, ErrInvalidGrant
	}
	return user, nil
}

// PasswordGrant runs the resource-owner password flow: a locked email is
// refused, a wrong verifier counts as a failure, and a success clears the
// failure record before a session is issued.
func (s *TokenService) PasswordGrant(ctx context.Context, guard LoginGuard, email, verifier, device string) (*Session, error) {
	if err := guard.CheckLoginAttempt(ctx, email); err != nil {
		return nil, err
	}
	user, err := s.VerifyPasswordGrant(ctx, email, verifier)
	if errors.Is(err, ErrInvalidGrant) {
		if _, rerr := guard.RecordFailedLogin(ctx, email); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if err := guard.ClearLoginAttempts(ctx, email); err != nil {
		return nil, fmt.Errorf("clearing login attempts: %w", err)
	}
	return s.IssueSession(ctx, user, device)
}

// Prelogin returns the KDF parameters for email. Unknown emails get the
// defaults so the response does not reveal whether an account exists.
func (s *TokenService) Prelogin(ctx context.Context, email string) (vault.KDFParams, error) {
	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		return vault.KDFParams{}, fmt.Errorf("loading user: %w", err)
	}
	if user == nil {
		return vault.DefaultKDFParams(), nil
	}
	return user.KDF, nil
}

// IssueAttachmentToken returns a short-lived token authorizing a single
// attachment download without an Authorization header.
func (s *TokenService) IssueAttachmentToken(userID, cipherID, attachmentID string) (string, error) {
	now := s.now()
	return s.sign(&attachmentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{audienceAttachment},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(attachmentTokenTTL)),
		},
		CipherID:     cipherID,
		AttachmentID: attachmentID,
	})
}

// VerifyAttachmentToken checks a download token against the requested
// attachment and returns the owning user id.
func (s *TokenService) VerifyAttachmentToken(token, cipherID, attachmentID string) (string, error) {
	claims := &attachmentClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, s.keyFunc, s.parserOptions(audienceAttachment)...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.CipherID != cipherID || claims.AttachmentID != attachmentID {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}
