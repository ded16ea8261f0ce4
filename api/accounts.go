package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/ironward/vault"
)

// KeysResponse echoes the stored key pair.
type KeysResponse struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	Object     string `json:"object"`
}

// currentUser loads the user named by the access token. A user deleted
// after the token was verified gets a 401.
func (a *API) currentUser(w http.ResponseWriter, r *http.Request) (*vault.User, bool) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	user, err := a.store.FindUserByID(r.Context(), claims.UserID())
	if err != nil {
		a.mapError(w, r, err)
		return nil, false
	}
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return user, true
}

// userID returns the authenticated user id. Only valid behind AuthMiddleware.
func userID(r *http.Request) string {
	return claimsFromContext(r.Context()).UserID()
}

func newProfileResponse(u *vault.User) ProfileResponse {
	culture := u.Culture
	if culture == "" {
		culture = "en-US"
	}
	return ProfileResponse{
		ID:                    u.ID,
		Name:                  u.Name,
		Email:                 u.Email,
		EmailVerified:         u.EmailVerified,
		Premium:               u.Premium,
		MasterPasswordHint:    optional(u.PasswordHint),
		Culture:               culture,
		Key:                   u.Key,
		PrivateKey:            optional(u.PrivateKey),
		SecurityStamp:         u.SecurityStamp,
		CreationDate:          u.CreatedAt,
		Organizations:         []any{},
		Providers:             []any{},
		ProviderOrganizations: []any{},
		Object:                "profile",
	}
}

// GetProfile handles GET /api/accounts/profile.
func (a *API) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := a.currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newProfileResponse(user))
}

// UpdateProfile handles PUT and POST /api/accounts/profile.
func (a *API) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ProfileRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	name := strings.TrimSpace(req.Name)
	if len(name) > 50 {
		writeError(w, http.StatusBadRequest, "name must be at most 50 characters")
		return
	}

	user, err := a.store.UpdateProfile(r.Context(), userID(r), vault.ProfileUpdate{
		Name:         name,
		PasswordHint: req.MasterPasswordHint,
		Culture:      req.Culture,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditProfileUpdated, r, user.ID)
	writeJSON(w, http.StatusOK, newProfileResponse(user))
}

// RevisionDate handles GET /api/accounts/revision-date. The body is the
// stamp in epoch milliseconds.
func (a *API) RevisionDate(w http.ResponseWriter, r *http.Request) {
	rev, err := a.store.RevisionDate(r.Context(), userID(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev.UnixMilli())
}

// verifySecret checks the current password verifier, writing a 400 on mismatch.
func (a *API) verifySecret(w http.ResponseWriter, user *vault.User, verifier string) bool {
	if verifier == "" || !user.CheckVerifier(verifier) {
		writeError(w, http.StatusBadRequest, "invalid password")
		return false
	}
	return true
}

// ChangePassword handles POST /api/accounts/password. Every refresh token
// is revoked and outstanding access tokens stop verifying.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PasswordRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	user, ok := a.currentUser(w, r)
	if !ok || !a.verifySecret(w, user, req.MasterPasswordHash) {
		return
	}
	if req.NewMasterPasswordHash == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "newMasterPasswordHash and key are required")
		return
	}

	if _, err := a.store.ChangePassword(r.Context(), user.ID, vault.PasswordChange{
		Verifier: req.NewMasterPasswordHash,
		Key:      req.Key,
	}); err != nil {
		a.mapError(w, r, err)
		return
	}
	if req.MasterPasswordHint != user.PasswordHint {
		if _, err := a.store.UpdateProfile(r.Context(), user.ID, vault.ProfileUpdate{
			Name:         user.Name,
			PasswordHint: req.MasterPasswordHint,
		}); err != nil {
			a.mapError(w, r, err)
			return
		}
	}
	revoked, err := a.tokens.RevokeAllRefreshTokens(r.Context(), user.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditPasswordChanged, r, user.ID, slog.Int("revoked_tokens", revoked))
	w.WriteHeader(http.StatusOK)
}

// RotateSecurityStamp handles POST /api/accounts/security-stamp, which
// logs out every client.
func (a *API) RotateSecurityStamp(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SecretVerificationRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	user, ok := a.currentUser(w, r)
	if !ok || !a.verifySecret(w, user, req.MasterPasswordHash) {
		return
	}

	if _, err := a.store.RotateSecurityStamp(r.Context(), user.ID); err != nil {
		a.mapError(w, r, err)
		return
	}
	revoked, err := a.tokens.RevokeAllRefreshTokens(r.Context(), user.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditSecurityStampRotated, r, user.ID, slog.Int("revoked_tokens", revoked))
	w.WriteHeader(http.StatusOK)
}

// VerifyPassword handles POST /api/accounts/verify-password.
func (a *API) VerifyPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SecretVerificationRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	user, ok := a.currentUser(w, r)
	if !ok || !a.verifySecret(w, user, req.MasterPasswordHash) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetKeys handles POST /api/accounts/keys.
func (a *API) SetKeys(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[KeysRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.PublicKey == "" || req.EncryptedPrivateKey == "" {
		writeError(w, http.StatusBadRequest, "publicKey and encryptedPrivateKey are required")
		return
	}

	user, err := a.store.SetKeys(r.Context(), userID(r), req.PublicKey, req.EncryptedPrivateKey)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditKeysUpdated, r, user.ID)
	writeJSON(w, http.StatusOK, KeysResponse{
		PublicKey:  user.PublicKey,
		PrivateKey: user.PrivateKey,
		Object:     "keys",
	})
}

// Logout handles POST /api/accounts/logout by revoking the given refresh
// token. Unknown tokens are accepted silently.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LogoutRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}
	if err := a.tokens.RevokeRefreshToken(r.Context(), req.RefreshToken); err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditLogout, r, userID(r))
	w.WriteHeader(http.StatusOK)
}
