package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/ironward/auth"
	"github.com/jmcleod/ironward/vault"
)

// Token handles POST /identity/connect/token for the password and
// refresh_token grants. The body is form encoded.
func (a *API) Token(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSmallBodySize)
	if err := r.ParseForm(); err != nil {
		writeIdentityError(w, http.StatusBadRequest, "invalid_request", "malformed form body", "")
		return
	}

	switch grant := r.PostForm.Get("grant_type"); grant {
	case "password":
		a.passwordGrant(w, r)
	case "refresh_token":
		a.refreshGrant(w, r)
	default:
		writeIdentityError(w, http.StatusBadRequest, "unsupported_grant_type",
			"grant_type must be password or refresh_token", "")
	}
}

func (a *API) passwordGrant(w http.ResponseWriter, r *http.Request) {
	email := r.PostForm.Get("username")
	verifier := r.PostForm.Get("password")
	if email == "" || verifier == "" {
		writeIdentityError(w, http.StatusBadRequest, "invalid_request", "username and password are required", "")
		return
	}
	device := r.PostForm.Get("deviceIdentifier")

	session, err := a.tokens.PasswordGrant(r.Context(), a.guard, email, verifier, device)
	switch {
	case errors.Is(err, auth.ErrLocked):
		a.audit.logFailure(AuditLoginLocked, r, "account locked", attrEmail(email))
		a.mapError(w, r, err)
		return
	case errors.Is(err, auth.ErrInvalidGrant):
		a.audit.logFailure(AuditLoginFailure, r, "invalid credentials", attrEmail(email))
		a.mapError(w, r, err)
		return
	case err != nil:
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditLoginSuccess, r, session.User.ID, attrID("device", device))
	writeJSON(w, http.StatusOK, newTokenResponse(session))
}

func (a *API) refreshGrant(w http.ResponseWriter, r *http.Request) {
	token := r.PostForm.Get("refresh_token")
	if token == "" {
		writeIdentityError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required", "")
		return
	}

	session, err := a.tokens.RedeemRefreshToken(r.Context(), token)
	if errors.Is(err, auth.ErrInvalidGrant) {
		writeIdentityError(w, http.StatusBadRequest, "invalid_grant", "invalid refresh token", "")
		return
	}
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditTokenRefreshed, r, session.User.ID)
	writeJSON(w, http.StatusOK, newTokenResponse(session))
}

func newTokenResponse(s *auth.Session) TokenResponse {
	u := s.User
	return TokenResponse{
		AccessToken:         s.AccessToken,
		ExpiresIn:           int(s.ExpiresIn / time.Second),
		TokenType:           "Bearer",
		RefreshToken:        s.RefreshToken,
		Key:                 u.Key,
		PrivateKey:          optional(u.PrivateKey),
		Kdf:                 int(u.KDF.Type),
		KdfIterations:       u.KDF.Iterations,
		KdfMemory:           u.KDF.Memory,
		KdfParallelism:      u.KDF.Parallelism,
		ForcePasswordReset:  false,
		ResetMasterPassword: false,
		Scope:               strings.Join(s.Scope, " "),
		UnofficialServer:    true,
		UserDecryptionOptions: UserDecryptionOptions{
			HasMasterPassword: true,
			Object:            "userDecryptionOptions",
		},
	}
}

// Prelogin handles POST /identity/accounts/prelogin and its /api alias.
// Unknown emails receive the default parameters.
func (a *API) Prelogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PreloginRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	kdf, err := a.tokens.Prelogin(r.Context(), req.Email)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PreloginResponse{
		Kdf:            int(kdf.Type),
		KdfIterations:  kdf.Iterations,
		KdfMemory:      kdf.Memory,
		KdfParallelism: kdf.Parallelism,
	})
}

// Register handles POST /identity/accounts/register and its /api alias.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	if a.disableRegistration {
		writeError(w, http.StatusForbidden, "registration is disabled")
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.MasterPasswordHash == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "masterPasswordHash and key are required")
		return
	}

	kdf := kdfFromRequest(req)
	if err := kdf.Validate(); err != nil {
		a.mapError(w, r, err)
		return
	}

	in := vault.NewUser{
		Email:        req.Email,
		Name:         strings.TrimSpace(req.Name),
		Verifier:     req.MasterPasswordHash,
		PasswordHint: req.MasterPasswordHint,
		Key:          req.Key,
		KDF:          kdf,
	}
	if req.Keys != nil {
		in.PublicKey = req.Keys.PublicKey
		in.PrivateKey = req.Keys.EncryptedPrivateKey
	}

	user, err := a.store.CreateUser(r.Context(), in)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditRegister, r, user.ID)
	w.WriteHeader(http.StatusOK)
}

func kdfFromRequest(req RegisterRequest) vault.KDFParams {
	kdf := vault.DefaultKDFParams()
	if req.Kdf != nil {
		kdf.Type = vault.KDFType(*req.Kdf)
	}
	if req.KdfIterations != nil {
		kdf.Iterations = *req.KdfIterations
	}
	if kdf.Type == vault.KDFTypeArgon2id {
		kdf.Memory = req.KdfMemory
		kdf.Parallelism = req.KdfParallelism
	}
	return kdf
}
