package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jmcleod/ironward/auth"
)

type contextKey int

const claimsKey contextKey = iota

// AuthMiddleware verifies the bearer access token and stores its claims on
// the request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.tokens.VerifyAccessToken(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			a.mapError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitMiddleware counts the request against the caller's
// userID:clientIP window. It must run after AuthMiddleware.
func (a *API) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		a.limit(w, r, next, claims.UserID()+":"+a.extractClientIP(r))
	})
}

// ClientRateLimitMiddleware throttles unauthenticated endpoints by client
// address alone.
func (a *API) ClientRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.limit(w, r, next, "anon:"+a.extractClientIP(r))
	})
}

func (a *API) limit(w http.ResponseWriter, r *http.Request, next http.Handler, identity string) {
	status, err := a.guard.AllowAPIRequest(r.Context(), identity)
	if err != nil {
		var locked *auth.LockedError
		if errors.As(err, &locked) {
			a.audit.log(AuditAPIRateLimited, r, attrIdentity(identity))
			writeRateLimited(w, locked)
			return
		}
		a.mapError(w, r, err)
		return
	}
	setRateLimitHeaders(w, status)
	next.ServeHTTP(w, r)
}

// requestIsSecure reports whether the client reached us over TLS, directly
// or through a proxy that says so.
func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}
