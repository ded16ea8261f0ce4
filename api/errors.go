package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/ironward/auth"
	"github.com/jmcleod/ironward/blob"
	"github.com/jmcleod/ironward/storage"
	"github.com/jmcleod/ironward/vault"
)

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the error shape the vault clients parse for /api routes.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{
		Message:          msg,
		ValidationErrors: map[string][]string{"": {msg}},
		Object:           "error",
	})
}

// writeIdentityError writes the OAuth-style error shape used by /identity routes.
func writeIdentityError(w http.ResponseWriter, status int, code, description, message string) {
	resp := IdentityErrorResponse{Error: code, ErrorDescription: description}
	if message != "" {
		resp.ErrorModel = &ErrorModel{Message: message, Object: "error"}
	}
	writeJSON(w, status, resp)
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *auth.LockedError
	switch {
	case errors.As(err, &locked):
		writeRateLimited(w, locked)
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrInvalidGrant):
		writeIdentityError(w, http.StatusBadRequest, "invalid_grant", "invalid_username_or_password",
			"Username or password is incorrect. Try again.")
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, vault.ErrEmailTaken),
		errors.Is(err, vault.ErrInvalidEmail),
		errors.Is(err, vault.ErrInvalidFolder),
		errors.Is(err, vault.ErrInvalidKDF),
		errors.Is(err, vault.ErrInvalidVerifier),
		errors.Is(err, blob.ErrTooLarge),
		errors.Is(err, blob.ErrSizeMismatch),
		errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent update, retry the request")
	default:
		a.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
