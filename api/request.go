package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const (
	maxSmallBodySize  = 64 << 10
	maxCipherBodySize = 1 << 20
	maxBulkBodySize   = 4 << 20
)

// decodeJSON decodes the request body into T, writing a 400 on failure.
// Bodies larger than limit are rejected.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

// rawOrNil drops explicit JSON nulls so optional payloads are stored absent.
func rawOrNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return raw
}

// derefOrEmpty returns the pointed-to string, or "" for nil.
func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// optional returns nil for an empty string so it serializes as null.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
