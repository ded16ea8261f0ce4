// Package auth issues and verifies session tokens and guards the login and
// API surfaces against brute force and request floods.
package auth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrUnauthorized indicates a missing, malformed, expired or revoked access token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidGrant indicates bad credentials or an unknown refresh token.
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrLocked indicates a login lockout or an exhausted API rate window.
	ErrLocked = errors.New("locked")
)

// LockedError carries how long the caller must wait. It matches ErrLocked
// under errors.Is.
type LockedError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", e.Reason, e.RetryAfterSeconds())
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// RetryAfterSeconds rounds the wait up to whole seconds, never below 1.
func (e *LockedError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
