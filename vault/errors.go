package vault

import "errors"

var (
	// ErrNotFound indicates the record does not exist or is not owned by the caller.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken indicates another user already registered the normalized email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidFolder indicates a cipher references a folder the user does not own.
	ErrInvalidFolder = errors.New("invalid folder")
	// ErrInvalidEmail indicates an email that is empty after normalization.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrInvalidKDF indicates KDF parameters outside the supported ranges.
	ErrInvalidKDF = errors.New("invalid kdf parameters")
	// ErrInvalidVerifier indicates an empty or unusable password verifier.
	ErrInvalidVerifier = errors.New("invalid password verifier")
)
