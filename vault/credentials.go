package vault

import (
	"fmt"

	"github.com/jmcleod/ironward/internal/util"
)

const verifierSaltLen = 16

// setVerifier hashes the client-provided password verifier with a fresh salt.
func (u *User) setVerifier(verifier string, params Argon2idParams) error {
	if verifier == "" {
		return ErrInvalidVerifier
	}
	salt, err := util.RandomBytes(verifierSaltLen)
	if err != nil {
		return fmt.Errorf("generating verifier salt: %w", err)
	}
	hash, err := util.DeriveArgon2idKey(verifier, salt, params)
	if err != nil {
		return fmt.Errorf("hashing verifier: %w", err)
	}
	u.VerifierHash = hash
	u.VerifierSalt = salt
	u.VerifierParams = params
	return nil
}

// CheckVerifier reports whether verifier matches the stored hash.
func (u *User) CheckVerifier(verifier string) bool {
	if len(u.VerifierHash) == 0 {
		return false
	}
	ok, err := util.CompareArgon2idKey(verifier, u.VerifierSalt, u.VerifierParams, u.VerifierHash)
	return err == nil && ok
}
