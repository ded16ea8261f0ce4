package vault

import "time"

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps and the revision stamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithVerifierParams sets the argon2id parameters used when hashing new
// password verifiers. Existing users keep the parameters they were hashed with.
func WithVerifierParams(params Argon2idParams) Option {
	return func(s *Store) {
		s.verifierParams = params
	}
}
