package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jmcleod/ironward/internal/util"
	"github.com/jmcleod/ironward/internal/uuid"
	"github.com/jmcleod/ironward/storage"
)

const usersKey = "users"

func userKey(id string) string {
	return "user/" + id
}

func emailKey(email string) string {
	return "email/" + util.NormalizeEmail(email)
}

// NewUser describes a registration.
type NewUser struct {
	Email        string
	Name         string
	Verifier     string
	PasswordHint string
	Key          string
	PublicKey    string
	PrivateKey   string
	KDF          KDFParams
}

// CreateUser registers a user and claims the normalized email. The
// returned user's revision stamp is set to its creation time.
func (s *Store) CreateUser(ctx context.Context, in NewUser) (*User, error) {
	email := util.NormalizeEmail(in.Email)
	if email == "" {
		return nil, ErrInvalidEmail
	}
	u := &User{
		ID:            uuid.New(),
		Email:         email,
		Name:          in.Name,
		Premium:       true,
		PasswordHint:  in.PasswordHint,
		KDF:           in.KDF,
		Key:           in.Key,
		PublicKey:     in.PublicKey,
		PrivateKey:    in.PrivateKey,
		SecurityStamp: uuid.New(),
	}
	if err := u.setVerifier(in.Verifier, s.verifierParams); err != nil {
		return nil, err
	}

	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.Get(emailKey(email)); err == nil {
			return ErrEmailTaken
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		rev, err := s.touch(tx, u.ID)
		if err != nil {
			return err
		}
		u.CreatedAt = rev
		u.UpdatedAt = rev
		if err := writeJSON(tx, userKey(u.ID), u); err != nil {
			return err
		}
		if err := tx.Put(emailKey(email), []byte(u.ID), 0); err != nil {
			return err
		}
		var ids []string
		if err := readJSON(tx, usersKey, &ids); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return writeJSON(tx, usersKey, append(ids, u.ID))
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// FindUserByID returns (nil, nil) when the user does not exist.
func (s *Store) FindUserByID(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, nil
	}
	data, err := s.kv.Get(ctx, userKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decoding user: %w", err)
	}
	return &u, nil
}

// FindUserByEmail returns (nil, nil) when no user owns the email.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	if util.NormalizeEmail(email) == "" {
		return nil, nil
	}
	id, err := s.kv.Get(ctx, emailKey(email))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.FindUserByID(ctx, string(id))
}

// UserIDs lists every registered user id in registration order.
func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	data, err := s.kv.Get(ctx, usersKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decoding user list: %w", err)
	}
	return ids, nil
}

// UserCount reports how many users are registered.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	ids, err := s.UserIDs(ctx)
	return len(ids), err
}

// updateUser applies fn to the stored user and touches the revision stamp.
func (s *Store) updateUser(ctx context.Context, userID string, fn func(u *User) error) (*User, error) {
	var out *User
	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		var u User
		if err := readJSON(tx, userKey(userID), &u); err != nil {
			return notFound(err)
		}
		if err := fn(&u); err != nil {
			return err
		}
		rev, err := s.touch(tx, userID)
		if err != nil {
			return err
		}
		u.UpdatedAt = rev
		out = &u
		return writeJSON(tx, userKey(userID), &u)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProfileUpdate holds the user-editable profile fields.
type ProfileUpdate struct {
	Name         string
	PasswordHint string
	Culture      string
}

func (s *Store) UpdateProfile(ctx context.Context, userID string, p ProfileUpdate) (*User, error) {
	return s.updateUser(ctx, userID, func(u *User) error {
		u.Name = p.Name
		u.PasswordHint = p.PasswordHint
		if p.Culture != "" {
			u.Culture = p.Culture
		}
		return nil
	})
}

// PasswordChange replaces the verifier and the re-encrypted user key.
// A nil KDF keeps the current parameters.
type PasswordChange struct {
	Verifier string
	Key      string
	KDF      *KDFParams
}

// ChangePassword stores a new verifier and rotates the security stamp so
// every access token issued under the old credentials stops verifying.
func (s *Store) ChangePassword(ctx context.Context, userID string, c PasswordChange) (*User, error) {
	var hashed User
	if err := hashed.setVerifier(c.Verifier, s.verifierParams); err != nil {
		return nil, err
	}
	return s.updateUser(ctx, userID, func(u *User) error {
		u.VerifierHash = hashed.VerifierHash
		u.VerifierSalt = hashed.VerifierSalt
		u.VerifierParams = hashed.VerifierParams
		if c.Key != "" {
			u.Key = c.Key
		}
		if c.KDF != nil {
			u.KDF = *c.KDF
		}
		u.SecurityStamp = uuid.New()
		return nil
	})
}

// SetKeys stores the client's asymmetric key pair.
func (s *Store) SetKeys(ctx context.Context, userID, publicKey, privateKey string) (*User, error) {
	return s.updateUser(ctx, userID, func(u *User) error {
		u.PublicKey = publicKey
		u.PrivateKey = privateKey
		return nil
	})
}

// RotateSecurityStamp invalidates every outstanding access token for the user.
func (s *Store) RotateSecurityStamp(ctx context.Context, userID string) (*User, error) {
	return s.updateUser(ctx, userID, func(u *User) error {
		u.SecurityStamp = uuid.New()
		return nil
	})
}

// DeleteUser removes a user together with every cipher, folder, attachment
// and refresh token record they own. It returns the removed attachments so their
// blobs can be deleted.
func (s *Store) DeleteUser(ctx context.Context, userID string) ([]*Attachment, error) {
	var removed []*Attachment
	err := s.kv.Update(ctx, func(tx storage.Tx) error {
		removed = nil
		var u User
		if err := readJSON(tx, userKey(userID), &u); err != nil {
			return notFound(err)
		}
		for _, kind := range []Kind{KindCipher, KindFolder, KindAttachment, KindRefreshToken} {
			ids, err := IndexIDs(tx, kind, userID)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if kind == KindAttachment {
					var a Attachment
					if err := readJSON(tx, recordKey(kind, id), &a); err == nil {
						removed = append(removed, &a)
					}
				}
				if err := tx.Delete(recordKey(kind, id)); err != nil {
					return err
				}
			}
			if err := tx.Delete(indexKey(kind, userID)); err != nil {
				return err
			}
		}
		var ids []string
		if err := readJSON(tx, usersKey, &ids); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if i := slices.Index(ids, userID); i >= 0 {
			if err := writeJSON(tx, usersKey, slices.Delete(ids, i, i+1)); err != nil {
				return err
			}
		}
		if err := tx.Delete(emailKey(u.Email)); err != nil {
			return err
		}
		if err := tx.Delete(revisionKey(userID)); err != nil {
			return err
		}
		return tx.Delete(userKey(userID))
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
