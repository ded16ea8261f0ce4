// Package vault stores users and their client-encrypted vault records
// (ciphers, folders, attachments) on top of a storage.Store, maintaining
// per-user secondary indexes and a per-user revision stamp.
package vault

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmcleod/ironward/internal/util"
)

// Argon2idParams configures server-side hashing of password verifiers.
type Argon2idParams = util.Argon2idParams

// Kind names a class of user-owned records and their index.
type Kind string

const (
	KindCipher     Kind = "cipher"
	KindFolder     Kind = "folder"
	KindAttachment Kind = "attachment"
	// KindRefreshToken records are written by the token service and keyed
	// by the token digest.
	KindRefreshToken Kind = "refresh"
)

// KDFType identifies the client-side key derivation function.
type KDFType int

const (
	KDFTypePBKDF2   KDFType = 0
	KDFTypeArgon2id KDFType = 1
)

const (
	DefaultKDFIterations     = 600000
	DefaultArgon2Iterations  = 3
	DefaultArgon2MemoryMiB   = 64
	DefaultArgon2Parallelism = 4
)

// KDFParams are the settings a client needs to derive the same master key
// and password verifier. Memory and Parallelism only apply to argon2id.
type KDFParams struct {
	Type        KDFType `json:"type"`
	Iterations  int     `json:"iterations"`
	Memory      *int    `json:"memory,omitempty"`
	Parallelism *int    `json:"parallelism,omitempty"`
}

// DefaultKDFParams returns PBKDF2-SHA256 with 600000 iterations.
func DefaultKDFParams() KDFParams {
	return KDFParams{Type: KDFTypePBKDF2, Iterations: DefaultKDFIterations}
}

// Validate checks the parameters against the ranges the clients accept.
func (p KDFParams) Validate() error {
	switch p.Type {
	case KDFTypePBKDF2:
		if p.Iterations < 100000 {
			return fmt.Errorf("%w: pbkdf2 needs at least 100000 iterations", ErrInvalidKDF)
		}
	case KDFTypeArgon2id:
		if p.Iterations < 1 {
			return fmt.Errorf("%w: argon2id needs at least 1 iteration", ErrInvalidKDF)
		}
		if p.Memory == nil || *p.Memory < 15 || *p.Memory > 1024 {
			return fmt.Errorf("%w: argon2id memory must be 15-1024 MiB", ErrInvalidKDF)
		}
		if p.Parallelism == nil || *p.Parallelism < 1 || *p.Parallelism > 16 {
			return fmt.Errorf("%w: argon2id parallelism must be 1-16", ErrInvalidKDF)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidKDF, p.Type)
	}
	return nil
}

// User is the account record. Email is stored normalized.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name,omitzero"`
	EmailVerified bool      `json:"email_verified,omitzero"`
	Premium       bool      `json:"premium,omitzero"`
	PasswordHint  string    `json:"password_hint,omitzero"`
	Culture       string    `json:"culture,omitzero"`
	KDF           KDFParams `json:"kdf"`

	// Encrypted key material produced by the client; opaque to the server.
	Key        string `json:"key,omitzero"`
	PublicKey  string `json:"public_key,omitzero"`
	PrivateKey string `json:"private_key,omitzero"`

	VerifierHash   []byte         `json:"verifier_hash"`
	VerifierSalt   []byte         `json:"verifier_salt"`
	VerifierParams Argon2idParams `json:"verifier_params"`

	SecurityStamp string    `json:"security_stamp"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Cipher is a single encrypted vault item. Apart from the bookkeeping
// fields every value is client-encrypted and stored verbatim.
type Cipher struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	FolderID string `json:"folder_id,omitzero"`
	Type     int    `json:"type"`
	Favorite bool   `json:"favorite,omitzero"`
	Reprompt int    `json:"reprompt,omitzero"`

	Name            string          `json:"name"`
	Notes           *string         `json:"notes,omitempty"`
	Key             *string         `json:"key,omitempty"`
	Login           json.RawMessage `json:"login,omitempty"`
	Card            json.RawMessage `json:"card,omitempty"`
	Identity        json.RawMessage `json:"identity,omitempty"`
	SecureNote      json.RawMessage `json:"secure_note,omitempty"`
	SSHKey          json.RawMessage `json:"ssh_key,omitempty"`
	Fields          json.RawMessage `json:"fields,omitempty"`
	PasswordHistory json.RawMessage `json:"password_history,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Folder groups ciphers. Name is client-encrypted.
type Folder struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment is the metadata for a file attached to a cipher. The file
// content lives in a blob.Store under the attachment id.
type Attachment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CipherID  string    `json:"cipher_id"`
	FileName  string    `json:"file_name"`
	Key       string    `json:"key,omitzero"`
	Size      int64     `json:"size"`
	Uploaded  bool      `json:"uploaded,omitzero"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncData is everything a client needs for a full sync.
type SyncData struct {
	User         *User
	Folders      []*Folder
	Ciphers      []*Cipher
	Attachments  map[string][]*Attachment // keyed by cipher id
	RevisionDate time.Time
}
