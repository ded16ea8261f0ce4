package api

import (
	"encoding/json"
	"time"
)

// ErrorResponse is the error body for /api routes.
type ErrorResponse struct {
	Message          string              `json:"message"`
	ValidationErrors map[string][]string `json:"validationErrors"`
	Object           string              `json:"object"`
}

// ErrorModel is the nested error the clients display after a failed grant.
type ErrorModel struct {
	Message string `json:"Message"`
	Object  string `json:"Object"`
}

// IdentityErrorResponse is the OAuth-style error body for /identity routes.
type IdentityErrorResponse struct {
	Error            string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
	ErrorModel       *ErrorModel `json:"ErrorModel,omitempty"`
}

// RateLimitedResponse is the body of every 429 response.
type RateLimitedResponse struct {
	Error             string `json:"error"`
	ErrorDescription  string `json:"error_description"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// ListResponse wraps collections returned by list endpoints.
type ListResponse[T any] struct {
	Data              []T     `json:"data"`
	Object            string  `json:"object"`
	ContinuationToken *string `json:"continuationToken"`
}

func newList[T any](data []T) ListResponse[T] {
	if data == nil {
		data = []T{}
	}
	return ListResponse[T]{Data: data, Object: "list"}
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// TokenResponse is returned by /identity/connect/token. Field casing is
// fixed by the clients.
type TokenResponse struct {
	AccessToken           string                `json:"access_token"`
	ExpiresIn             int                   `json:"expires_in"`
	TokenType             string                `json:"token_type"`
	RefreshToken          string                `json:"refresh_token"`
	Key                   string                `json:"Key"`
	PrivateKey            *string               `json:"PrivateKey"`
	Kdf                   int                   `json:"Kdf"`
	KdfIterations         int                   `json:"KdfIterations"`
	KdfMemory             *int                  `json:"KdfMemory"`
	KdfParallelism        *int                  `json:"KdfParallelism"`
	ForcePasswordReset    bool                  `json:"ForcePasswordReset"`
	ResetMasterPassword   bool                  `json:"ResetMasterPassword"`
	Scope                 string                `json:"scope"`
	UnofficialServer      bool                  `json:"unofficialServer"`
	UserDecryptionOptions UserDecryptionOptions `json:"UserDecryptionOptions"`
}

// UserDecryptionOptions tells the client how it may unlock the vault.
type UserDecryptionOptions struct {
	HasMasterPassword bool   `json:"HasMasterPassword"`
	Object            string `json:"Object"`
}

// PreloginRequest asks for the KDF settings of an account.
type PreloginRequest struct {
	Email string `json:"email"`
}

// PreloginResponse carries the KDF settings the client derives keys with.
type PreloginResponse struct {
	Kdf            int  `json:"kdf"`
	KdfIterations  int  `json:"kdfIterations"`
	KdfMemory      *int `json:"kdfMemory"`
	KdfParallelism *int `json:"kdfParallelism"`
}

// RegisterRequest creates an account. MasterPasswordHash is the client's
// password verifier, never the password itself.
type RegisterRequest struct {
	Email              string       `json:"email"`
	Name               string       `json:"name"`
	MasterPasswordHash string       `json:"masterPasswordHash"`
	MasterPasswordHint string       `json:"masterPasswordHint"`
	Key                string       `json:"key"`
	Kdf                *int         `json:"kdf"`
	KdfIterations      *int         `json:"kdfIterations"`
	KdfMemory          *int         `json:"kdfMemory"`
	KdfParallelism     *int         `json:"kdfParallelism"`
	Keys               *KeysRequest `json:"keys"`
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// KeysRequest stores the client's asymmetric key pair.
type KeysRequest struct {
	PublicKey           string `json:"publicKey"`
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
}

// ProfileResponse describes the authenticated user.
type ProfileResponse struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	Email                   string    `json:"email"`
	EmailVerified           bool      `json:"emailVerified"`
	Premium                 bool      `json:"premium"`
	PremiumFromOrganization bool      `json:"premiumFromOrganization"`
	MasterPasswordHint      *string   `json:"masterPasswordHint"`
	Culture                 string    `json:"culture"`
	TwoFactorEnabled        bool      `json:"twoFactorEnabled"`
	Key                     string    `json:"key"`
	PrivateKey              *string   `json:"privateKey"`
	SecurityStamp           string    `json:"securityStamp"`
	ForcePasswordReset      bool      `json:"forcePasswordReset"`
	UsesKeyConnector        bool      `json:"usesKeyConnector"`
	CreationDate            time.Time `json:"creationDate"`
	Organizations           []any     `json:"organizations"`
	Providers               []any     `json:"providers"`
	ProviderOrganizations   []any     `json:"providerOrganizations"`
	Object                  string    `json:"object"`
}

// ProfileRequest updates the editable profile fields.
type ProfileRequest struct {
	Name               string `json:"name"`
	MasterPasswordHint string `json:"masterPasswordHint"`
	Culture            string `json:"culture"`
}

// SecretVerificationRequest proves knowledge of the current password.
type SecretVerificationRequest struct {
	MasterPasswordHash string `json:"masterPasswordHash"`
}

// PasswordRequest replaces the password verifier and re-encrypted user key.
type PasswordRequest struct {
	MasterPasswordHash    string `json:"masterPasswordHash"`
	NewMasterPasswordHash string `json:"newMasterPasswordHash"`
	MasterPasswordHint    string `json:"masterPasswordHint"`
	Key                   string `json:"key"`
}

// LogoutRequest revokes a refresh token.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ---------------------------------------------------------------------------
// Ciphers, folders and attachments
// ---------------------------------------------------------------------------

// CipherRequest creates or replaces a cipher. Every payload field is
// client-encrypted and stored verbatim.
type CipherRequest struct {
	Type                  int             `json:"type"`
	FolderID              *string         `json:"folderId"`
	OrganizationID        *string         `json:"organizationId"`
	Name                  string          `json:"name"`
	Notes                 *string         `json:"notes"`
	Key                   *string         `json:"key"`
	Favorite              bool            `json:"favorite"`
	Reprompt              int             `json:"reprompt"`
	Login                 json.RawMessage `json:"login"`
	Card                  json.RawMessage `json:"card"`
	Identity              json.RawMessage `json:"identity"`
	SecureNote            json.RawMessage `json:"secureNote"`
	SSHKey                json.RawMessage `json:"sshKey"`
	Fields                json.RawMessage `json:"fields"`
	PasswordHistory       json.RawMessage `json:"passwordHistory"`
	LastKnownRevisionDate *time.Time      `json:"lastKnownRevisionDate"`
}

// CreateCipherRequest is the body of POST /api/ciphers/create.
type CreateCipherRequest struct {
	Cipher        CipherRequest `json:"cipher"`
	CollectionIDs []string      `json:"collectionIds"`
}

// PartialCipherRequest changes only the folder and favorite flag.
type PartialCipherRequest struct {
	FolderID *string `json:"folderId"`
	Favorite bool    `json:"favorite"`
}

// BulkIDsRequest names the ciphers a bulk operation applies to.
type BulkIDsRequest struct {
	IDs []string `json:"ids"`
}

// MoveCiphersRequest moves ciphers into a folder, or out of any folder when
// FolderID is null.
type MoveCiphersRequest struct {
	IDs      []string `json:"ids"`
	FolderID *string  `json:"folderId"`
}

// CipherPermissions are always fully granted for a personal vault.
type CipherPermissions struct {
	Delete  bool `json:"delete"`
	Restore bool `json:"restore"`
}

// CipherResponse is a cipher as the clients expect it.
type CipherResponse struct {
	ID                  string               `json:"id"`
	OrganizationID      *string              `json:"organizationId"`
	FolderID            *string              `json:"folderId"`
	Type                int                  `json:"type"`
	Name                string               `json:"name"`
	Notes               *string              `json:"notes"`
	Key                 *string              `json:"key"`
	Favorite            bool                 `json:"favorite"`
	Reprompt            int                  `json:"reprompt"`
	Login               json.RawMessage      `json:"login"`
	Card                json.RawMessage      `json:"card"`
	Identity            json.RawMessage      `json:"identity"`
	SecureNote          json.RawMessage      `json:"secureNote"`
	SSHKey              json.RawMessage      `json:"sshKey"`
	Fields              json.RawMessage      `json:"fields"`
	PasswordHistory     json.RawMessage      `json:"passwordHistory"`
	Attachments         []AttachmentResponse `json:"attachments"`
	OrganizationUseTotp bool                 `json:"organizationUseTotp"`
	Edit                bool                 `json:"edit"`
	ViewPassword        bool                 `json:"viewPassword"`
	Permissions         CipherPermissions    `json:"permissions"`
	CollectionIDs       []string             `json:"collectionIds"`
	RevisionDate        time.Time            `json:"revisionDate"`
	CreationDate        time.Time            `json:"creationDate"`
	DeletedDate         *time.Time           `json:"deletedDate"`
	Object              string               `json:"object"`
}

// FolderRequest creates or renames a folder.
type FolderRequest struct {
	Name string `json:"name"`
}

// FolderResponse is a folder as the clients expect it.
type FolderResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RevisionDate time.Time `json:"revisionDate"`
	Object       string    `json:"object"`
}

// AttachmentRequest announces an attachment before its content is uploaded.
type AttachmentRequest struct {
	Key      string `json:"key"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// AttachmentResponse describes stored attachment metadata.
type AttachmentResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	Key      string `json:"key"`
	Size     string `json:"size"`
	SizeName string `json:"sizeName"`
	Object   string `json:"object"`
}

// AttachmentUploadResponse tells the client where to send the content.
// FileUploadType 0 means a direct upload to this server.
type AttachmentUploadResponse struct {
	AttachmentID   string          `json:"attachmentId"`
	URL            string          `json:"url"`
	FileUploadType int             `json:"fileUploadType"`
	CipherResponse *CipherResponse `json:"cipherResponse"`
	Object         string          `json:"object"`
}

// ---------------------------------------------------------------------------
// Sync and server metadata
// ---------------------------------------------------------------------------

// SyncResponse is the full vault payload.
type SyncResponse struct {
	Profile     ProfileResponse  `json:"profile"`
	Folders     []FolderResponse `json:"folders"`
	Collections []any            `json:"collections"`
	Policies    []any            `json:"policies"`
	Ciphers     []CipherResponse `json:"ciphers"`
	Domains     *DomainsResponse `json:"domains"`
	Sends       []any            `json:"sends"`
	Object      string           `json:"object"`
}

// DomainsResponse lists equivalent domain groups. None are configured.
type DomainsResponse struct {
	EquivalentDomains       [][]string `json:"equivalentDomains"`
	GlobalEquivalentDomains []any      `json:"globalEquivalentDomains"`
	Object                  string     `json:"object"`
}

// ConfigResponse advertises the server version and endpoints.
type ConfigResponse struct {
	Version       string          `json:"version"`
	GitHash       string          `json:"gitHash"`
	Server        ServerInfo      `json:"server"`
	Environment   EnvironmentInfo `json:"environment"`
	FeatureStates map[string]bool `json:"featureStates"`
	Object        string          `json:"object"`
}

// ServerInfo identifies a third-party server to the clients.
type ServerInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// EnvironmentInfo holds the base URLs of each service.
type EnvironmentInfo struct {
	Vault         string `json:"vault"`
	API           string `json:"api"`
	Identity      string `json:"identity"`
	Notifications string `json:"notifications"`
	SSO           string `json:"sso"`
}

// NegotiateResponse answers the notification hub handshake with no
// transports, so clients fall back to polling the revision date.
type NegotiateResponse struct {
	ConnectionID        string `json:"connectionId"`
	AvailableTransports []any  `json:"availableTransports"`
}
