package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironward/blob"
	"github.com/jmcleod/ironward/vault"
)

// staleCipherTolerance absorbs the precision lost when clients echo back a
// revision date.
const staleCipherTolerance = time.Second

func cipherFromRequest(req CipherRequest, userID string) *vault.Cipher {
	return &vault.Cipher{
		UserID:          userID,
		FolderID:        derefOrEmpty(req.FolderID),
		Type:            req.Type,
		Favorite:        req.Favorite,
		Reprompt:        req.Reprompt,
		Name:            req.Name,
		Notes:           req.Notes,
		Key:             req.Key,
		Login:           rawOrNil(req.Login),
		Card:            rawOrNil(req.Card),
		Identity:        rawOrNil(req.Identity),
		SecureNote:      rawOrNil(req.SecureNote),
		SSHKey:          rawOrNil(req.SSHKey),
		Fields:          rawOrNil(req.Fields),
		PasswordHistory: rawOrNil(req.PasswordHistory),
	}
}

func validateCipherRequest(req CipherRequest) error {
	if req.OrganizationID != nil && *req.OrganizationID != "" {
		return fmt.Errorf("%w: organizations are not supported", errBadRequest)
	}
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", errBadRequest)
	}
	if req.Type < 1 || req.Type > 5 {
		return fmt.Errorf("%w: unknown cipher type %d", errBadRequest, req.Type)
	}
	return nil
}

func (a *API) newCipherResponse(r *http.Request, c *vault.Cipher, attachments []*vault.Attachment) (CipherResponse, error) {
	resp := CipherResponse{
		ID:              c.ID,
		FolderID:        optional(c.FolderID),
		Type:            c.Type,
		Name:            c.Name,
		Notes:           c.Notes,
		Key:             c.Key,
		Favorite:        c.Favorite,
		Reprompt:        c.Reprompt,
		Login:           c.Login,
		Card:            c.Card,
		Identity:        c.Identity,
		SecureNote:      c.SecureNote,
		SSHKey:          c.SSHKey,
		Fields:          c.Fields,
		PasswordHistory: c.PasswordHistory,
		Edit:            true,
		ViewPassword:    true,
		Permissions:     CipherPermissions{Delete: true, Restore: true},
		CollectionIDs:   []string{},
		RevisionDate:    c.UpdatedAt,
		CreationDate:    c.CreatedAt,
		DeletedDate:     c.DeletedAt,
		Object:          "cipherDetails",
	}
	for _, att := range attachments {
		if !att.Uploaded {
			continue
		}
		ar, err := a.newAttachmentResponse(r, att)
		if err != nil {
			return CipherResponse{}, err
		}
		resp.Attachments = append(resp.Attachments, ar)
	}
	return resp, nil
}

// cipherResponses shapes ciphers with their attachments grouped by cipher id.
func (a *API) cipherResponses(r *http.Request, ciphers []*vault.Cipher, byCipher map[string][]*vault.Attachment) ([]CipherResponse, error) {
	out := make([]CipherResponse, 0, len(ciphers))
	for _, c := range ciphers {
		resp, err := a.newCipherResponse(r, c, byCipher[c.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

func (a *API) attachmentsByCipher(r *http.Request) (map[string][]*vault.Attachment, error) {
	all, err := a.store.ListAttachments(r.Context(), userID(r))
	if err != nil {
		return nil, err
	}
	byCipher := make(map[string][]*vault.Attachment)
	for _, att := range all {
		byCipher[att.CipherID] = append(byCipher[att.CipherID], att)
	}
	return byCipher, nil
}

func (a *API) writeCipher(w http.ResponseWriter, r *http.Request, c *vault.Cipher) {
	attachments, err := a.store.CipherAttachments(r.Context(), c.UserID, c.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp, err := a.newCipherResponse(r, c, attachments)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) writeCipherList(w http.ResponseWriter, r *http.Request, ciphers []*vault.Cipher) {
	byCipher, err := a.attachmentsByCipher(r)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	out, err := a.cipherResponses(r, ciphers, byCipher)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(out))
}

// deleteBlobs removes attachment content after its metadata is gone. A
// failure leaves an orphaned blob, which is logged but not surfaced.
func (a *API) deleteBlobs(r *http.Request, attachments []*vault.Attachment) {
	for _, att := range attachments {
		err := a.blobs.Delete(r.Context(), attachmentBlobKey(att))
		if err != nil && !errors.Is(err, blob.ErrNotFound) {
			a.logger.Warn("failed to delete attachment blob",
				"attachment_id", att.ID, "cipher_id", att.CipherID, "error", err)
		}
	}
}

// ListCiphers handles GET /api/ciphers, including trashed ciphers.
func (a *API) ListCiphers(w http.ResponseWriter, r *http.Request) {
	ciphers, err := a.store.ListCiphers(r.Context(), userID(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.writeCipherList(w, r, ciphers)
}

// CreateCipher handles POST /api/ciphers.
func (a *API) CreateCipher(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CipherRequest](w, r, maxCipherBodySize)
	if !ok {
		return
	}
	a.createCipher(w, r, req)
}

// CreateCipherWithCollections handles POST /api/ciphers/create. Only
// personal ciphers are accepted.
func (a *API) CreateCipherWithCollections(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateCipherRequest](w, r, maxCipherBodySize)
	if !ok {
		return
	}
	if len(req.CollectionIDs) > 0 {
		writeError(w, http.StatusBadRequest, "collections are not supported")
		return
	}
	a.createCipher(w, r, req.Cipher)
}

func (a *API) createCipher(w http.ResponseWriter, r *http.Request, req CipherRequest) {
	if err := validateCipherRequest(req); err != nil {
		a.mapError(w, r, err)
		return
	}
	c := cipherFromRequest(req, userID(r))
	if err := a.store.SaveCipher(r.Context(), c); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditCipherCreated, r, c.UserID, attrID("cipher_id", c.ID))
	a.writeCipher(w, r, c)
}

// GetCipher handles GET /api/ciphers/{cipherID} and its /details alias.
func (a *API) GetCipher(w http.ResponseWriter, r *http.Request) {
	c, err := a.store.GetCipher(r.Context(), userID(r), chi.URLParam(r, "cipherID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.writeCipher(w, r, c)
}

// UpdateCipher handles PUT and POST /api/ciphers/{cipherID}. A client whose
// copy predates the stored revision is told to resync.
func (a *API) UpdateCipher(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CipherRequest](w, r, maxCipherBodySize)
	if !ok {
		return
	}
	if err := validateCipherRequest(req); err != nil {
		a.mapError(w, r, err)
		return
	}

	uid := userID(r)
	existing, err := a.store.GetCipher(r.Context(), uid, chi.URLParam(r, "cipherID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if req.LastKnownRevisionDate != nil && existing.UpdatedAt.Sub(*req.LastKnownRevisionDate) > staleCipherTolerance {
		writeError(w, http.StatusBadRequest, "The client copy of this cipher is out of date. Resync the client and try again.")
		return
	}

	c := cipherFromRequest(req, uid)
	c.ID = existing.ID
	if err := a.store.SaveCipher(r.Context(), c); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditCipherUpdated, r, uid, attrID("cipher_id", c.ID))
	a.writeCipher(w, r, c)
}

// PartialUpdateCipher handles PUT /api/ciphers/{cipherID}/partial.
func (a *API) PartialUpdateCipher(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PartialCipherRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	uid := userID(r)
	c, err := a.store.PartialUpdateCipher(r.Context(), uid, chi.URLParam(r, "cipherID"),
		derefOrEmpty(req.FolderID), req.Favorite)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditCipherUpdated, r, uid, attrID("cipher_id", c.ID))
	a.writeCipher(w, r, c)
}

// DeleteCipher handles DELETE /api/ciphers/{cipherID} and
// POST /api/ciphers/{cipherID}/delete. The cipher and its attachments are
// removed permanently.
func (a *API) DeleteCipher(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	id := chi.URLParam(r, "cipherID")
	removed, err := a.store.DeleteCipher(r.Context(), uid, id)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.deleteBlobs(r, removed)
	a.audit.logEvent(AuditCipherDeleted, r, uid, attrID("cipher_id", id))
	w.WriteHeader(http.StatusOK)
}

// SoftDeleteCipher handles PUT /api/ciphers/{cipherID}/delete.
func (a *API) SoftDeleteCipher(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	c, err := a.store.SoftDeleteCipher(r.Context(), uid, chi.URLParam(r, "cipherID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditCipherTrashed, r, uid, attrID("cipher_id", c.ID))
	w.WriteHeader(http.StatusOK)
}

// RestoreCipher handles PUT /api/ciphers/{cipherID}/restore.
func (a *API) RestoreCipher(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	c, err := a.store.RestoreCipher(r.Context(), uid, chi.URLParam(r, "cipherID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditCipherRestored, r, uid, attrID("cipher_id", c.ID))
	a.writeCipher(w, r, c)
}

// MoveCiphers handles PUT and POST /api/ciphers/move. Ids the caller does
// not own are skipped.
func (a *API) MoveCiphers(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[MoveCiphersRequest](w, r, maxBulkBodySize)
	if !ok {
		return
	}
	uid := userID(r)
	moved, err := a.store.BulkMove(r.Context(), uid, req.IDs, derefOrEmpty(req.FolderID))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditCiphersMoved, r, uid,
		slog.Int("count", len(moved)), attrID("folder_id", derefOrEmpty(req.FolderID)))
	w.WriteHeader(http.StatusOK)
}

// SoftDeleteCiphers handles PUT /api/ciphers/delete.
func (a *API) SoftDeleteCiphers(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[BulkIDsRequest](w, r, maxBulkBodySize)
	if !ok {
		return
	}
	uid := userID(r)
	trashed, err := a.store.BulkSoftDelete(r.Context(), uid, req.IDs)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditCipherTrashed, r, uid, slog.Int("count", len(trashed)))
	w.WriteHeader(http.StatusOK)
}

// RestoreCiphers handles PUT /api/ciphers/restore and returns the restored
// ciphers.
func (a *API) RestoreCiphers(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[BulkIDsRequest](w, r, maxBulkBodySize)
	if !ok {
		return
	}
	uid := userID(r)
	restored, err := a.store.BulkRestore(r.Context(), uid, req.IDs)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditCipherRestored, r, uid, slog.Int("count", len(restored)))
	a.writeCipherList(w, r, restored)
}

// DeleteCiphers handles DELETE /api/ciphers with a body of ids.
func (a *API) DeleteCiphers(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[BulkIDsRequest](w, r, maxBulkBodySize)
	if !ok {
		return
	}
	uid := userID(r)
	removed, err := a.store.BulkDelete(r.Context(), uid, req.IDs)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.deleteBlobs(r, removed)
	a.audit.logEvent(AuditCipherDeleted, r, uid, slog.Int("count", len(req.IDs)))
	w.WriteHeader(http.StatusOK)
}
