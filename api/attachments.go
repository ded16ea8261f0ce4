package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironward/blob"
	"github.com/jmcleod/ironward/vault"
)

// multipartOverhead allows for part headers and boundaries around the file.
const multipartOverhead = 64 << 10

func attachmentBlobKey(att *vault.Attachment) string {
	return att.CipherID + "/" + att.ID
}

// baseURL is the public origin of the server.
func (a *API) baseURL(r *http.Request) string {
	if a.domain != "" {
		return strings.TrimRight(a.domain, "/")
	}
	scheme := "http"
	if requestIsSecure(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// newAttachmentResponse includes a download URL carrying a short-lived
// token, since clients fetch it without an Authorization header.
func (a *API) newAttachmentResponse(r *http.Request, att *vault.Attachment) (AttachmentResponse, error) {
	token, err := a.tokens.IssueAttachmentToken(att.UserID, att.CipherID, att.ID)
	if err != nil {
		return AttachmentResponse{}, fmt.Errorf("issuing attachment token: %w", err)
	}
	return AttachmentResponse{
		ID:       att.ID,
		URL:      fmt.Sprintf("%s/attachments/%s/%s?token=%s", a.baseURL(r), att.CipherID, att.ID, url.QueryEscape(token)),
		FileName: att.FileName,
		Key:      att.Key,
		Size:     strconv.FormatInt(att.Size, 10),
		SizeName: sizeName(att.Size),
		Object:   "attachment",
	}, nil
}

// sizeName renders a byte count the way the clients display it.
func sizeName(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d Bytes", n)
	}
	size := float64(n)
	for _, suffix := range []string{"KB", "MB", "GB"} {
		size /= unit
		if size < unit || suffix == "GB" {
			return fmt.Sprintf("%.2f %s", size, suffix)
		}
	}
	return ""
}

// CreateAttachment handles POST /api/ciphers/{cipherID}/attachment/v2. It
// records the metadata and returns the URL the content must be posted to.
func (a *API) CreateAttachment(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[AttachmentRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.FileName == "" {
		writeError(w, http.StatusBadRequest, "fileName is required")
		return
	}
	if req.FileSize <= 0 || req.FileSize > blob.DefaultMaxSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("fileSize must be between 1 and %d bytes", blob.DefaultMaxSize))
		return
	}

	uid := userID(r)
	att := &vault.Attachment{
		UserID:   uid,
		CipherID: chi.URLParam(r, "cipherID"),
		FileName: req.FileName,
		Key:      req.Key,
		Size:     req.FileSize,
	}
	if err := a.store.SaveAttachment(r.Context(), att); err != nil {
		a.mapError(w, r, err)
		return
	}
	c, err := a.store.GetCipher(r.Context(), uid, att.CipherID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	attachments, err := a.store.CipherAttachments(r.Context(), uid, c.ID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	cipher, err := a.newCipherResponse(r, c, attachments)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditAttachmentCreated, r, uid,
		attrID("cipher_id", att.CipherID), attrID("attachment_id", att.ID))
	writeJSON(w, http.StatusOK, AttachmentUploadResponse{
		AttachmentID:   att.ID,
		URL:            "/ciphers/" + att.CipherID + "/attachment/" + att.ID,
		FileUploadType: 0,
		CipherResponse: &cipher,
		Object:         "attachment-fileUpload",
	})
}

// UploadAttachment handles POST /api/ciphers/{cipherID}/attachment/{attachmentID}.
// The content arrives as the multipart field "data" and must match the
// size announced when the attachment was created.
func (a *API) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	att, err := a.store.GetAttachment(r.Context(), uid, chi.URLParam(r, "cipherID"), chi.URLParam(r, "attachmentID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if att.Uploaded {
		writeError(w, http.StatusBadRequest, "attachment already uploaded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, att.Size+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data body")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "missing data field")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		if part.FormName() != "data" {
			part.Close()
			continue
		}
		err = a.blobs.Put(r.Context(), attachmentBlobKey(att), part, att.Size)
		part.Close()
		if err != nil {
			a.mapError(w, r, err)
			return
		}
		break
	}

	att.Uploaded = true
	if err := a.store.SaveAttachment(r.Context(), att); err != nil {
		a.deleteBlobs(r, []*vault.Attachment{att})
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditAttachmentUploaded, r, uid,
		attrID("cipher_id", att.CipherID), attrID("attachment_id", att.ID))
	w.WriteHeader(http.StatusOK)
}

// GetAttachment handles GET /api/ciphers/{cipherID}/attachment/{attachmentID}.
func (a *API) GetAttachment(w http.ResponseWriter, r *http.Request) {
	att, err := a.store.GetAttachment(r.Context(), userID(r), chi.URLParam(r, "cipherID"), chi.URLParam(r, "attachmentID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	resp, err := a.newAttachmentResponse(r, att)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteAttachment handles DELETE /api/ciphers/{cipherID}/attachment/{attachmentID}
// and its POST alias.
func (a *API) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	att, err := a.store.DeleteAttachment(r.Context(), uid, chi.URLParam(r, "cipherID"), chi.URLParam(r, "attachmentID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.deleteBlobs(r, []*vault.Attachment{att})
	a.audit.logEvent(AuditAttachmentDeleted, r, uid,
		attrID("cipher_id", att.CipherID), attrID("attachment_id", att.ID))
	w.WriteHeader(http.StatusOK)
}

// DownloadAttachment handles GET /attachments/{cipherID}/{attachmentID}.
// It is authenticated by the token query parameter instead of a bearer token.
func (a *API) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	cipherID := chi.URLParam(r, "cipherID")
	attachmentID := chi.URLParam(r, "attachmentID")
	uid, err := a.tokens.VerifyAttachmentToken(r.URL.Query().Get("token"), cipherID, attachmentID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	att, err := a.store.GetAttachment(r.Context(), uid, cipherID, attachmentID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if !att.Uploaded {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rc, size, err := a.blobs.Get(r.Context(), attachmentBlobKey(att))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("attachment download interrupted", "attachment_id", att.ID, "error", err)
	}
}
