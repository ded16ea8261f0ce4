package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironward/vault"
)

func newFolderResponse(f *vault.Folder) FolderResponse {
	return FolderResponse{
		ID:           f.ID,
		Name:         f.Name,
		RevisionDate: f.UpdatedAt,
		Object:       "folder",
	}
}

func folderResponses(folders []*vault.Folder) []FolderResponse {
	out := make([]FolderResponse, 0, len(folders))
	for _, f := range folders {
		out = append(out, newFolderResponse(f))
	}
	return out
}

// ListFolders handles GET /api/folders.
func (a *API) ListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := a.store.ListFolders(r.Context(), userID(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(folderResponses(folders)))
}

// CreateFolder handles POST /api/folders.
func (a *API) CreateFolder(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[FolderRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	f := &vault.Folder{UserID: userID(r), Name: req.Name}
	if err := a.store.SaveFolder(r.Context(), f); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditFolderCreated, r, f.UserID, attrID("folder_id", f.ID))
	writeJSON(w, http.StatusOK, newFolderResponse(f))
}

// GetFolder handles GET /api/folders/{folderID}.
func (a *API) GetFolder(w http.ResponseWriter, r *http.Request) {
	f, err := a.store.GetFolder(r.Context(), userID(r), chi.URLParam(r, "folderID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFolderResponse(f))
}

// UpdateFolder handles PUT and POST /api/folders/{folderID}.
func (a *API) UpdateFolder(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[FolderRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	uid := userID(r)
	existing, err := a.store.GetFolder(r.Context(), uid, chi.URLParam(r, "folderID"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	existing.Name = req.Name
	if err := a.store.SaveFolder(r.Context(), existing); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditFolderUpdated, r, uid, attrID("folder_id", existing.ID))
	writeJSON(w, http.StatusOK, newFolderResponse(existing))
}

// DeleteFolder handles DELETE /api/folders/{folderID} and its POST alias.
// Ciphers in the folder are kept and moved out of it.
func (a *API) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	id := chi.URLParam(r, "folderID")
	if err := a.store.DeleteFolder(r.Context(), uid, id); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditFolderDeleted, r, uid, attrID("folder_id", id))
	w.WriteHeader(http.StatusOK)
}
