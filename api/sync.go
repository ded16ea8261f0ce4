package api

import (
	"net/http"
)

// Sync handles GET /api/sync. The whole vault is returned in one payload.
// The records are read independently, so a concurrent write may show up in
// one section and not another; clients resync on the next revision change.
// excludeDomains=true omits the equivalent domain settings.
func (a *API) Sync(w http.ResponseWriter, r *http.Request) {
	data, err := a.store.BuildSync(r.Context(), userID(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	ciphers, err := a.cipherResponses(r, data.Ciphers, data.Attachments)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	resp := SyncResponse{
		Profile:     newProfileResponse(data.User),
		Folders:     folderResponses(data.Folders),
		Collections: []any{},
		Policies:    []any{},
		Ciphers:     ciphers,
		Sends:       []any{},
		Object:      "sync",
	}
	if r.URL.Query().Get("excludeDomains") != "true" {
		resp.Domains = &DomainsResponse{
			EquivalentDomains:       [][]string{},
			GlobalEquivalentDomains: []any{},
			Object:                  "domains",
		}
	}

	w.Header().Set("Last-Modified", data.RevisionDate.UTC().Format(http.TimeFormat))
	writeJSON(w, http.StatusOK, resp)
}
