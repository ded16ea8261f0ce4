package api

import (
	"net/http"
	"time"

	"github.com/jmcleod/ironward/internal/util"
)

// serverVersion is the client API version this server is compatible with.
const serverVersion = "2025.6.0"

// Config handles GET /api/config.
func (a *API) Config(w http.ResponseWriter, r *http.Request) {
	base := a.baseURL(r)
	writeJSON(w, http.StatusOK, ConfigResponse{
		Version: serverVersion,
		GitHash: "",
		Server: ServerInfo{
			Name: "ironward",
			URL:  "https://github.com/jmcleod/ironward",
		},
		Environment: EnvironmentInfo{
			Vault:         base,
			API:           base + "/api",
			Identity:      base + "/identity",
			Notifications: base + "/notifications",
			SSO:           "",
		},
		FeatureStates: map[string]bool{},
		Object:        "config",
	})
}

// Version handles GET /api/version. The body is a bare JSON string.
func (a *API) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serverVersion)
}

// Alive handles GET /api/alive.
func (a *API) Alive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, time.Now().UTC())
}

// KnownDevice handles GET /api/devices/knowndevice. Devices are not
// tracked, so every device is new.
func (a *API) KnownDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, false)
}

// NotificationsHub accepts hub connections without ever pushing anything.
func (a *API) NotificationsHub(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// NotificationsNegotiate handles POST /notifications/hub/negotiate.
func (a *API) NotificationsNegotiate(w http.ResponseWriter, r *http.Request) {
	id, err := util.RandomToken(16)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NegotiateResponse{
		ConnectionID:        id,
		AvailableTransports: []any{},
	})
}

// EmptyList serves the organization, collection and policy listings, which
// are always empty for a personal vault.
func (a *API) EmptyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newList[any](nil))
}
