package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironward/auth"
	"github.com/jmcleod/ironward/blob"
	"github.com/jmcleod/ironward/vault"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	store  *vault.Store
	tokens *auth.TokenService
	guard  *auth.Guard
	blobs  blob.Store

	logger              *slog.Logger
	audit               *auditLogger
	alertFn             AlertFunc
	webhook             *auditWebhook
	trustedProxies      []netip.Prefix
	disableRegistration bool
	domain              string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request errors and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAlertFunc registers a callback for anomaly alerts raised from the
// audit event stream.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards audit events and alerts to url. authHeader is
// optional and takes the form "Header: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader)
		}
	}
}

// WithTrustedProxies sets the proxies whose forwarding headers are trusted
// when resolving the client address. Entries are CIDRs or bare IPs.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes, err := parseTrustedProxies(cidrs)
	if err != nil {
		return nil, err
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithDisableRegistration rejects new account registrations.
func WithDisableRegistration(disabled bool) Option {
	return func(a *API) {
		a.disableRegistration = disabled
	}
}

// WithDomain sets the public base URL used in attachment download links
// and the config endpoint. When empty the request host is used.
func WithDomain(domain string) Option {
	return func(a *API) {
		a.domain = domain
	}
}

// New creates a new API instance.
func New(store *vault.Store, tokens *auth.TokenService, guard *auth.Guard, blobs blob.Store, opts ...Option) *API {
	a := &API{
		store:  store,
		tokens: tokens,
		guard:  guard,
		blobs:  blobs,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.webhook = a.webhook

	alertFn := a.alertFn
	if a.webhook != nil {
		wh := a.webhook
		alertFn = func(e AlertEvent) {
			if a.alertFn != nil {
				a.alertFn(e)
			}
			wh.enqueue(alertWebhookEvent(e))
		}
	}
	a.audit.metrics = newMetricsCollector(alertFn)
	return a
}

// Close flushes the audit webhook queue.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all routes registered at their absolute
// paths. Clients expect the identity and api prefixes at the server root.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/api/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Handle("/api/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/redoc",
	}, nil))

	// Identity endpoints are throttled per client address.
	public := r.With(a.ClientRateLimitMiddleware)
	public.Post("/identity/connect/token", a.Token)
	public.Post("/identity/accounts/prelogin", a.Prelogin)
	public.Post("/api/accounts/prelogin", a.Prelogin)
	public.Post("/identity/accounts/register", a.Register)
	public.Post("/api/accounts/register", a.Register)
	public.Get("/attachments/{cipherID}/{attachmentID}", a.DownloadAttachment)

	r.Get("/api/config", a.Config)
	r.Get("/api/version", a.Version)
	r.Get("/api/alive", a.Alive)
	r.Get("/api/devices/knowndevice", a.KnownDevice)
	r.Get("/notifications/hub", a.NotificationsHub)
	r.Post("/notifications/hub", a.NotificationsHub)
	r.Post("/notifications/hub/negotiate", a.NotificationsNegotiate)

	authed := r.With(a.AuthMiddleware, a.RateLimitMiddleware)

	authed.Get("/api/accounts/profile", a.GetProfile)
	authed.Put("/api/accounts/profile", a.UpdateProfile)
	authed.Post("/api/accounts/profile", a.UpdateProfile)
	authed.Get("/api/accounts/revision-date", a.RevisionDate)
	authed.Post("/api/accounts/password", a.ChangePassword)
	authed.Post("/api/accounts/security-stamp", a.RotateSecurityStamp)
	authed.Post("/api/accounts/verify-password", a.VerifyPassword)
	authed.Post("/api/accounts/keys", a.SetKeys)
	authed.Post("/api/accounts/logout", a.Logout)

	authed.Get("/api/sync", a.Sync)

	authed.Get("/api/ciphers", a.ListCiphers)
	authed.Post("/api/ciphers", a.CreateCipher)
	authed.Post("/api/ciphers/create", a.CreateCipherWithCollections)
	authed.Put("/api/ciphers/move", a.MoveCiphers)
	authed.Post("/api/ciphers/move", a.MoveCiphers)
	authed.Put("/api/ciphers/delete", a.SoftDeleteCiphers)
	authed.Put("/api/ciphers/restore", a.RestoreCiphers)
	authed.Delete("/api/ciphers", a.DeleteCiphers)
	authed.Get("/api/ciphers/{cipherID}", a.GetCipher)
	authed.Get("/api/ciphers/{cipherID}/details", a.GetCipher)
	authed.Put("/api/ciphers/{cipherID}", a.UpdateCipher)
	authed.Post("/api/ciphers/{cipherID}", a.UpdateCipher)
	authed.Put("/api/ciphers/{cipherID}/partial", a.PartialUpdateCipher)
	authed.Delete("/api/ciphers/{cipherID}", a.DeleteCipher)
	authed.Post("/api/ciphers/{cipherID}/delete", a.DeleteCipher)
	authed.Put("/api/ciphers/{cipherID}/delete", a.SoftDeleteCipher)
	authed.Put("/api/ciphers/{cipherID}/restore", a.RestoreCipher)

	authed.Post("/api/ciphers/{cipherID}/attachment/v2", a.CreateAttachment)
	authed.Post("/api/ciphers/{cipherID}/attachment/{attachmentID}", a.UploadAttachment)
	authed.Get("/api/ciphers/{cipherID}/attachment/{attachmentID}", a.GetAttachment)
	authed.Delete("/api/ciphers/{cipherID}/attachment/{attachmentID}", a.DeleteAttachment)
	authed.Post("/api/ciphers/{cipherID}/attachment/{attachmentID}/delete", a.DeleteAttachment)

	authed.Get("/api/folders", a.ListFolders)
	authed.Post("/api/folders", a.CreateFolder)
	authed.Get("/api/folders/{folderID}", a.GetFolder)
	authed.Put("/api/folders/{folderID}", a.UpdateFolder)
	authed.Post("/api/folders/{folderID}", a.UpdateFolder)
	authed.Delete("/api/folders/{folderID}", a.DeleteFolder)
	authed.Post("/api/folders/{folderID}/delete", a.DeleteFolder)

	authed.Get("/api/organizations", a.EmptyList)
	authed.Get("/api/collections", a.EmptyList)
	authed.Get("/api/policies", a.EmptyList)

	return r
}
