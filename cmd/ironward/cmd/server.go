package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironward/api"
	"github.com/jmcleod/ironward/auth"
	"github.com/jmcleod/ironward/vault"
)

var (
	port    int
	tlsCert string
	tlsKey  string

	jwtSecret      string
	jwtSecretFile  string
	accessTokenTTL time.Duration

	domain              string
	trustedProxies      []string
	disableRegistration bool

	maxLoginAttempts int
	lockoutDuration  time.Duration
	apiRateLimit     int
	apiRateWindow    time.Duration

	alertWebhookURL    string
	alertWebhookHeader string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the vault server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		secret, err := loadJWTSecret(jwtSecret, jwtSecretFile)
		if err != nil {
			return err
		}

		kv, err := openStore(ctx)
		if err != nil {
			return fmt.Errorf("failed to open %s storage: %w", backend, err)
		}
		defer kv.Close()
		purgeCtx, stopPurge := context.WithCancel(ctx)
		defer stopPurge()
		go purgeLoop(purgeCtx, kv, purgeInterval)

		store := vault.New(kv)
		tokens, err := auth.NewTokenService(secret, store, kv,
			auth.WithAccessTokenTTL(accessTokenTTL),
			auth.WithLogger(slog.Default()),
		)
		if err != nil {
			return err
		}
		defer tokens.Close()

		guard := auth.NewGuard(kv,
			auth.WithLoginPolicy(maxLoginAttempts, lockoutDuration),
			auth.WithAPILimit(apiRateLimit, apiRateWindow),
		)

		blobs, err := openBlobStore(ctx, kv)
		if err != nil {
			return err
		}

		opts := []api.Option{
			api.WithLogger(slog.Default()),
			api.WithDomain(domain),
			api.WithDisableRegistration(disableRegistration),
			api.WithAuditWebhook(alertWebhookURL, alertWebhookHeader),
			api.WithAlertFunc(func(e api.AlertEvent) {
				slog.Warn("security alert",
					"type", e.Type,
					"message", e.Message,
					"count", e.Count,
					"threshold", e.Threshold,
				)
			}),
		}
		if len(trustedProxies) > 0 {
			opt, err := api.WithTrustedProxies(trustedProxies)
			if err != nil {
				return err
			}
			opts = append(opts, opt)
		}
		a := api.New(store, tokens, guard, blobs, opts...)
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       5 * time.Minute,
			WriteTimeout:      5 * time.Minute,
			IdleTimeout:       60 * time.Second,
		}
		if tlsCert != "" || tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		slog.Info("server started",
			"port", port,
			"backend", backend,
			"blob_backend", blobBackend,
			"tls", server.TLSConfig != nil,
		)

		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.IntVarP(&port, "port", "p", 8080, "Port to listen on")
	f.StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")

	f.StringVar(&jwtSecret, "jwt-secret", "", "Token signing secret")
	f.StringVar(&jwtSecretFile, "jwt-secret-file", "", "File holding the token signing secret")
	f.DurationVar(&accessTokenTTL, "access-token-ttl", auth.DefaultAccessTokenTTL, "Lifetime of access tokens")

	f.StringVar(&domain, "domain", "", "Public base URL, e.g. https://vault.example.com")
	f.StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDRs or IPs of proxies whose forwarding headers are trusted")
	f.BoolVar(&disableRegistration, "disable-registration", false, "Reject new account registrations")

	f.IntVar(&maxLoginAttempts, "max-login-attempts", auth.DefaultMaxLoginAttempts, "Failed logins before an account is locked")
	f.DurationVar(&lockoutDuration, "lockout-duration", auth.DefaultLockoutDuration, "How long a locked account stays locked")
	f.IntVar(&apiRateLimit, "api-rate-limit", auth.DefaultAPIRequestCap, "Requests allowed per client per window")
	f.DurationVar(&apiRateWindow, "api-rate-window", auth.DefaultAPIWindow, "API rate limit window")

	f.StringVar(&alertWebhookURL, "alert-webhook-url", "", "Forward audit events and alerts to this URL")
	f.StringVar(&alertWebhookHeader, "alert-webhook-header", "", `Extra header for webhook requests, "Name: Value"`)
}

// loadJWTSecret prefers the literal secret and falls back to the file.
func loadJWTSecret(secret, file string) ([]byte, error) {
	if secret != "" {
		return []byte(secret), nil
	}
	if file == "" {
		return nil, errors.New("a token signing secret is required: set --jwt-secret, IRONWARD_JWT_SECRET or --jwt-secret-file")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading jwt secret file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil, fmt.Errorf("jwt secret file %s is empty", file)
	}
	return []byte(s), nil
}
