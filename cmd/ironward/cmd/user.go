package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironward/auth"
	"github.com/jmcleod/ironward/blob"
	"github.com/jmcleod/ironward/internal/util"
	"github.com/jmcleod/ironward/storage"
	"github.com/jmcleod/ironward/vault"
)

var userEmail string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Inspect and repair user accounts",
	Long:  `Maintenance commands that operate directly on the record store. Run them against the same backend flags as the server.`,
}

// withStore opens the configured backend, runs fn and closes the store.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, kv storage.Store, store *vault.Store) error) error {
	ctx := cmd.Context()
	kv, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", backend, err)
	}
	defer kv.Close()
	return fn(ctx, kv, vault.New(kv))
}

func findUser(ctx context.Context, store *vault.Store, email string) (*vault.User, error) {
	if email == "" {
		return nil, errors.New("--email is required")
	}
	u, err := store.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("no user with email %s", email)
	}
	return u, nil
}

var userShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a user's account summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ storage.Store, store *vault.Store) error {
			u, err := findUser(ctx, store, userEmail)
			if err != nil {
				return err
			}
			rev, err := store.RevisionDate(ctx, u.ID)
			if err != nil {
				return err
			}
			return printUser(cmd.OutOrStdout(), u, rev)
		})
	},
}

func printUser(w io.Writer, u *vault.User, rev time.Time) error {
	_, err := fmt.Fprintf(w, "id:             %s\nemail:          %s\nname:           %s\ncreated:        %s\nrevision date:  %s\n",
		u.ID, u.Email, u.Name,
		u.CreatedAt.UTC().Format(time.RFC3339),
		rev.UTC().Format(time.RFC3339Nano),
	)
	return err
}

var userRotateStampCmd = &cobra.Command{
	Use:   "rotate-stamp",
	Short: "Rotate the security stamp, logging out every client",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, kv storage.Store, store *vault.Store) error {
			u, err := findUser(ctx, store, userEmail)
			if err != nil {
				return err
			}
			if _, err := store.RotateSecurityStamp(ctx, u.ID); err != nil {
				return err
			}
			n, err := revokeRefreshTokens(ctx, kv, store, u.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "security stamp rotated for %s, %d refresh tokens revoked\n", u.Email, n)
			return nil
		})
	},
}

// revokeRefreshTokens only touches stored refresh tokens, so a random
// signing secret is enough.
func revokeRefreshTokens(ctx context.Context, kv storage.Store, store *vault.Store, userID string) (int, error) {
	secret, err := util.RandomBytes(auth.MinSecretLength)
	if err != nil {
		return 0, err
	}
	tokens, err := auth.NewTokenService(secret, store, kv)
	if err != nil {
		return 0, err
	}
	defer tokens.Close()
	return tokens.RevokeAllRefreshTokens(ctx, userID)
}

var userReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Drop dangling entries from a user's record indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ storage.Store, store *vault.Store) error {
			u, err := findUser(ctx, store, userEmail)
			if err != nil {
				return err
			}
			for _, kind := range []vault.Kind{vault.KindCipher, vault.KindFolder, vault.KindAttachment} {
				removed, err := store.ReconcileIndex(ctx, kind, u.ID)
				if err != nil {
					return fmt.Errorf("reconciling %s index: %w", kind, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d dangling ids removed\n", kind, len(removed))
			}
			return nil
		})
	},
}

var userUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear failed login attempts and any lockout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, kv storage.Store, _ *vault.Store) error {
			if userEmail == "" {
				return errors.New("--email is required")
			}
			if err := auth.NewGuard(kv).ClearLoginAttempts(ctx, userEmail); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "login attempts cleared for %s\n", userEmail)
			return nil
		})
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a user and everything they own",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, kv storage.Store, store *vault.Store) error {
			u, err := findUser(ctx, store, userEmail)
			if err != nil {
				return err
			}
			if _, err := revokeRefreshTokens(ctx, kv, store, u.ID); err != nil {
				return err
			}
			removed, err := store.DeleteUser(ctx, u.ID)
			if err != nil {
				return err
			}
			blobs, err := openBlobStore(ctx, kv)
			if err != nil {
				return err
			}
			for _, att := range removed {
				if err := blobs.Delete(ctx, att.CipherID+"/"+att.ID); err != nil && !errors.Is(err, blob.ErrNotFound) {
					fmt.Fprintf(cmd.ErrOrStderr(), "attachment %s: %v\n", att.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s and %d attachments\n", u.Email, len(removed))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.PersistentFlags().StringVar(&userEmail, "email", "", "Email address of the user")
	userCmd.AddCommand(userShowCmd, userRotateStampCmd, userReconcileCmd, userUnlockCmd, userDeleteCmd)
}
