package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	oauth "github.com/giantswarm/oauth-server"
	"github.com/giantswarm/oauth-server/storage"
)

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage registered clients",
	}
	cmd.AddCommand(newClientsCreateCmd())
	cmd.AddCommand(newClientsRevokeCmd())
	cmd.AddCommand(newClientsListCmd())
	return cmd
}

// withServer opens the configured storage, builds a server on it and runs
// fn. Instrumentation and rate limiting are not needed for administration.
func withServer(cmd *cobra.Command, fn func(ctx context.Context, srv *oauth.Server) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd)
	if driver := cfg.Storage.Driver; driver == "" || driver == oauth.StorageDriverMemory {
		logger.Warn("Using in-memory storage: changes are not persisted")
	}

	enc, err := oauth.NewEncryptor(cfg)
	if err != nil {
		return err
	}
	stores, err := oauth.OpenStores(cmd.Context(), cfg, enc, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	srv, err := oauth.NewServer(cfg, stores, quietLogger(logger))
	if err != nil {
		return err
	}
	return fn(cmd.Context(), srv)
}

// quietLogger drops the startup security warnings of the server, which
// only matter for serve.
func quietLogger(logger *slog.Logger) *slog.Logger {
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		return logger
	}
	return slog.New(slog.DiscardHandler)
}

func newClientsCreateCmd() *cobra.Command {
	var reg oauth.ClientRegistration

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client and print its credentials",
		Long: `Register a client. The client secret of confidential (web) clients is
printed once and cannot be recovered later; it is derived from the client
secret key, so rotating that key invalidates every secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServer(cmd, func(ctx context.Context, srv *oauth.Server) error {
				client, secret, err := srv.Clients().Register(ctx, reg)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "client_id: %s\n", client.ClientID)
				if secret != "" {
					_, _ = fmt.Fprintf(out, "client_secret: %s\n", secret)
				}
				_, _ = fmt.Fprintf(out, "client_type: %s\n", client.ClientType)
				_, _ = fmt.Fprintf(out, "grant_types: %s\n", strings.Join(client.Grants, " "))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reg.Name, "name", "", "Human readable client name")
	cmd.Flags().StringVar(&reg.Profile, "profile", storage.ClientProfileWeb, "Client profile: web, user-agent-based or native")
	cmd.Flags().BoolVar(&reg.Internal, "internal", false, "Mark the client as internal (longer token lifetimes, more grants)")
	cmd.Flags().StringSliceVar(&reg.RedirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	cmd.Flags().StringVar(&reg.Scope, "scope", "", "Space separated scope the client may request")
	cmd.Flags().StringVar(&reg.Domain, "domain", "", "Audience of the client's tokens (default: the client id)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func newClientsRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke CLIENT_ID",
		Short: "Revoke a client",
		Long:  "Revoke a client. Its tokens stop verifying and it can no longer obtain new ones.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, srv *oauth.Server) error {
				client, err := srv.Clients().Revoke(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "revoked client %s at %s\n",
					client.ClientID, client.RevokedAt.UTC().Format("2006-01-02T15:04:05Z"))
				return nil
			})
		},
	}
}

func newClientsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServer(cmd, func(ctx context.Context, srv *oauth.Server) error {
				clients, err := srv.Clients().List(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "CLIENT ID\tNAME\tTYPE\tINTERNAL\tSCOPE\tSTATUS")
				for _, c := range clients {
					status := "active"
					if c.IsRevoked() {
						status = "revoked"
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
						c.ClientID, c.Name, c.ClientType, c.Internal, c.Scope, status)
				}
				return w.Flush()
			})
		},
	}
}
