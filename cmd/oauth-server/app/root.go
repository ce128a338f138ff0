// Package app implements the commands of the oauth-server binary.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	oauth "github.com/giantswarm/oauth-server"
)

// EnvPrefix prefixes every environment variable read by the binary, e.g.
// OAUTH_SIGNING_SECRET for signing.secret.
const EnvPrefix = "OAUTH"

// Version is injected at build time.
var Version = "dev"

// configKeys are the keys that may be set from the environment. Viper only
// unmarshals environment values for keys it knows about.
var configKeys = map[string]any{
	"issuer":                    "",
	"listen_address":            ":8080",
	"supported_scopes":          []string{},
	"consent_url":               "",
	"allow_implicit_flow":       false,
	"authorization_code_ttl":    "0s",
	"signing.algorithm":         "",
	"signing.secret":            "",
	"signing.key_file":          "",
	"signing.key_id":            "",
	"signing.client_secret_key": "",
	"token_lifetimes.confidential_internal.access":  "0s",
	"token_lifetimes.confidential_internal.refresh": "0s",
	"token_lifetimes.confidential_external.access":  "0s",
	"token_lifetimes.confidential_external.refresh": "0s",
	"token_lifetimes.public_internal.access":        "0s",
	"token_lifetimes.public_internal.refresh":       "0s",
	"token_lifetimes.public_external.access":        "0s",
	"token_lifetimes.public_external.refresh":       "0s",
	"pkce.allow_public_clients_without_pkce":        false,
	"pkce.disallow_plain":                           false,
	"rate_limit.rate":                               0,
	"rate_limit.burst":                              0,
	"rate_limit.max_entries":                        0,
	"security.trust_proxy":                          false,
	"security.trusted_proxy_count":                  0,
	"security.encryption_key":                       "",
	"security.enable_audit_logging":                 true,
	"storage.driver":                                oauth.StorageDriverMemory,
	"storage.redis.addrs":                           []string{},
	"storage.redis.master_name":                     "",
	"storage.redis.username":                        "",
	"storage.redis.password":                        "",
	"storage.redis.db":                              0,
	"storage.redis.key_prefix":                      "",
	"storage.redis.tls":                             false,
	"storage.redis.retention":                       "0s",
	"storage.sqlite.path":                           "",
	"instrumentation.enabled":                       false,
	"instrumentation.metrics_exporter":              "",
	"instrumentation.log_client_ips":                false,
}

// NewRootCmd creates the root command of the oauth-server CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "oauth-server",
		Short: "OAuth 2.0 authorization server",
		Long: `oauth-server issues JWT access tokens and rotating refresh tokens for
registered clients through the authorization code (with PKCE),
client credentials, password and refresh token grants.

Configuration is read from the file given with --config and from
environment variables prefixed with OAUTH_, e.g. OAUTH_SIGNING_SECRET.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newClientsCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newUsersCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newLogger returns a JSON logger writing to stderr.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the configuration file named by --config, if any, and
// overlays OAUTH_ environment variables.
func loadConfig(cmd *cobra.Command) (*oauth.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, def := range configKeys {
		v.SetDefault(key, def)
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg oauth.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "oauth-server %s\n", Version)
		},
	}
}
