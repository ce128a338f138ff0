package oauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/giantswarm/oauth-server/providers/static"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
)

// Storage drivers
const (
	StorageDriverMemory = "memory"
	StorageDriverRedis  = "redis"
	StorageDriverSQLite = "sqlite"
)

// Config is the deployment configuration of the authorization server. It is
// loaded from a YAML file and OAUTH_ environment variables by the binary and
// converted to a server.Config with ServerConfig.
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the public base URL of the server (required).
	Issuer string `mapstructure:"issuer"`

	// ListenAddress is the address the binary listens on.
	// Default: ":8080"
	ListenAddress string `mapstructure:"listen_address"`

	// SupportedScopes restricts client scopes. Empty allows any scope.
	SupportedScopes []string `mapstructure:"supported_scopes"`

	// ConsentURL is where users are sent to approve authorization requests.
	// Default: {Issuer}/oauth/consent
	ConsentURL string `mapstructure:"consent_url"`

	// AllowImplicitFlow enables response_type=token.
	AllowImplicitFlow bool `mapstructure:"allow_implicit_flow"`

	// AuthorizationCodeTTL is how long authorization requests and codes are
	// valid. Default: 5 minutes
	AuthorizationCodeTTL time.Duration `mapstructure:"authorization_code_ttl"`

	Signing         SigningConfig         `mapstructure:"signing"`
	TokenLifetimes  TokenLifetimesConfig  `mapstructure:"token_lifetimes"`
	PKCE            PKCEConfig            `mapstructure:"pkce"`
	RateLimit       RateLimitConfig       `mapstructure:"rate_limit"`
	Security        SecurityConfig        `mapstructure:"security"`
	Storage         StorageConfig         `mapstructure:"storage"`
	Instrumentation InstrumentationConfig `mapstructure:"instrumentation"`

	// Users are the accounts of the password grant.
	Users []static.User `mapstructure:"users"`
}

// SigningConfig selects the token signing key
type SigningConfig struct {
	// Algorithm is the JWT algorithm. Default: HS512
	Algorithm string `mapstructure:"algorithm"`

	// Secret is the HMAC key for HS* algorithms, at least 32 bytes.
	Secret string `mapstructure:"secret"`

	// KeyFile is a PEM file holding a PKCS#8, PKCS#1 or SEC 1 private key for
	// asymmetric algorithms.
	KeyFile string `mapstructure:"key_file"`

	// KeyID is the kid of asymmetric tokens. Default: the key thumbprint.
	KeyID string `mapstructure:"key_id"`

	// ClientSecretKey is the HMAC key client secrets are derived with.
	// Default: Secret
	ClientSecretKey string `mapstructure:"client_secret_key"`
}

// LifetimesConfig overrides the lifetimes of one client class. Zero keeps
// the default.
type LifetimesConfig struct {
	Access  time.Duration `mapstructure:"access"`
	Refresh time.Duration `mapstructure:"refresh"`
}

// TokenLifetimesConfig overrides token lifetimes per client class
type TokenLifetimesConfig struct {
	ConfidentialInternal LifetimesConfig `mapstructure:"confidential_internal"`
	ConfidentialExternal LifetimesConfig `mapstructure:"confidential_external"`
	PublicInternal       LifetimesConfig `mapstructure:"public_internal"`
	PublicExternal       LifetimesConfig `mapstructure:"public_external"`
}

// PKCEConfig holds the PKCE policy (secure by default)
type PKCEConfig struct {
	// AllowPublicClientsWithoutPKCE lets public clients skip PKCE.
	// WARNING: Enables authorization code interception.
	AllowPublicClientsWithoutPKCE bool `mapstructure:"allow_public_clients_without_pkce"`

	// DisallowPlain rejects the plain code_challenge_method.
	DisallowPlain bool `mapstructure:"disallow_plain"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int `mapstructure:"rate"`

	// Burst is the maximum burst size allowed per IP.
	Burst int `mapstructure:"burst"`

	// MaxEntries bounds the number of tracked IPs. Default: 10000
	MaxEntries int `mapstructure:"max_entries"`
}

// SecurityConfig holds OAuth security settings (secure by default)
type SecurityConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool `mapstructure:"trust_proxy"`

	// TrustedProxyCount is the number of proxies in front of the server.
	TrustedProxyCount int `mapstructure:"trusted_proxy_count"`

	// EncryptionKey is the base64 encoded AES-256 key encrypting refresh
	// attempt data at rest. Empty disables encryption. Generate one with
	// `oauth-server keys generate`.
	EncryptionKey string `mapstructure:"encryption_key"`

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool `mapstructure:"enable_audit_logging"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	// Driver is memory, redis or sqlite. Default: memory
	Driver string `mapstructure:"driver"`

	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// RedisConfig configures the redis store
type RedisConfig struct {
	// Addrs are host:port pairs. More than one address requires MasterName
	// (sentinel).
	Addrs      []string      `mapstructure:"addrs"`
	MasterName string        `mapstructure:"master_name"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
	TLS        bool          `mapstructure:"tls"`
	Retention  time.Duration `mapstructure:"retention"`
}

// SQLiteConfig configures the sqlite store
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// InstrumentationConfig configures OpenTelemetry metrics and tracing
type InstrumentationConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// MetricsExporter is prometheus or none. Default: none
	MetricsExporter string `mapstructure:"metrics_exporter"`

	// LogClientIPs records client IPs on spans.
	LogClientIPs bool `mapstructure:"log_client_ips"`
}

// Validate checks the configuration without touching the filesystem.
func (c *Config) Validate() error {
	var errs []error
	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	}
	if c.Signing.Secret == "" && c.Signing.KeyFile == "" {
		errs = append(errs, errors.New("signing.secret or signing.key_file is required"))
	}
	if c.Signing.KeyFile != "" && c.Signing.ClientSecretKey == "" && c.Signing.Secret == "" {
		errs = append(errs, errors.New("signing.client_secret_key is required with signing.key_file"))
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.Security.EncryptionKey != "" {
		if _, err := security.KeyFromBase64(c.Security.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("security.encryption_key: %w", err))
		}
	}

	switch c.Storage.Driver {
	case "", StorageDriverMemory:
	case StorageDriverRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("storage.redis.addrs is required"))
		}
	case StorageDriverSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// ServerConfig converts the deployment configuration into a server.Config,
// loading the signing key file when one is configured.
func (c *Config) ServerConfig() (*server.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg := &server.Config{
		Issuer:                        c.Issuer,
		SigningAlgorithm:              c.Signing.Algorithm,
		KeyID:                         c.Signing.KeyID,
		AuthorizationCodeTTL:          c.AuthorizationCodeTTL,
		ConsentURL:                    c.ConsentURL,
		AllowPublicClientsWithoutPKCE: c.PKCE.AllowPublicClientsWithoutPKCE,
		DisallowPKCEPlain:             c.PKCE.DisallowPlain,
		AllowImplicitFlow:             c.AllowImplicitFlow,
		TrustProxy:                    c.Security.TrustProxy,
		TrustedProxyCount:             c.Security.TrustedProxyCount,
		SupportedScopes:               c.SupportedScopes,
		TokenPolicy: server.TokenPolicy{
			ConfidentialInternal: lifetimes(c.TokenLifetimes.ConfidentialInternal),
			ConfidentialExternal: lifetimes(c.TokenLifetimes.ConfidentialExternal),
			PublicInternal:       lifetimes(c.TokenLifetimes.PublicInternal),
			PublicExternal:       lifetimes(c.TokenLifetimes.PublicExternal),
		},
	}
	if c.Signing.Secret != "" {
		cfg.SigningSecret = []byte(c.Signing.Secret)
	}
	if c.Signing.ClientSecretKey != "" {
		cfg.ClientSecretKey = []byte(c.Signing.ClientSecretKey)
	}

	if c.Signing.KeyFile != "" {
		key, err := LoadSigningKey(c.Signing.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.SigningKey = key
		cfg.SigningSecret = nil
		if cfg.SigningAlgorithm == "" {
			cfg.SigningAlgorithm = defaultAlgorithmFor(key)
		}
	}
	return cfg, nil
}

// defaultAlgorithmFor picks the JWT algorithm matching the key type.
func defaultAlgorithmFor(key crypto.Signer) string {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS256"
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().BitSize {
		case 384:
			return "ES384"
		case 521:
			return "ES512"
		default:
			return "ES256"
		}
	case ed25519.PrivateKey:
		return "EdDSA"
	default:
		return ""
	}
}

func lifetimes(l LifetimesConfig) server.Lifetimes {
	return server.Lifetimes{AccessToken: l.Access, RefreshToken: l.Refresh}
}

// LoadSigningKey reads a PEM encoded private key.
func LoadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(data)
}

// ParseSigningKey parses a PEM encoded PKCS#8, PKCS#1 or SEC 1 private key.
func ParseSigningKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported signing key type %T", key)
	}
	return signer, nil
}
