package server

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/storage"
)

const (
	// DefaultSigningAlgorithm is used when Config.SigningAlgorithm is empty.
	DefaultSigningAlgorithm = "HS512"

	// DefaultAuthorizationCodeTTL is how long authorization requests and
	// codes are valid.
	DefaultAuthorizationCodeTTL = 5 * time.Minute

	// DefaultConsentPath is appended to the issuer when ConsentURL is empty.
	DefaultConsentPath = "/oauth/consent"

	// MinSigningSecretLength is the minimum HMAC secret length in bytes.
	MinSigningSecretLength = 32
)

// Lifetimes are the access and refresh token lifetimes of one client class.
type Lifetimes struct {
	AccessToken  time.Duration
	RefreshToken time.Duration
}

// TokenPolicy holds the token lifetimes per client type and trust level.
type TokenPolicy struct {
	ConfidentialInternal Lifetimes
	ConfidentialExternal Lifetimes
	PublicInternal       Lifetimes
	PublicExternal       Lifetimes
}

// DefaultTokenPolicy returns the default lifetimes: the more a client is
// trusted, the longer its tokens live.
func DefaultTokenPolicy() TokenPolicy {
	const day = 24 * time.Hour
	return TokenPolicy{
		ConfidentialInternal: Lifetimes{AccessToken: 24 * time.Hour, RefreshToken: 360 * day},
		ConfidentialExternal: Lifetimes{AccessToken: 12 * time.Hour, RefreshToken: 30 * day},
		PublicInternal:       Lifetimes{AccessToken: 2 * time.Hour, RefreshToken: 30 * day},
		PublicExternal:       Lifetimes{AccessToken: time.Hour, RefreshToken: 7 * day},
	}
}

// For returns the lifetimes for a client type and trust level.
func (p TokenPolicy) For(clientType string, internal bool) Lifetimes {
	switch {
	case clientType == storage.ClientTypeConfidential && internal:
		return p.ConfidentialInternal
	case clientType == storage.ClientTypeConfidential:
		return p.ConfidentialExternal
	case internal:
		return p.PublicInternal
	default:
		return p.PublicExternal
	}
}

func (p *TokenPolicy) applyDefaults() {
	def := DefaultTokenPolicy()
	fill := func(l *Lifetimes, d Lifetimes) {
		if l.AccessToken <= 0 {
			l.AccessToken = d.AccessToken
		}
		if l.RefreshToken <= 0 {
			l.RefreshToken = d.RefreshToken
		}
	}
	fill(&p.ConfidentialInternal, def.ConfidentialInternal)
	fill(&p.ConfidentialExternal, def.ConfidentialExternal)
	fill(&p.PublicInternal, def.PublicInternal)
	fill(&p.PublicExternal, def.PublicExternal)
}

// Config holds OAuth server configuration. The server copies it in New and
// never changes it afterwards.
type Config struct {
	// Issuer is the server's issuer identifier (base URL), used as the iss
	// claim of every token. Required.
	Issuer string

	// SigningAlgorithm is the JWT algorithm: HS256, HS384, HS512, RS256,
	// RS384, RS512, PS256, PS384, PS512, ES256, ES384, ES512 or EdDSA.
	// Default: HS512
	SigningAlgorithm string

	// SigningSecret is the HMAC key for the HS* algorithms, at least 32 bytes.
	SigningSecret []byte

	// SigningKey is the private key for asymmetric algorithms.
	SigningKey crypto.Signer

	// KeyID is the kid header of asymmetric tokens. Defaults to the RFC 7638
	// thumbprint of the public key.
	KeyID string

	// ClientSecretKey is the HMAC key client secrets are derived with.
	// Default: SigningSecret
	ClientSecretKey []byte

	// AuthorizationCodeTTL is how long authorization requests and codes are
	// valid. Default: 5 minutes
	AuthorizationCodeTTL time.Duration

	// TokenPolicy holds token lifetimes per client class. Zero lifetimes take
	// the defaults of DefaultTokenPolicy.
	TokenPolicy TokenPolicy

	// ConsentURL is where the authorization endpoint sends the user agent,
	// with the request id appended as request_id.
	// Default: Issuer + "/oauth/consent"
	ConsentURL string

	// AllowPublicClientsWithoutPKCE lets public clients use the
	// authorization code flow without a code challenge.
	// WARNING: public clients cannot keep a secret; PKCE is their only
	// protection against code interception.
	// Default: false
	AllowPublicClientsWithoutPKCE bool

	// DisallowPKCEPlain rejects the plain code_challenge_method.
	// Default: false
	DisallowPKCEPlain bool

	// AllowImplicitFlow enables response_type=token.
	// WARNING: the implicit flow exposes access tokens in the redirect URI.
	// Default: false
	AllowImplicitFlow bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers for
	// the IP recorded with refresh attempts and used by the rate limiter.
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Default: 1
	TrustedProxyCount int

	// SupportedScopes restricts the scopes clients may be registered with and
	// is published in the server metadata. Empty means any scope.
	SupportedScopes []string
}

// applySecureDefaults fills defaults and validates the signing setup. It
// works on a copy and never modifies the caller's config.
func applySecureDefaults(in *Config, logger *slog.Logger) (*Config, error) {
	cfg := *in
	cfg.SupportedScopes = slices.Clone(in.SupportedScopes)
	cfg.Issuer = util.NormalizeURL(cfg.Issuer)

	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.SigningAlgorithm == "" {
		cfg.SigningAlgorithm = DefaultSigningAlgorithm
	}
	if err := validateSigningKey(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.ClientSecretKey) == 0 {
		if len(cfg.SigningSecret) == 0 {
			return nil, fmt.Errorf("client secret key is required with asymmetric signing")
		}
		cfg.ClientSecretKey = cfg.SigningSecret
	}
	if cfg.AuthorizationCodeTTL <= 0 {
		cfg.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if cfg.ConsentURL == "" {
		cfg.ConsentURL = cfg.Issuer + DefaultConsentPath
	}
	if cfg.TrustedProxyCount <= 0 {
		cfg.TrustedProxyCount = 1
	}
	cfg.TokenPolicy.applyDefaults()

	logSecurityWarnings(&cfg, logger)
	return &cfg, nil
}

func validateSigningKey(cfg *Config) error {
	alg := cfg.SigningAlgorithm
	switch {
	case strings.HasPrefix(alg, "HS"):
		if !slices.Contains([]string{"HS256", "HS384", "HS512"}, alg) {
			return fmt.Errorf("unsupported signing algorithm %q", alg)
		}
		if len(cfg.SigningSecret) < MinSigningSecretLength {
			return fmt.Errorf("signing secret must be at least %d bytes", MinSigningSecretLength)
		}
		return nil
	case cfg.SigningKey == nil:
		return fmt.Errorf("signing key is required for %s", alg)
	}

	var ok bool
	switch alg {
	case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
		_, ok = cfg.SigningKey.(*rsa.PrivateKey)
	case "ES256", "ES384", "ES512":
		_, ok = cfg.SigningKey.(*ecdsa.PrivateKey)
	case "EdDSA":
		_, ok = cfg.SigningKey.(ed25519.PrivateKey)
	default:
		return fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	if !ok {
		return fmt.Errorf("signing key type %T does not match algorithm %s", cfg.SigningKey, alg)
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(cfg *Config, logger *slog.Logger) {
	if cfg.AllowPublicClientsWithoutPKCE {
		logger.Warn("SECURITY WARNING: public clients may skip PKCE",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set AllowPublicClientsWithoutPKCE=false")
	}
	if !cfg.DisallowPKCEPlain {
		logger.Info("PKCE plain method is accepted",
			"recommendation", "Set DisallowPKCEPlain=true to require S256")
	}
	if cfg.AllowImplicitFlow {
		logger.Warn("SECURITY WARNING: implicit flow is ENABLED",
			"risk", "Access tokens exposed in redirect URIs and browser history",
			"recommendation", "Use the authorization code flow with PKCE")
	}
	if cfg.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if !strings.HasPrefix(cfg.Issuer, "https://") {
		logger.Warn("SECURITY WARNING: issuer is not an HTTPS URL",
			"issuer", cfg.Issuer,
			"recommendation", "Serve the authorization server over TLS")
	}
}
