package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeImplicit          = "implicit"
)

// ErrUnknownClientProfile is returned for a profile other than web,
// user-agent-based or native.
var ErrUnknownClientProfile = errors.New("unknown client profile")

// ClientTypeFor maps a client profile to its client type: web applications
// can keep a secret, browser and native applications cannot.
func ClientTypeFor(profile string) (string, error) {
	switch profile {
	case storage.ClientProfileWeb:
		return storage.ClientTypeConfidential, nil
	case storage.ClientProfileUserAgentBased, storage.ClientProfileNative:
		return storage.ClientTypePublic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownClientProfile, profile)
	}
}

// DeriveGrants returns the grant types a client class may use.
func DeriveGrants(clientType string, internal bool) []string {
	switch {
	case clientType == storage.ClientTypeConfidential && internal:
		return []string{GrantTypeAuthorizationCode, GrantTypePassword, GrantTypeClientCredentials, GrantTypeRefreshToken}
	case clientType == storage.ClientTypeConfidential:
		return []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	case internal:
		return []string{GrantTypeAuthorizationCode, GrantTypePassword}
	default:
		return []string{GrantTypeAuthorizationCode}
	}
}

// NormalizeClient recomputes the derived fields of a client from its profile
// and trust level.
func NormalizeClient(c *storage.Client) error {
	clientType, err := ClientTypeFor(c.ClientProfile)
	if err != nil {
		return err
	}
	c.ClientType = clientType
	c.Grants = DeriveGrants(clientType, c.Internal)
	return nil
}

// ClientRegistration describes a client to register.
type ClientRegistration struct {
	Name         string
	Profile      string
	Internal     bool
	RedirectURIs []string
	Scope        string
	Domain       string
}

// ClientRegistry registers, resolves and authenticates clients.
type ClientRegistry struct {
	store           storage.ClientStore
	secretKey       []byte
	policy          TokenPolicy
	supportedScopes []string
	group           singleflight.Group

	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	now     func() time.Time
}

func newClientRegistry(store storage.ClientStore, cfg *Config, logger *slog.Logger, now func() time.Time) *ClientRegistry {
	return &ClientRegistry{
		store:           store,
		secretKey:       cfg.ClientSecretKey,
		policy:          cfg.TokenPolicy,
		supportedScopes: cfg.SupportedScopes,
		logger:          logger,
		now:             now,
	}
}

// DeriveSecret returns the secret of a confidential client: the hex encoded
// HMAC-SHA512 of the client id. Secrets are never stored, only their bcrypt
// hash, and can be re-derived by an operator holding the key.
func (r *ClientRegistry) DeriveSecret(clientID string) string {
	mac := hmac.New(sha512.New, r.secretKey)
	mac.Write([]byte(clientID))
	return hex.EncodeToString(mac.Sum(nil))
}

// secretDigest is the input of a client secret's bcrypt hash. bcrypt rejects
// passwords over 72 bytes and a derived secret has 128.
func secretDigest(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return []byte(base64.RawStdEncoding.EncodeToString(sum[:]))
}

// Register validates and stores a new client. The second result is the
// client secret, empty for public clients.
func (r *ClientRegistry) Register(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	if err := r.validateRegistration(reg); err != nil {
		return nil, "", err
	}

	now := r.now()
	client := &storage.Client{
		ClientID:      uuid.NewString(),
		Name:          reg.Name,
		ClientProfile: reg.Profile,
		Internal:      reg.Internal,
		RedirectURIs:  slices.Clone(reg.RedirectURIs),
		Scope:         strings.Join(SplitScope(reg.Scope), " "),
		Domain:        reg.Domain,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := NormalizeClient(client); err != nil {
		return nil, "", err
	}

	var secret string
	if client.IsConfidential() {
		secret = r.DeriveSecret(client.ClientID)
		hash, err := bcrypt.GenerateFromPassword(secretDigest(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.SecretHash = string(hash)
	}

	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	r.logger.Info("Registered client",
		"client_id", client.ClientID,
		"client_type", client.ClientType,
		"internal", client.Internal)
	r.auditor.LogClientRegistered(client.ClientID, client.ClientType, client.Internal)
	r.metrics.RecordClientRegistration(ctx, client.ClientType, client.Internal)

	return client, secret, nil
}

func (r *ClientRegistry) validateRegistration(reg ClientRegistration) error {
	if _, err := ClientTypeFor(reg.Profile); err != nil {
		return err
	}
	for _, raw := range reg.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid redirect URI %q: %w", raw, err)
		}
		if u.Scheme == "" {
			return fmt.Errorf("redirect URI %q must be absolute", raw)
		}
		if u.Fragment != "" {
			return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
		}
		if reg.Profile == storage.ClientProfileWeb && u.Host == "" {
			return fmt.Errorf("redirect URI %q of a web client must have a host", raw)
		}
	}
	if len(r.supportedScopes) > 0 && !ValidateScope(JoinScope(r.supportedScopes), reg.Scope) {
		return fmt.Errorf("scope %q contains unsupported values", reg.Scope)
	}
	return nil
}

// Resolve loads a client. Concurrent lookups of the same id share one store
// read.
func (r *ClientRegistry) Resolve(ctx context.Context, clientID string) (*storage.Client, error) {
	// The shared lookup must not fail for every waiter when the first
	// caller's context is cancelled.
	v, err, _ := r.group.Do(clientID, func() (any, error) {
		return r.store.GetClient(context.WithoutCancel(ctx), clientID)
	})
	if err != nil {
		return nil, err
	}
	c := *v.(*storage.Client)
	return &c, nil
}

// Authenticate checks a client secret. Public clients have no secret and
// always pass.
func (r *ClientRegistry) Authenticate(client *storage.Client, secret string) bool {
	if !client.IsConfidential() {
		return true
	}
	if secret == "" || client.SecretHash == "" {
		return false
	}
	expected := r.DeriveSecret(client.ClientID)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(client.SecretHash), secretDigest(secret)) == nil
}

// Revoke marks a client revoked. Its tokens stay in place but the token
// endpoint and verification reject the client from now on.
func (r *ClientRegistry) Revoke(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := r.Resolve(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.IsRevoked() {
		return client, nil
	}

	now := r.now()
	client.RevokedAt = now
	client.UpdatedAt = now
	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	r.logger.Info("Revoked client", "client_id", clientID)
	r.auditor.LogClientRevoked(clientID)
	return client, nil
}

// List returns all registered clients.
func (r *ClientRegistry) List(ctx context.Context) ([]*storage.Client, error) {
	return r.store.ListClients(ctx)
}

// Lifetimes returns the token lifetimes of a client.
func (r *ClientRegistry) Lifetimes(client *storage.Client) Lifetimes {
	return r.policy.For(client.ClientType, client.Internal)
}

// audience is the aud and azp value of tokens issued to a client.
func audience(client *storage.Client) string {
	if client.Domain != "" {
		return client.Domain
	}
	return client.ClientID
}
