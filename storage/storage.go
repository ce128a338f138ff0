// Package storage defines the records of the authorization server and the
// store interfaces that persist them.
package storage

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/giantswarm/oauth-server/security"
)

// Client types. The type is derived from the client profile, never set
// directly.
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Client profiles as defined in RFC 6749 section 2.1.
const (
	ClientProfileWeb            = "web"
	ClientProfileUserAgentBased = "user-agent-based"
	ClientProfileNative         = "native"
)

// Sentinel errors returned by every store implementation. Callers match them
// with errors.Is.
var (
	ErrClientNotFound = errors.New("client not found")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeExpired  = errors.New("authorization code expired")
	// ErrAuthorizationCodeRevoked is returned for codes that were already
	// redeemed, denied or superseded, and for requests that are no longer
	// pending consent.
	ErrAuthorizationCodeRevoked = errors.New("authorization code revoked")

	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenRevoked  = errors.New("token revoked")
)

// ClientStore persists registered clients.
type ClientStore interface {
	// SaveClient creates or replaces a client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns ErrClientNotFound when no client has that id.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients returns all clients ordered by id.
	ListClients(ctx context.Context) ([]*Client, error)
}

// CodeStore persists authorization requests and the codes they turn into.
//
// A record is created pending (empty Code, empty UserID) by the
// authorization endpoint, activated once by consent, and redeemed once at the
// token endpoint. Activate, Redeem and Revoke are atomic conditional
// mutations: of any number of concurrent callers at most one succeeds.
type CodeStore interface {
	// SaveAuthorizationCode stores a new pending authorization request.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the record with the given request id.
	GetAuthorizationCode(ctx context.Context, id string) (*AuthorizationCode, error)

	// ActivateAuthorizationCode binds a user, a scope and a code value to a
	// pending request and revokes every other live code of the same user.
	// An empty activation Code consumes the request in the same step, which
	// is how the implicit flow completes.
	// Returns ErrAuthorizationCodeNotFound, ErrAuthorizationCodeExpired, or
	// ErrAuthorizationCodeRevoked when the request is no longer pending.
	ActivateAuthorizationCode(ctx context.Context, id string, activation CodeActivation, now time.Time) (*AuthorizationCode, error)

	// GetAuthorizationCodeByValue returns the record holding a code value
	// without changing it, or ErrAuthorizationCodeNotFound.
	GetAuthorizationCodeByValue(ctx context.Context, code string) (*AuthorizationCode, error)

	// RedeemAuthorizationCode looks up a live code issued to clientID and
	// revokes it. Expired codes are revoked as well and reported with
	// ErrAuthorizationCodeExpired; codes that were already revoked return
	// ErrAuthorizationCodeRevoked.
	RedeemAuthorizationCode(ctx context.Context, clientID, code string, now time.Time) (*AuthorizationCode, error)

	// RevokeAuthorizationCode revokes a record by request id. Revoking an
	// already revoked record returns ErrAuthorizationCodeRevoked.
	RevokeAuthorizationCode(ctx context.Context, id string, now time.Time) error
}

// TokenStore persists access and refresh token records. The signed tokens
// handed to clients carry only the record id; revocation and expiry are
// decided here.
type TokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns ErrTokenNotFound when the id is unknown.
	GetAccessToken(ctx context.Context, id string) (*AccessToken, error)

	// RevokeAccessToken marks a token revoked. Revoking twice is not an error.
	RevokeAccessToken(ctx context.Context, id string, now time.Time) error

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns ErrTokenNotFound when the id is unknown.
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// RedeemRefreshToken atomically revokes a live refresh token and appends
	// attempt to its history, returning the updated record. Expired tokens are
	// left untouched and reported with ErrTokenExpired; revoked tokens return
	// ErrTokenRevoked.
	RedeemRefreshToken(ctx context.Context, id string, attempt RefreshAttempt, now time.Time) (*RefreshToken, error)

	// RevokeRefreshToken marks a token revoked. Revoking twice is not an error.
	RevokeRefreshToken(ctx context.Context, id string, now time.Time) error

	// RevokeTokensForSubject revokes every live access and refresh token
	// issued to subject through clientID and returns how many were revoked.
	RevokeTokensForSubject(ctx context.Context, subject, clientID string, now time.Time) (int, error)
}

// Client represents a registered client
type Client struct {
	ClientID      string    `json:"client_id"`
	Name          string    `json:"name,omitempty"`
	SecretHash    string    `json:"secret_hash,omitempty"` // bcrypt, confidential clients only
	ClientProfile string    `json:"client_profile"`
	ClientType    string    `json:"client_type"`
	Internal      bool      `json:"internal"`
	RedirectURIs  []string  `json:"redirect_uris"`
	Scope         string    `json:"scope"`
	Grants        []string  `json:"grants"`
	Domain        string    `json:"domain,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	RevokedAt     time.Time `json:"revoked_at,omitzero"`
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// IsRevoked reports whether the client was revoked.
func (c *Client) IsRevoked() bool {
	return !c.RevokedAt.IsZero()
}

// HasGrant reports whether the client may use the given grant type.
func (c *Client) HasGrant(grant string) bool {
	return slices.Contains(c.Grants, grant)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AuthorizationCode is an authorization request and, after consent, the
// single-use code it was turned into.
type AuthorizationCode struct {
	ID                  string    `json:"id"`
	Code                string    `json:"code,omitempty"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id,omitempty"`
	ResponseType        string    `json:"response_type"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	State               string    `json:"state,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	RevokedAt           time.Time `json:"revoked_at,omitzero"`
}

// CodeActivation is what consent adds to a pending authorization request.
type CodeActivation struct {
	UserID    string
	Scope     string
	Code      string
	ExpiresAt time.Time
}

// IsPending reports whether the request still waits for consent.
func (c *AuthorizationCode) IsPending() bool {
	return c.UserID == "" && c.RevokedAt.IsZero()
}

// IsExpired reports whether the record is expired at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return security.IsExpired(now, c.ExpiresAt)
}

// IsRevoked reports whether the record was revoked.
func (c *AuthorizationCode) IsRevoked() bool {
	return !c.RevokedAt.IsZero()
}

// AccessToken is the persisted state of an issued access token.
type AccessToken struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope,omitempty"`
	Grant     string    `json:"grant"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`
}

// IsActive reports whether the token is neither revoked nor expired at now.
func (t *AccessToken) IsActive(now time.Time) bool {
	return t.RevokedAt.IsZero() && !security.IsExpired(now, t.ExpiresAt)
}

// RefreshToken is the persisted state of an issued refresh token.
type RefreshToken struct {
	ID            string           `json:"id"`
	AccessTokenID string           `json:"access_token_id"`
	Subject       string           `json:"subject"`
	ClientID      string           `json:"client_id"`
	Scope         string           `json:"scope,omitempty"`
	Attempts      []RefreshAttempt `json:"attempts,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	RevokedAt     time.Time        `json:"revoked_at,omitzero"`
}

// RefreshAttempt records one use of a refresh token.
type RefreshAttempt struct {
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// IsActive reports whether the token is neither revoked nor expired at now.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt.IsZero() && !security.IsExpired(now, t.ExpiresAt)
}
