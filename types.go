package oauth

import "time"

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// JWKSURI is the URL of the JSON Web Key Set document
	JWKSURI string `json:"jwks_uri,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// TokenInfoEndpoint is the URL of the token information endpoint
	TokenInfoEndpoint string `json:"tokeninfo_endpoint,omitempty"`

	// SigningAlgValuesSupported lists the access token signing algorithms
	SigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// TokenInfoResponse describes a valid access token. Invalid tokens get an
// invalid_token error instead.
type TokenInfoResponse struct {
	// Active is always true for a successful response
	Active bool `json:"active"`

	// Subject is the user id, or the client id for client_credentials
	Subject string `json:"sub"`

	// ClientID is the client the token was issued to
	ClientID string `json:"client_id"`

	// Scope is the space-separated scope of the token
	Scope string `json:"scope,omitempty"`

	// GrantType is the grant the token was issued through
	GrantType string `json:"grant_type,omitempty"`

	// ExpiresAt is the expiry as a Unix timestamp
	ExpiresAt int64 `json:"exp"`

	// IssuedAt is the issue time as a Unix timestamp
	IssuedAt int64 `json:"iat"`

	// ExpiresIn is the remaining lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`

	// TokenType is always "Bearer"
	TokenType string `json:"token_type"`
}

// ConsentRequestResponse describes a pending authorization request to the
// login page that collects the user's decision.
type ConsentRequestResponse struct {
	RequestID   string    `json:"request_id"`
	ClientID    string    `json:"client_id"`
	ClientName  string    `json:"client_name,omitempty"`
	Scope       string    `json:"scope,omitempty"`
	RedirectURI string    `json:"redirect_uri"`
	ExpiresAt   time.Time `json:"expires_at"`
}
