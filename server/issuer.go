package server

import (
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth-server/storage"
)

// Token use claim values
const (
	TokenUseAccess  = "access"
	TokenUseRefresh = "refresh"
)

// TokenTypeBearer is the token_type of every issued access token.
const TokenTypeBearer = "Bearer"

// ErrTokenUse is returned when a token of the wrong kind is presented.
var ErrTokenUse = errors.New("unexpected token use")

// Claims are the JWT claims of access and refresh tokens. The jti names the
// persisted record; the record decides whether the token is still valid.
type Claims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`
	AZP      string `json:"azp,omitempty"`
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// IssueOptions carry optional data recorded with issued tokens.
type IssueOptions struct {
	UserAgent string

	// Attempts is the history carried over from a redeemed refresh token.
	Attempts []storage.RefreshAttempt
}

// IssuedTokens is the result of a successful grant.
type IssuedTokens struct {
	AccessToken    string
	AccessTokenID  string
	TokenType      string
	ExpiresAt      time.Time
	ExpiresIn      int64
	RefreshToken   string
	RefreshTokenID string
	Scope          string
}

// TokenIssuer signs tokens and persists their records.
type TokenIssuer struct {
	issuer    string
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
	publicKey crypto.PublicKey

	tokens  storage.TokenStore
	clients *ClientRegistry
	now     func() time.Time
}

func newTokenIssuer(cfg *Config, tokens storage.TokenStore, clients *ClientRegistry, now func() time.Time) (*TokenIssuer, error) {
	method := jwt.GetSigningMethod(cfg.SigningAlgorithm)
	if method == nil {
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.SigningAlgorithm)
	}

	ti := &TokenIssuer{
		issuer:  cfg.Issuer,
		method:  method,
		tokens:  tokens,
		clients: clients,
		now:     now,
	}

	if cfg.SigningKey == nil {
		ti.signKey = cfg.SigningSecret
		ti.verifyKey = cfg.SigningSecret
		return ti, nil
	}

	ti.signKey = cfg.SigningKey
	ti.publicKey = cfg.SigningKey.Public()
	ti.verifyKey = ti.publicKey
	ti.keyID = cfg.KeyID
	if ti.keyID == "" {
		thumb, err := (&jose.JSONWebKey{Key: ti.publicKey}).Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("failed to compute key id: %w", err)
		}
		ti.keyID = base64.RawURLEncoding.EncodeToString(thumb)
	}
	return ti, nil
}

// Algorithm returns the JWT signing algorithm.
func (ti *TokenIssuer) Algorithm() string {
	return ti.method.Alg()
}

// JWKS returns the public signing key as a JSON Web Key Set. The set is empty
// for HMAC algorithms, whose key must stay secret.
func (ti *TokenIssuer) JWKS() jose.JSONWebKeySet {
	if ti.publicKey == nil {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       ti.publicKey,
		KeyID:     ti.keyID,
		Algorithm: ti.method.Alg(),
		Use:       "sig",
	}}}
}

// Issue mints an access token, and a refresh token when the client may use
// the refresh_token grant and the grant is not client_credentials or
// implicit, and persists both records.
func (ti *TokenIssuer) Issue(ctx context.Context, client *storage.Client, subject, scope, grant string, opts IssueOptions) (*IssuedTokens, error) {
	now := ti.now()
	lifetimes := ti.clients.Lifetimes(client)

	access := &storage.AccessToken{
		ID:        uuid.NewString(),
		Subject:   subject,
		ClientID:  client.ClientID,
		Scope:     scope,
		Grant:     grant,
		UserAgent: opts.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetimes.AccessToken),
	}
	accessJWT, err := ti.sign(client, access.ID, subject, scope, TokenUseAccess, now, access.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := ti.tokens.SaveAccessToken(ctx, access); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	out := &IssuedTokens{
		AccessToken:   accessJWT,
		AccessTokenID: access.ID,
		TokenType:     TokenTypeBearer,
		ExpiresAt:     access.ExpiresAt,
		ExpiresIn:     int64(lifetimes.AccessToken / time.Second),
		Scope:         scope,
	}

	if !issuesRefreshToken(client, grant) {
		return out, nil
	}

	refresh := &storage.RefreshToken{
		ID:            uuid.NewString(),
		AccessTokenID: access.ID,
		Subject:       subject,
		ClientID:      client.ClientID,
		Scope:         scope,
		Attempts:      opts.Attempts,
		CreatedAt:     now,
		ExpiresAt:     now.Add(lifetimes.RefreshToken),
	}
	refreshJWT, err := ti.sign(client, refresh.ID, subject, scope, TokenUseRefresh, now, refresh.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := ti.tokens.SaveRefreshToken(ctx, refresh); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}

	out.RefreshToken = refreshJWT
	out.RefreshTokenID = refresh.ID
	return out, nil
}

func issuesRefreshToken(client *storage.Client, grant string) bool {
	switch grant {
	case GrantTypeClientCredentials, GrantTypeImplicit:
		return false
	}
	return client.HasGrant(GrantTypeRefreshToken)
}

func (ti *TokenIssuer) sign(client *storage.Client, id, subject, scope, use string, now, expiresAt time.Time) (string, error) {
	aud := audience(client)
	claims := Claims{
		Scope:    scope,
		ClientID: client.ClientID,
		AZP:      aud,
		TokenUse: use,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    ti.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{aud},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(ti.method, claims)
	if ti.keyID != "" {
		token.Header["kid"] = ti.keyID
	}
	signed, err := token.SignedString(ti.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", use, err)
	}
	return signed, nil
}

// VerifyAccessToken checks signature, issuer and expiry of an access token.
// It does not consult the token store.
func (ti *TokenIssuer) VerifyAccessToken(raw string) (*Claims, error) {
	return ti.parse(raw, TokenUseAccess, "")
}

// VerifyRefreshToken checks a refresh token and, when audience is set, that
// it was issued for that audience.
func (ti *TokenIssuer) VerifyRefreshToken(raw, audience string) (*Claims, error) {
	return ti.parse(raw, TokenUseRefresh, audience)
}

func (ti *TokenIssuer) parse(raw, use, audience string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{ti.method.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(ti.now),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return ti.verifyKey, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != use {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrTokenUse, claims.TokenUse, use)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("token has no id")
	}
	return claims, nil
}
