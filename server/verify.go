package server

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// Token type hints (RFC 7009)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenInfo describes a valid access token.
type TokenInfo struct {
	TokenID   string
	Subject   string
	ClientID  string
	Scope     string
	Grant     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn returns the remaining lifetime in whole seconds at now.
func (ti *TokenInfo) ExpiresIn(now time.Time) int64 {
	return int64(security.RemainingLifetime(now, ti.ExpiresAt) / time.Second)
}

// Verify validates an access token: its signature and claims, and that its
// record is neither revoked nor expired and its client not revoked.
func (s *Server) Verify(ctx context.Context, raw string) (info *TokenInfo, err error) {
	ctx, _, finish := s.startSpan(ctx, "server.Verify")
	defer func() {
		finish(err)
		s.metrics.RecordTokenVerification(ctx, verificationResult(err))
	}()

	if raw == "" {
		return nil, ErrInvalidRequest("access token is required")
	}

	claims, err := s.issuer.VerifyAccessToken(raw)
	if err != nil {
		return nil, ErrInvalidToken("access token is invalid")
	}

	record, err := s.tokenStore.GetAccessToken(ctx, claims.ID)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil, ErrInvalidToken("access token is invalid")
	}
	if err != nil {
		return nil, s.internalError(ctx, "Failed to load access token", err)
	}
	if record.ClientID != claims.ClientID {
		return nil, ErrInvalidToken("access token is invalid")
	}
	if !record.RevokedAt.IsZero() {
		return nil, ErrInvalidToken("access token has been revoked")
	}
	now := s.now()
	if security.IsExpired(now, record.ExpiresAt) {
		return nil, ErrInvalidToken("access token has expired")
	}

	client, err := s.clients.Resolve(ctx, record.ClientID)
	switch {
	case errors.Is(err, storage.ErrClientNotFound):
		return nil, ErrInvalidToken("access token is invalid")
	case err != nil:
		return nil, s.internalError(ctx, "Failed to load client", err)
	case client.IsRevoked():
		return nil, ErrInvalidToken("client has been revoked")
	}

	return &TokenInfo{
		TokenID:   record.ID,
		Subject:   record.Subject,
		ClientID:  record.ClientID,
		Scope:     record.Scope,
		Grant:     record.Grant,
		IssuedAt:  record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

func verificationResult(err error) string {
	if err == nil {
		return "valid"
	}
	return string(AsError(err).Code)
}

// RevocationRequest is a request to the revocation endpoint.
type RevocationRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
	IP            string
}

// RevokeToken revokes an access or refresh token owned by the requesting
// client. Revoking a refresh token also revokes the access token issued
// with it. Unknown, invalid and foreign tokens are ignored as required by
// RFC 7009; only client authentication failures are errors.
func (s *Server) RevokeToken(ctx context.Context, req RevocationRequest) (err error) {
	ctx, span, finish := s.startSpan(ctx, "server.RevokeToken")
	defer func() { finish(err) }()

	if req.Token == "" {
		return ErrInvalidRequest("token is required")
	}
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.IP)
	if err != nil {
		return err
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", "")

	// The hint only decides which kind is tried first.
	kinds := []string{TokenUseAccess, TokenUseRefresh}
	if req.TokenTypeHint == TokenTypeHintRefreshToken {
		kinds = []string{TokenUseRefresh, TokenUseAccess}
	}

	for _, use := range kinds {
		claims, err := s.issuer.parse(req.Token, use, "")
		if err != nil {
			continue
		}
		if claims.ClientID != client.ClientID {
			s.Logger.Warn("Client tried to revoke a token of another client", "client_id", client.ClientID)
			return nil
		}
		if use == TokenUseRefresh {
			return s.revokeRefreshToken(ctx, client, claims, req.IP)
		}
		return s.revokeAccessToken(ctx, client, claims, req.IP)
	}
	return nil
}

func (s *Server) revokeAccessToken(ctx context.Context, client *storage.Client, claims *Claims, ip string) error {
	err := s.tokenStore.RevokeAccessToken(ctx, claims.ID, s.now())
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return s.internalError(ctx, "Failed to revoke access token", err)
	}
	s.Auditor.LogTokenRevoked(claims.Subject, client.ClientID, ip, TokenTypeHintAccessToken)
	s.metrics.RecordTokenRevocation(ctx, TokenTypeHintAccessToken)
	return nil
}

func (s *Server) revokeRefreshToken(ctx context.Context, client *storage.Client, claims *Claims, ip string) error {
	record, err := s.tokenStore.GetRefreshToken(ctx, claims.ID)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return s.internalError(ctx, "Failed to load refresh token", err)
	}

	now := s.now()
	if err := s.tokenStore.RevokeRefreshToken(ctx, record.ID, now); err != nil {
		return s.internalError(ctx, "Failed to revoke refresh token", err)
	}
	if err := s.tokenStore.RevokeAccessToken(ctx, record.AccessTokenID, now); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		return s.internalError(ctx, "Failed to revoke access token", err)
	}

	s.Auditor.LogTokenRevoked(record.Subject, client.ClientID, ip, TokenTypeHintRefreshToken)
	s.metrics.RecordTokenRevocation(ctx, TokenTypeHintRefreshToken)
	return nil
}
