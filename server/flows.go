package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/providers"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// TokenRequest is a request to the token endpoint.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// password
	Username string
	Password string

	// refresh_token
	RefreshToken string

	Scope string

	IP        string
	UserAgent string
}

// Token runs a grant and returns the issued tokens. Errors are *Error values.
func (s *Server) Token(ctx context.Context, req TokenRequest) (tokens *IssuedTokens, err error) {
	ctx, span, finish := s.startSpan(ctx, "server.Token")
	defer func() { finish(err) }()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, req.GrantType))
	instrumentation.AddSecurityAttributes(span, s.logIP(req.IP))

	switch req.GrantType {
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	case GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypePassword, GrantTypeRefreshToken:
	default:
		return nil, ErrUnsupportedGrantType("grant type " + req.GrantType + " is not supported")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.IP)
	if err != nil {
		return nil, err
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", "")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientType, client.ClientType))

	if !client.HasGrant(req.GrantType) {
		return nil, ErrUnauthorizedClient("client is not allowed to use the " + req.GrantType + " grant")
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.authorizationCodeGrant(ctx, client, req)
	case GrantTypeClientCredentials:
		return s.clientCredentialsGrant(ctx, client, req)
	case GrantTypePassword:
		return s.passwordGrant(ctx, client, req)
	default:
		return s.refreshTokenGrant(ctx, client, req)
	}
}

// authenticateClient resolves a client and checks its secret. Revoked
// clients are denied.
func (s *Server) authenticateClient(ctx context.Context, clientID, secret, ip string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := s.clients.Resolve(ctx, clientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		s.Auditor.LogAuthFailure("", clientID, ip, "unknown client")
		return nil, ErrInvalidClient("client authentication failed")
	}
	if err != nil {
		return nil, s.internalError(ctx, "Failed to load client", err)
	}

	if client.IsRevoked() {
		s.Auditor.LogAuthFailure("", clientID, ip, "client revoked")
		return nil, ErrAccessDenied("client has been revoked")
	}
	if !s.clients.Authenticate(client, secret) {
		s.Auditor.LogAuthFailure("", clientID, ip, "invalid client secret")
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

func (s *Server) authorizationCodeGrant(ctx context.Context, client *storage.Client, req TokenRequest) (*IssuedTokens, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	// Check the request against the code before redeeming it, so that a
	// failed exchange leaves the code usable.
	found, err := s.codeStore.GetAuthorizationCodeByValue(ctx, req.Code)
	if errors.Is(err, storage.ErrAuthorizationCodeNotFound) || (err == nil && found.ClientID != client.ClientID) {
		return nil, ErrInvalidGrant("authorization code is invalid")
	}
	if err != nil {
		return nil, s.internalError(ctx, "Failed to load authorization code", err)
	}
	if !found.IsRevoked() && !security.IsExpired(s.now(), found.ExpiresAt) {
		if oauthErr := s.checkCodeExchange(ctx, client, found, req); oauthErr != nil {
			return nil, oauthErr
		}
	}

	code, err := s.codeStore.RedeemAuthorizationCode(ctx, client.ClientID, req.Code, s.now())
	switch {
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
		return nil, ErrInvalidGrant("authorization code is invalid")
	case errors.Is(err, storage.ErrAuthorizationCodeExpired):
		return nil, ErrInvalidGrant("authorization code has expired")
	case errors.Is(err, storage.ErrAuthorizationCodeRevoked):
		s.Logger.Warn("Authorization code reuse detected", "client_id", client.ClientID)
		s.Auditor.LogCodeReuse(client.ClientID, req.IP)
		s.metrics.RecordCodeReuseDetected(ctx)
		return nil, ErrInvalidGrant("authorization code has already been used")
	case err != nil:
		return nil, s.internalError(ctx, "Failed to redeem authorization code", err)
	}
	if code.ID != found.ID {
		return nil, ErrInvalidGrant("authorization code is invalid")
	}
	s.metrics.RecordCodeRedeemed(ctx, client.ClientID, code.CodeChallengeMethod)

	return s.issue(ctx, client, code.UserID, code.Scope, GrantTypeAuthorizationCode, req.IP, IssueOptions{UserAgent: req.UserAgent})
}

// checkCodeExchange verifies the redirect URI and PKCE verifier of a token
// request against the code it presents.
func (s *Server) checkCodeExchange(ctx context.Context, client *storage.Client, code *storage.AuthorizationCode, req TokenRequest) *Error {
	if req.RedirectURI != code.RedirectURI {
		return ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if err := VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.Auditor.LogPKCEFailure(client.ClientID, req.IP, code.CodeChallengeMethod)
		s.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		if errors.Is(err, ErrPKCEVerifierMissing) {
			return ErrInvalidRequest(err.Error())
		}
		return ErrInvalidGrant(err.Error())
	}
	return nil
}

func (s *Server) clientCredentialsGrant(ctx context.Context, client *storage.Client, req TokenRequest) (*IssuedTokens, error) {
	if !client.IsConfidential() {
		return nil, ErrUnauthorizedClient("public clients cannot use the client_credentials grant")
	}

	scope, ok := MergeScope(req.Scope, client.Scope)
	if !ok || scope == "" {
		return nil, ErrInvalidScope("requested scope is not allowed for this client")
	}

	return s.supersedeAndIssue(ctx, client, client.ClientID, scope, GrantTypeClientCredentials, req)
}

func (s *Server) passwordGrant(ctx context.Context, client *storage.Client, req TokenRequest) (*IssuedTokens, error) {
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}
	if s.authenticator == nil {
		return nil, ErrUnauthorizedClient("the password grant is not available")
	}
	if !ValidateScope(client.Scope, req.Scope) {
		return nil, ErrInvalidScope("requested scope is not allowed for this client")
	}

	user, err := s.authenticator.Authenticate(ctx, req.Username, req.Password)
	if errors.Is(err, providers.ErrInvalidCredentials) {
		s.Auditor.LogAuthFailure(req.Username, client.ClientID, req.IP, "invalid user credentials")
		return nil, ErrInvalidGrant("invalid username or password")
	}
	if err != nil {
		return nil, s.internalError(ctx, "Failed to authenticate user", err)
	}

	scope, ok := MergeScope(user.Scope, req.Scope)
	if ok {
		scope, ok = MergeScope(scope, client.Scope)
	}
	if !ok || scope == "" {
		return nil, ErrInvalidScope("requested scope is not granted to this user")
	}

	return s.supersedeAndIssue(ctx, client, user.ID, scope, GrantTypePassword, req)
}

func (s *Server) refreshTokenGrant(ctx context.Context, client *storage.Client, req TokenRequest) (*IssuedTokens, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	claims, err := s.issuer.VerifyRefreshToken(req.RefreshToken, audience(client))
	if err != nil || claims.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("refresh token is invalid")
	}

	record, err := s.tokenStore.GetRefreshToken(ctx, claims.ID)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return nil, ErrInvalidGrant("refresh token is invalid")
	}
	if err != nil {
		return nil, s.internalError(ctx, "Failed to load refresh token", err)
	}
	if record.ClientID != client.ClientID {
		return nil, ErrInvalidGrant("refresh token is invalid")
	}

	scope, oauthErr := refreshScope(record.Scope, req.Scope, client.Scope)
	if oauthErr != nil {
		return nil, oauthErr
	}

	now := s.now()
	attempt := storage.RefreshAttempt{IP: req.IP, UserAgent: req.UserAgent, AttemptedAt: now}
	redeemed, err := s.tokenStore.RedeemRefreshToken(ctx, record.ID, attempt, now)
	switch {
	case errors.Is(err, storage.ErrTokenRevoked):
		s.Logger.Warn("Refresh token reuse detected", "client_id", client.ClientID)
		s.Auditor.LogRefreshTokenReuse(record.Subject, client.ClientID, req.IP)
		s.metrics.RecordRefreshTokenReuseDetected(ctx)
		return nil, ErrInvalidGrant("refresh token has been revoked")
	case errors.Is(err, storage.ErrTokenExpired):
		return nil, ErrInvalidGrant("refresh token has expired")
	case errors.Is(err, storage.ErrTokenNotFound):
		return nil, ErrInvalidGrant("refresh token is invalid")
	case err != nil:
		return nil, s.internalError(ctx, "Failed to redeem refresh token", err)
	}

	// The previous access token goes before the new pair exists, so the
	// chain never has two live access tokens.
	if err := s.tokenStore.RevokeAccessToken(ctx, redeemed.AccessTokenID, now); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		return nil, s.internalError(ctx, "Failed to revoke previous access token", err)
	}

	tokens, err := s.issue(ctx, client, redeemed.Subject, scope, GrantTypeRefreshToken, req.IP, IssueOptions{
		UserAgent: req.UserAgent,
		Attempts:  redeemed.Attempts,
	})
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(redeemed.Subject, client.ClientID, req.IP, len(redeemed.Attempts))
	s.metrics.RecordTokenRefresh(ctx, client.ClientID)
	return tokens, nil
}

// refreshScope computes the scope of a refreshed token. Without a request
// the scope is unchanged. A request may only add scopes the client is
// allowed and the token does not already hold.
func refreshScope(prior, requested, clientScope string) (string, *Error) {
	if len(SplitScope(requested)) == 0 {
		return prior, nil
	}
	if ScopeContainsAny(prior, SplitScope(requested)...) {
		return "", ErrInvalidScope("requested scope is already granted")
	}
	if !ValidateScope(clientScope, requested) {
		return "", ErrInvalidScope("requested scope is not allowed for this client")
	}
	return unionScope(prior, requested), nil
}

// supersedesPriorTokens reports whether a grant replaces the live tokens of
// the same subject and client.
func supersedesPriorTokens(grant string) bool {
	return grant == GrantTypeClientCredentials || grant == GrantTypePassword
}

// supersedeAndIssue revokes the live tokens of subject and client and issues
// new ones. Concurrent requests for the same pair are serialized so that
// exactly one token pair stays live. Across processes sharing a store the
// replacement is best effort.
func (s *Server) supersedeAndIssue(ctx context.Context, client *storage.Client, subject, scope, grant string, req TokenRequest) (*IssuedTokens, error) {
	unlock := s.lockSubject(subject, client.ClientID)
	defer unlock()

	if err := s.supersede(ctx, client, subject, grant); err != nil {
		return nil, err
	}
	return s.issue(ctx, client, subject, scope, grant, req.IP, IssueOptions{UserAgent: req.UserAgent})
}

func (s *Server) supersede(ctx context.Context, client *storage.Client, subject, grant string) error {
	if !supersedesPriorTokens(grant) {
		return nil
	}
	n, err := s.tokenStore.RevokeTokensForSubject(ctx, subject, client.ClientID, s.now())
	if err != nil {
		return s.internalError(ctx, "Failed to revoke prior tokens", err)
	}
	if n > 0 {
		s.Auditor.LogTokensSuperseded(subject, client.ClientID, grant, n)
		s.metrics.RecordTokensSuperseded(ctx, grant, n)
	}
	return nil
}

func (s *Server) issue(ctx context.Context, client *storage.Client, subject, scope, grant, ip string, opts IssueOptions) (*IssuedTokens, error) {
	tokens, err := s.issuer.Issue(ctx, client, subject, scope, grant, opts)
	if err != nil {
		return nil, s.internalError(ctx, "Failed to issue tokens", err)
	}

	security.LoggerWithRequestID(ctx, s.Logger).Info("Issued tokens",
		"client_id", client.ClientID,
		"grant_type", grant,
		"refresh_token", tokens.RefreshToken != "")
	s.Auditor.LogTokenIssued(subject, client.ClientID, ip, grant, scope)
	s.metrics.RecordTokenIssued(ctx, grant, client.ClientType, tokens.RefreshToken != "")
	return tokens, nil
}
