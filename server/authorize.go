package server

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/providers"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// Response types
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// AuthorizationRequest is a request to the authorization endpoint.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationResult tells the caller where to send the user agent for
// consent.
type AuthorizationResult struct {
	RequestID   string
	RedirectURL string
}

// Authorize validates an authorization request and stores it pending
// consent. Errors found before the redirect URI is verified are returned for
// direct display; later errors are Redirectable.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest) (result *AuthorizationResult, err error) {
	ctx, span, finish := s.startSpan(ctx, "server.Authorize")
	defer func() { finish(err) }()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrResponseType, req.ResponseType))

	if req.ClientID == "" || req.RedirectURI == "" || req.ResponseType == "" {
		return nil, ErrInvalidRequest("client_id, redirect_uri and response_type are required")
	}

	client, err := s.clients.Resolve(ctx, req.ClientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return nil, ErrInvalidClient("unknown client")
	}
	if err != nil {
		return nil, s.internalError(ctx, "Failed to load client", err)
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", req.Scope)

	redirect := func(e *Error) (*AuthorizationResult, error) {
		return nil, e.withRedirect(req.RedirectURI, req.State)
	}

	if client.IsRevoked() {
		return redirect(ErrAccessDenied("client has been revoked"))
	}
	if err := ValidateCodeChallengeMethod(req.CodeChallengeMethod); err != nil {
		return redirect(ErrInvalidRequest(err.Error()))
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = PKCEMethodPlain
	}
	if req.CodeChallenge != "" && method == PKCEMethodPlain && s.Config.DisallowPKCEPlain {
		return redirect(ErrInvalidRequest("code_challenge_method plain is not allowed, use S256"))
	}
	if req.ResponseType == ResponseTypeCode && req.CodeChallenge == "" &&
		!client.IsConfidential() && !s.Config.AllowPublicClientsWithoutPKCE {
		return redirect(ErrInvalidRequest("code_challenge is required for public clients"))
	}

	switch {
	case req.ResponseType == ResponseTypeCode:
	case req.ResponseType == ResponseTypeToken && s.Config.AllowImplicitFlow:
	default:
		return redirect(ErrUnsupportedResponseType("response type " + req.ResponseType + " is not supported"))
	}

	if !ValidateScope(client.Scope, req.Scope) {
		return redirect(ErrInvalidScope("requested scope is not allowed for this client"))
	}
	scope := req.Scope
	if len(SplitScope(scope)) == 0 {
		scope = client.Scope
	}

	now := s.now()
	pending := &storage.AuthorizationCode{
		ID:           uuid.NewString(),
		ClientID:     client.ClientID,
		ResponseType: req.ResponseType,
		RedirectURI:  req.RedirectURI,
		Scope:        scope,
		State:        req.State,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.Config.AuthorizationCodeTTL),
	}
	if req.ResponseType == ResponseTypeCode && req.CodeChallenge != "" {
		pending.CodeChallenge = req.CodeChallenge
		pending.CodeChallengeMethod = method
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrPKCEMethod, method))
	}
	if err := s.codeStore.SaveAuthorizationCode(ctx, pending); err != nil {
		return nil, s.internalError(ctx, "Failed to save authorization request", err)
	}

	s.Auditor.LogAuthorization(security.EventAuthorizationStarted, "", client.ClientID, scope)
	s.metrics.RecordAuthorizationStarted(ctx, client.ClientID, req.ResponseType)

	return &AuthorizationResult{
		RequestID:   pending.ID,
		RedirectURL: appendQuery(s.Config.ConsentURL, url.Values{"request_id": {pending.ID}}),
	}, nil
}

// GetAuthorizationRequest returns a request that still waits for consent.
func (s *Server) GetAuthorizationRequest(ctx context.Context, requestID string) (*storage.AuthorizationCode, error) {
	req, err := s.codeStore.GetAuthorizationCode(ctx, requestID)
	if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		return nil, ErrInvalidRequest("unknown authorization request")
	}
	if err != nil {
		return nil, s.internalError(ctx, "Failed to load authorization request", err)
	}
	if !req.IsPending() {
		return nil, ErrInvalidRequest("authorization request is no longer pending")
	}
	if req.IsExpired(s.now()) {
		return nil, ErrInvalidRequest("authorization request has expired")
	}
	return req, nil
}

// AuthenticateUser checks the credentials a user enters to approve an
// authorization request of clientID. Wrong credentials are access_denied.
func (s *Server) AuthenticateUser(ctx context.Context, clientID, username, password, ip string) (user *providers.UserInfo, err error) {
	ctx, _, finish := s.startSpan(ctx, "server.AuthenticateUser")
	defer func() { finish(err) }()

	if username == "" || password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}
	if s.authenticator == nil {
		return nil, ErrInvalidRequest("user login is not available")
	}

	user, err = s.authenticator.Authenticate(ctx, username, password)
	if errors.Is(err, providers.ErrInvalidCredentials) {
		s.Auditor.LogAuthFailure(username, clientID, ip, "invalid user credentials")
		return nil, ErrAccessDenied("invalid username or password")
	}
	if err != nil {
		return nil, s.internalError(ctx, "Failed to authenticate user", err)
	}
	return user, nil
}

// ApproveAuthorization records the user's consent and returns the URL the
// user agent is redirected to: the client's redirect URI with the code, or
// with the access token in the fragment for the implicit flow. The granted
// scope is intersected with the requested one.
func (s *Server) ApproveAuthorization(ctx context.Context, requestID, userID, grantedScope string) (redirectURL string, err error) {
	ctx, span, finish := s.startSpan(ctx, "server.ApproveAuthorization")
	defer func() { finish(err) }()

	if requestID == "" || userID == "" {
		return "", ErrInvalidRequest("request_id and user are required")
	}

	req, err := s.codeStore.GetAuthorizationCode(ctx, requestID)
	if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		return "", ErrInvalidRequest("unknown authorization request")
	}
	if err != nil {
		return "", s.internalError(ctx, "Failed to load authorization request", err)
	}
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, userID, "")

	redirect := func(e *Error) (string, error) {
		return "", e.withRedirect(req.RedirectURI, req.State)
	}

	client, err := s.clients.Resolve(ctx, req.ClientID)
	if err != nil {
		return "", s.internalError(ctx, "Failed to load client", err)
	}
	if client.IsRevoked() {
		return redirect(ErrAccessDenied("client has been revoked"))
	}

	scope, ok := MergeScope(grantedScope, req.Scope)
	if !ok || scope == "" {
		return redirect(ErrInvalidScope("no requested scope was granted"))
	}

	now := s.now()
	activation := storage.CodeActivation{
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: now.Add(s.Config.AuthorizationCodeTTL),
	}
	if req.ResponseType == ResponseTypeCode {
		activation.Code = oauth2.GenerateVerifier()
	}

	code, err := s.codeStore.ActivateAuthorizationCode(ctx, requestID, activation, now)
	switch {
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
		return "", ErrInvalidRequest("unknown authorization request")
	case errors.Is(err, storage.ErrAuthorizationCodeExpired):
		return redirect(ErrInvalidRequest("authorization request has expired"))
	case errors.Is(err, storage.ErrAuthorizationCodeRevoked):
		return "", ErrInvalidRequest("authorization request is no longer pending")
	case err != nil:
		return "", s.internalError(ctx, "Failed to activate authorization code", err)
	}

	s.Auditor.LogAuthorization(security.EventAuthorizationApproved, userID, client.ClientID, scope)
	s.metrics.RecordConsentDecision(ctx, client.ClientID, true)

	if code.ResponseType == ResponseTypeToken {
		tokens, err := s.issue(ctx, client, userID, scope, GrantTypeImplicit, "", IssueOptions{})
		if err != nil {
			return "", err
		}
		fragment := url.Values{
			"access_token": {tokens.AccessToken},
			"token_type":   {tokens.TokenType},
			"expires_in":   {strconv.FormatInt(tokens.ExpiresIn, 10)},
			"scope":        {tokens.Scope},
		}
		if code.State != "" {
			fragment.Set("state", code.State)
		}
		return code.RedirectURI + "#" + fragment.Encode(), nil
	}

	params := url.Values{"code": {code.Code}}
	if code.State != "" {
		params.Set("state", code.State)
	}
	return appendQuery(code.RedirectURI, params), nil
}

// DenyAuthorization revokes a pending request and returns the client's
// redirect URI carrying access_denied.
func (s *Server) DenyAuthorization(ctx context.Context, requestID string) (redirectURL string, err error) {
	ctx, _, finish := s.startSpan(ctx, "server.DenyAuthorization")
	defer func() { finish(err) }()

	req, err := s.GetAuthorizationRequest(ctx, requestID)
	if err != nil {
		return "", err
	}

	err = s.codeStore.RevokeAuthorizationCode(ctx, requestID, s.now())
	switch {
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
		return "", ErrInvalidRequest("unknown authorization request")
	case errors.Is(err, storage.ErrAuthorizationCodeRevoked):
		return "", ErrInvalidRequest("authorization request is no longer pending")
	case err != nil:
		return "", s.internalError(ctx, "Failed to revoke authorization request", err)
	}

	s.Auditor.LogAuthorization(security.EventAuthorizationDenied, "", req.ClientID, req.Scope)
	s.metrics.RecordConsentDecision(ctx, req.ClientID, false)

	return ErrAccessDenied("the user denied the request").withRedirect(req.RedirectURI, req.State).RedirectURL(), nil
}
