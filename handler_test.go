package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/internal/testutil"
	"github.com/giantswarm/oauth-server/providers/static"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "https://app.example.com/callback"
	testSecret      = "0123456789abcdef0123456789abcdef0123456789abcdef"
)

type handlerEnv struct {
	srv     *Server
	handler *Handler
	router  chi.Router
}

func newHandlerEnv(t *testing.T, inst *instrumentation.Instrumentation) *handlerEnv {
	t.Helper()

	store := memory.New()
	srv, err := NewServer(&Config{
		Issuer:  testIssuer,
		Signing: SigningConfig{Secret: testSecret},
	}, &Stores{Clients: store, Codes: store, Tokens: store}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if inst != nil {
		srv.SetInstrumentation(inst)
	}

	h := NewHandler(srv, nil)
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	h.RegisterRoutes(r)

	return &handlerEnv{srv: srv, handler: h, router: r}
}

func (e *handlerEnv) register(t *testing.T, profile string, internal bool, scope string) (*storage.Client, string) {
	t.Helper()
	client, secret, err := e.srv.Clients().Register(context.Background(), ClientRegistration{
		Name:         "test client",
		Profile:      profile,
		Internal:     internal,
		RedirectURIs: []string{testRedirectURI},
		Scope:        scope,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return client, secret
}

// clientCredentialsToken issues a token over the token endpoint.
func (e *handlerEnv) clientCredentialsToken(t *testing.T, clientID, secret, scope string) TokenResponse {
	t.Helper()
	rr := testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithHeader("Authorization", basicAuth(clientID, secret)).
		WithForm(url.Values{"grant_type": {"client_credentials"}, "scope": {scope}}).
		Do(e.router)
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp TokenResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp
}

func basicAuth(id, secret string) string {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(url.QueryEscape(id), url.QueryEscape(secret))
	return req.Header.Get("Authorization")
}

func decodeError(t *testing.T, body string) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode error response %q: %v", body, err)
	}
	return resp
}

func TestHandler_ClientCredentialsEndToEnd(t *testing.T) {
	env := newHandlerEnv(t, nil)
	client, secret := env.register(t, storage.ClientProfileWeb, true, "read write")

	ts := httptest.NewServer(env.router)
	defer ts.Close()

	cc := clientcredentials.Config{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		TokenURL:     ts.URL + PathToken,
		Scopes:       []string{"read"},
	}
	token, err := cc.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	if token.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}
	if got := token.Extra("scope"); got != "read" {
		t.Errorf("scope = %v, want read", got)
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+PathTokenInfo, nil)
	testutil.AssertNoError(t, err)
	token.SetAuthHeader(req)
	resp, err := ts.Client().Do(req)
	testutil.AssertNoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tokeninfo status = %d", resp.StatusCode)
	}
	var info TokenInfoResponse
	testutil.AssertNoError(t, json.NewDecoder(resp.Body).Decode(&info))
	testutil.AssertEqual(t, info.Active, true)
	testutil.AssertEqual(t, info.Subject, client.ClientID)
	testutil.AssertEqual(t, info.ClientID, client.ClientID)
	testutil.AssertEqual(t, info.GrantType, "client_credentials")
	if info.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d, want > 0", info.ExpiresIn)
	}
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	env := newHandlerEnv(t, nil)
	client, _ := env.register(t, storage.ClientProfileNative, false, "read write")
	challenge, verifier := testutil.GeneratePKCEPair()

	authURL := PathAuthorization + "?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"read"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode()
	rr := testutil.NewHTTPRequest(http.MethodGet, authURL).Do(env.router)
	if rr.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", rr.Code, rr.Body.String())
	}
	location := rr.Header().Get("Location")
	testutil.AssertStringContains(t, location, testIssuer+"/oauth/consent")
	requestID := testutil.RedirectParams(t, location).Get("request_id")
	if requestID == "" {
		t.Fatalf("consent redirect %q has no request_id", location)
	}

	redirect, err := env.srv.ApproveAuthorization(context.Background(), requestID, "user-1", "")
	testutil.AssertNoError(t, err)
	params := testutil.RedirectParams(t, redirect)
	testutil.AssertEqual(t, params.Get("state"), "xyz")

	rr = testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithForm(url.Values{
			"grant_type":    {"authorization_code"},
			"client_id":     {client.ClientID},
			"code":          {params.Get("code")},
			"redirect_uri":  {testRedirectURI},
			"code_verifier": {verifier},
		}).
		Do(env.router)
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", rr.Code, rr.Body.String())
	}
	testutil.AssertEqual(t, rr.Header().Get("Cache-Control"), "no-store")

	var tokens TokenResponse
	testutil.AssertNoError(t, json.NewDecoder(rr.Body).Decode(&tokens))
	testutil.AssertEqual(t, tokens.TokenType, "Bearer")
	testutil.AssertEqual(t, tokens.Scope, "read")
	testutil.AssertEqual(t, tokens.ExpiresIn, int64(3600))
}

func TestHandler_ServeAuthorizationErrors(t *testing.T) {
	env := newHandlerEnv(t, nil)
	client, _ := env.register(t, storage.ClientProfileWeb, false, "read")

	tests := []struct {
		name         string
		params       url.Values
		wantStatus   int
		wantCode     ErrorCode
		wantRedirect bool
	}{
		{
			name:       "missing parameters",
			params:     url.Values{"client_id": {client.ClientID}},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name: "unknown client",
			params: url.Values{
				"response_type": {"code"},
				"client_id":     {"nope"},
				"redirect_uri":  {testRedirectURI},
			},
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name: "unregistered redirect uri",
			params: url.Values{
				"response_type": {"code"},
				"client_id":     {client.ClientID},
				"redirect_uri":  {"https://evil.example.com/cb"},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name: "scope outside client scope",
			params: url.Values{
				"response_type": {"code"},
				"client_id":     {client.ClientID},
				"redirect_uri":  {testRedirectURI},
				"scope":         {"admin"},
				"state":         {"s1"},
			},
			wantStatus:   http.StatusFound,
			wantCode:     ErrorCodeInvalidScope,
			wantRedirect: true,
		},
		{
			name: "implicit disabled",
			params: url.Values{
				"response_type": {"token"},
				"client_id":     {client.ClientID},
				"redirect_uri":  {testRedirectURI},
				"state":         {"s1"},
			},
			wantStatus:   http.StatusFound,
			wantCode:     ErrorCodeUnsupportedResponseType,
			wantRedirect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := testutil.NewHTTPRequest(http.MethodGet, PathAuthorization+"?"+tt.params.Encode()).Do(env.router)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantRedirect {
				location := rr.Header().Get("Location")
				if !strings.HasPrefix(location, testRedirectURI) {
					t.Fatalf("redirect %q does not target the client", location)
				}
				params := testutil.RedirectParams(t, location)
				testutil.AssertEqual(t, params.Get("error"), string(tt.wantCode))
				testutil.AssertEqual(t, params.Get("state"), "s1")
				return
			}
			testutil.AssertEqual(t, decodeError(t, rr.Body.String()).Error, string(tt.wantCode))
		})
	}
}

func TestHandler_ServeToken(t *testing.T) {
	env := newHandlerEnv(t, nil)
	client, secret := env.register(t, storage.ClientProfileWeb, true, "read")

	t.Run("JSON body", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     client.ClientID,
			"client_secret": secret,
		})
		rr := testutil.NewHTTPRequest(http.MethodPost, PathToken).WithJSON(string(body)).Do(env.router)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("basic credentials win over body", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodPost, PathToken).
			WithHeader("Authorization", basicAuth(client.ClientID, "wrong")).
			WithForm(url.Values{
				"grant_type":    {"client_credentials"},
				"client_id":     {client.ClientID},
				"client_secret": {secret},
			}).
			Do(env.router)
		testutil.AssertEqual(t, rr.Code, http.StatusUnauthorized)
		testutil.AssertStringContains(t, rr.Header().Get("WWW-Authenticate"), "Basic")
		testutil.AssertEqual(t, decodeError(t, rr.Body.String()).Error, string(ErrorCodeInvalidClient))
	})

	t.Run("unsupported grant type", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodPost, PathToken).
			WithHeader("Authorization", basicAuth(client.ClientID, secret)).
			WithForm(url.Values{"grant_type": {"urn:ietf:params:oauth:grant-type:device_code"}}).
			Do(env.router)
		testutil.AssertEqual(t, rr.Code, http.StatusBadRequest)
		testutil.AssertEqual(t, decodeError(t, rr.Body.String()).Error, string(ErrorCodeUnsupportedGrantType))
	})

	t.Run("malformed JSON", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodPost, PathToken).WithJSON("{").Do(env.router)
		testutil.AssertEqual(t, rr.Code, http.StatusBadRequest)
		testutil.AssertEqual(t, decodeError(t, rr.Body.String()).Error, string(ErrorCodeInvalidRequest))
	})

	t.Run("method not allowed", func(t *testing.T) {
		rr := testutil.NewHTTPRequest(http.MethodGet, PathToken).Do(http.HandlerFunc(env.handler.ServeToken))
		testutil.AssertEqual(t, rr.Code, http.StatusMethodNotAllowed)
	})
}

func TestHandler_PasswordGrant(t *testing.T) {
	hash, err := static.HashPassword("s3cret")
	testutil.AssertNoError(t, err)

	store := memory.New()
	srv, err := NewServer(&Config{
		Issuer:  testIssuer,
		Signing: SigningConfig{Secret: testSecret},
		Users:   []static.User{{ID: "u-1", Username: "alice", PasswordHash: hash, Scope: "read write"}},
	}, &Stores{Clients: store, Codes: store, Tokens: store}, nil)
	testutil.AssertNoError(t, err)

	client, secret, err := srv.Clients().Register(context.Background(), ClientRegistration{
		Name:         "cli",
		Profile:      storage.ClientProfileWeb,
		Internal:     true,
		RedirectURIs: []string{testRedirectURI},
		Scope:        "read",
	})
	testutil.AssertNoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(NewHandler(srv, nil).ServeToken))
	defer ts.Close()

	cfg := oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Endpoint:     oauth2.Endpoint{TokenURL: ts.URL, AuthStyle: oauth2.AuthStyleInHeader},
	}
	token, err := cfg.PasswordCredentialsToken(context.Background(), "alice", "s3cret")
	testutil.AssertNoError(t, err)
	if token.RefreshToken == "" {
		t.Error("expected a refresh token for an internal confidential client")
	}
	if got := token.Extra("scope"); got != "read" {
		t.Errorf("scope = %v, want read", got)
	}

	_, err = cfg.PasswordCredentialsToken(context.Background(), "alice", "wrong")
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		t.Fatalf("error = %v, want *oauth2.RetrieveError", err)
	}
	testutil.AssertEqual(t, retrieveErr.ErrorCode, string(ErrorCodeInvalidGrant))
}

func TestHandler_RateLimit(t *testing.T) {
	env := newHandlerEnv(t, nil)
	env.handler.SetRateLimiter(security.NewRateLimiter(1, 1, nil))

	do := func() *httptest.ResponseRecorder {
		return testutil.NewHTTPRequest(http.MethodPost, PathToken).
			WithForm(url.Values{"grant_type": {"client_credentials"}}).
			Do(env.router)
	}

	first := do()
	if first.Code == http.StatusTooManyRequests {
		t.Fatal("first request must not be rate limited")
	}
	second := do()
	testutil.AssertEqual(t, second.Code, http.StatusTooManyRequests)
	testutil.AssertEqual(t, second.Header().Get("Retry-After"), "60")
	testutil.AssertEqual(t, decodeError(t, second.Body.String()).Error, string(ErrorCodeRateLimitExceeded))
}

func TestHandler_ServeTokenRevocation(t *testing.T) {
	env := newHandlerEnv(t, nil)
	client, secret := env.register(t, storage.ClientProfileWeb, true, "read")
	tokens := env.clientCredentialsToken(t, client.ClientID, secret, "read")

	revoke := func(form url.Values, auth string) *httptest.ResponseRecorder {
		req := testutil.NewHTTPRequest(http.MethodPost, PathRevocation).WithForm(form)
		if auth != "" {
			req = req.WithHeader("Authorization", auth)
		}
		return req.Do(env.router)
	}
	tokenInfo := func() int {
		return testutil.NewHTTPRequest(http.MethodGet, PathTokenInfo).
			WithHeader("Authorization", "Bearer "+tokens.AccessToken).
			Do(env.router).Code
	}

	testutil.AssertEqual(t, tokenInfo(), http.StatusOK)

	rr := revoke(url.Values{"token": {"not-a-token"}}, basicAuth(client.ClientID, secret))
	testutil.AssertEqual(t, rr.Code, http.StatusOK)

	rr = revoke(url.Values{}, basicAuth(client.ClientID, secret))
	testutil.AssertEqual(t, rr.Code, http.StatusBadRequest)

	rr = revoke(url.Values{"token": {tokens.AccessToken}}, basicAuth(client.ClientID, "wrong"))
	testutil.AssertEqual(t, rr.Code, http.StatusUnauthorized)
	testutil.AssertEqual(t, tokenInfo(), http.StatusOK)

	rr = revoke(url.Values{
		"token":           {tokens.AccessToken},
		"token_type_hint": {"access_token"},
		"client_id":       {client.ClientID},
		"client_secret":   {secret},
	}, "")
	testutil.AssertEqual(t, rr.Code, http.StatusOK)
	testutil.AssertEqual(t, tokenInfo(), http.StatusUnauthorized)
}

func TestHandler_ServeTokenInfo(t *testing.T) {
	env := newHandlerEnv(t, nil)
	client, secret := env.register(t, storage.ClientProfileWeb, true, "read")
	tokens := env.clientCredentialsToken(t, client.ClientID, secret, "read")

	tests := []struct {
		name       string
		req        *testutil.HTTPRequest
		wantStatus int
	}{
		{
			name:       "bearer header",
			req:        testutil.NewHTTPRequest(http.MethodGet, PathTokenInfo).WithHeader("Authorization", "Bearer "+tokens.AccessToken),
			wantStatus: http.StatusOK,
		},
		{
			name:       "query parameter",
			req:        testutil.NewHTTPRequest(http.MethodGet, PathTokenInfo+"?access_token="+url.QueryEscape(tokens.AccessToken)),
			wantStatus: http.StatusOK,
		},
		{
			name:       "form parameter",
			req:        testutil.NewHTTPRequest(http.MethodPost, PathTokenInfo).WithForm(url.Values{"access_token": {tokens.AccessToken}}),
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing token",
			req:        testutil.NewHTTPRequest(http.MethodGet, PathTokenInfo),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "garbage token",
			req:        testutil.NewHTTPRequest(http.MethodGet, PathTokenInfo).WithHeader("Authorization", "Bearer garbage"),
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := tt.req.Do(env.router)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if rr.Code == http.StatusUnauthorized {
				testutil.AssertStringContains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestHandler_Metadata(t *testing.T) {
	env := newHandlerEnv(t, nil)

	rr := testutil.NewHTTPRequest(http.MethodGet, PathServerMetadata).Do(env.router)
	testutil.AssertEqual(t, rr.Code, http.StatusOK)

	var meta AuthorizationServerMetadata
	testutil.AssertNoError(t, json.NewDecoder(rr.Body).Decode(&meta))
	testutil.AssertEqual(t, meta.Issuer, testIssuer)
	testutil.AssertEqual(t, meta.TokenEndpoint, testIssuer+PathToken)
	testutil.AssertEqual(t, meta.RevocationEndpoint, testIssuer+PathRevocation)
	testutil.AssertEqual(t, strings.Join(meta.ResponseTypesSupported, " "), "code")
	testutil.AssertEqual(t, strings.Join(meta.CodeChallengeMethodsSupported, " "), "S256 plain")
	testutil.AssertEqual(t, strings.Join(meta.SigningAlgValuesSupported, " "), "HS512")

	rr = testutil.NewHTTPRequest(http.MethodGet, PathJWKS).Do(env.router)
	testutil.AssertEqual(t, rr.Code, http.StatusOK)
	var jwks struct {
		Keys []json.RawMessage `json:"keys"`
	}
	testutil.AssertNoError(t, json.NewDecoder(rr.Body).Decode(&jwks))
	testutil.AssertEqual(t, len(jwks.Keys), 0)
}

func TestHandler_ValidateTokenAndRequireScope(t *testing.T) {
	env := newHandlerEnv(t, nil)
	client, secret := env.register(t, storage.ClientProfileWeb, true, "read write")
	tokens := env.clientCredentialsToken(t, client.ClientID, secret, "read")

	protected := func(scopes ...string) http.Handler {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := TokenInfoFromContext(r.Context())
			if !ok {
				t.Error("token info missing from context")
				return
			}
			_, _ = w.Write([]byte(info.Subject))
		})
		return env.handler.ValidateToken(env.handler.RequireScope(scopes...)(next))
	}

	tests := []struct {
		name       string
		auth       string
		scopes     []string
		wantStatus int
		wantError  ErrorCode
	}{
		{name: "no header", wantStatus: http.StatusUnauthorized, wantError: ErrorCodeInvalidToken},
		{name: "wrong scheme", auth: "Basic abc", wantStatus: http.StatusUnauthorized, wantError: ErrorCodeInvalidToken},
		{name: "invalid token", auth: "Bearer nope", wantStatus: http.StatusUnauthorized, wantError: ErrorCodeInvalidToken},
		{name: "scope held", auth: "Bearer " + tokens.AccessToken, scopes: []string{"read"}, wantStatus: http.StatusOK},
		{name: "no scope required", auth: "Bearer " + tokens.AccessToken, wantStatus: http.StatusOK},
		{
			name:       "scope missing",
			auth:       "Bearer " + tokens.AccessToken,
			scopes:     []string{"write"},
			wantStatus: http.StatusForbidden,
			wantError:  ErrorCodeInsufficientScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewHTTPRequest(http.MethodGet, "/api")
			if tt.auth != "" {
				req = req.WithHeader("Authorization", tt.auth)
			}
			rr := req.Do(protected(tt.scopes...))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantError == "" {
				testutil.AssertEqual(t, rr.Body.String(), client.ClientID)
				return
			}
			testutil.AssertEqual(t, decodeError(t, rr.Body.String()).Error, string(tt.wantError))
			challenge := rr.Header().Get("WWW-Authenticate")
			testutil.AssertStringContains(t, challenge, `error="`+string(tt.wantError)+`"`)
			if tt.wantError == ErrorCodeInsufficientScope {
				testutil.AssertStringContains(t, challenge, `scope="write"`)
			}
		})
	}
}

func TestHandler_WithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:         true,
		MetricsExporter: instrumentation.MetricsExporterPrometheus,
	})
	testutil.AssertNoError(t, err)
	defer func() { _ = inst.Shutdown(context.Background()) }()

	env := newHandlerEnv(t, inst)
	client, secret := env.register(t, storage.ClientProfileWeb, true, "read")
	env.clientCredentialsToken(t, client.ClientID, secret, "read")

	rr := testutil.NewHTTPRequest(http.MethodGet, "/metrics").Do(inst.MetricsHandler())
	testutil.AssertEqual(t, rr.Code, http.StatusOK)
	testutil.AssertStringContains(t, rr.Body.String(), "oauth_http_requests")
}

func TestFormatBearerChallenge(t *testing.T) {
	tests := []struct {
		name        string
		scope       string
		code        ErrorCode
		description string
		want        string
	}{
		{
			name: "realm only",
			want: `Bearer realm="oauth"`,
		},
		{
			name:        "all parameters",
			scope:       "read write",
			code:        ErrorCodeInsufficientScope,
			description: "token lacks scope",
			want:        `Bearer realm="oauth", scope="read write", error="insufficient_scope", error_description="token lacks scope"`,
		},
		{
			name:        "quotes escaped",
			code:        ErrorCodeInvalidToken,
			description: `bad "token" \ here`,
			want:        `Bearer realm="oauth", error="invalid_token", error_description="bad \"token\" \\ here"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.AssertEqual(t, formatBearerChallenge(tt.scope, tt.code, tt.description), tt.want)
		})
	}
}

// newConsentEnv starts an authorization request for a native client and
// returns the pending request ID and the PKCE verifier.
func newConsentEnv(t *testing.T) (*handlerEnv, *storage.Client, string, string) {
	t.Helper()

	hash, err := static.HashPassword("s3cret")
	testutil.AssertNoError(t, err)

	store := memory.New()
	srv, err := NewServer(&Config{
		Issuer:  testIssuer,
		Signing: SigningConfig{Secret: testSecret},
		Users:   []static.User{{ID: "u-1", Username: "alice", PasswordHash: hash, Scope: "read write"}},
	}, &Stores{Clients: store, Codes: store, Tokens: store}, nil)
	testutil.AssertNoError(t, err)

	h := NewHandler(srv, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	env := &handlerEnv{srv: srv, handler: h, router: r}

	client, _ := env.register(t, storage.ClientProfileNative, false, "read write")
	challenge, verifier := testutil.GeneratePKCEPair()
	rr := testutil.NewHTTPRequest(http.MethodGet, PathAuthorization+"?"+url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"read write"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode()).Do(r)
	if rr.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", rr.Code, rr.Body.String())
	}
	requestID := testutil.RedirectParams(t, rr.Header().Get("Location")).Get("request_id")
	if requestID == "" {
		t.Fatalf("no request_id in %q", rr.Header().Get("Location"))
	}
	return env, client, requestID, verifier
}

func TestHandler_ServeConsent_Describe(t *testing.T) {
	env, client, requestID, _ := newConsentEnv(t)

	rr := testutil.NewHTTPRequest(http.MethodGet, PathConsent+"?request_id="+requestID).Do(env.router)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp ConsentRequestResponse
	testutil.AssertNoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	testutil.AssertEqual(t, resp.RequestID, requestID)
	testutil.AssertEqual(t, resp.ClientID, client.ClientID)
	testutil.AssertEqual(t, resp.ClientName, "test client")
	testutil.AssertEqual(t, resp.Scope, "read write")
	testutil.AssertEqual(t, resp.RedirectURI, testRedirectURI)

	rr = testutil.NewHTTPRequest(http.MethodGet, PathConsent+"?request_id=unknown").Do(env.router)
	testutil.AssertEqual(t, rr.Code, http.StatusBadRequest)
	testutil.AssertEqual(t, decodeError(t, rr.Body.String()).Error, string(ErrorCodeInvalidRequest))
}

func TestHandler_ServeConsent_ApproveAndExchange(t *testing.T) {
	env, client, requestID, verifier := newConsentEnv(t)

	rr := testutil.NewHTTPRequest(http.MethodPost, PathConsent).
		WithForm(url.Values{
			"request_id": {requestID},
			"decision":   {"approve"},
			"username":   {"alice"},
			"password":   {"s3cret"},
			"scope":      {"read"},
		}).
		Do(env.router)
	if rr.Code != http.StatusFound {
		t.Fatalf("consent status = %d, body = %s", rr.Code, rr.Body.String())
	}
	location := rr.Header().Get("Location")
	testutil.AssertStringContains(t, location, testRedirectURI)
	params := testutil.RedirectParams(t, location)
	testutil.AssertEqual(t, params.Get("state"), "xyz")
	if params.Get("code") == "" {
		t.Fatalf("redirect %q has no code", location)
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, PathToken).
		WithForm(url.Values{
			"grant_type":    {"authorization_code"},
			"client_id":     {client.ClientID},
			"code":          {params.Get("code")},
			"redirect_uri":  {testRedirectURI},
			"code_verifier": {verifier},
		}).
		Do(env.router)
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var tokens TokenResponse
	testutil.AssertNoError(t, json.NewDecoder(rr.Body).Decode(&tokens))
	testutil.AssertEqual(t, tokens.Scope, "read")

	info, err := env.srv.Verify(context.Background(), tokens.AccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, info.Subject, "u-1")

	// The request is no longer pending once approved.
	rr = testutil.NewHTTPRequest(http.MethodPost, PathConsent).
		WithForm(url.Values{"request_id": {requestID}, "decision": {"deny"}}).
		Do(env.router)
	testutil.AssertEqual(t, rr.Code, http.StatusBadRequest)
}

func TestHandler_ServeConsent_Decisions(t *testing.T) {
	tests := []struct {
		name         string
		form         url.Values
		wantStatus   int
		wantCode     ErrorCode
		wantRedirect string
		stillPending bool
	}{
		{
			name:         "deny",
			form:         url.Values{"decision": {"deny"}},
			wantStatus:   http.StatusFound,
			wantRedirect: string(ErrorCodeAccessDenied),
		},
		{
			name:         "wrong password",
			form:         url.Values{"username": {"alice"}, "password": {"wrong"}},
			wantStatus:   http.StatusUnauthorized,
			wantCode:     ErrorCodeAccessDenied,
			stillPending: true,
		},
		{
			name:         "unknown user",
			form:         url.Values{"username": {"bob"}, "password": {"s3cret"}},
			wantStatus:   http.StatusUnauthorized,
			wantCode:     ErrorCodeAccessDenied,
			stillPending: true,
		},
		{
			name:         "missing credentials",
			form:         url.Values{"decision": {"approve"}},
			wantStatus:   http.StatusBadRequest,
			wantCode:     ErrorCodeInvalidRequest,
			stillPending: true,
		},
		{
			name:         "scope the user does not hold",
			form:         url.Values{"username": {"alice"}, "password": {"s3cret"}, "scope": {"admin"}},
			wantStatus:   http.StatusBadRequest,
			wantCode:     ErrorCodeInvalidScope,
			stillPending: true,
		},
		{
			name:         "unknown decision",
			form:         url.Values{"decision": {"maybe"}},
			wantStatus:   http.StatusBadRequest,
			wantCode:     ErrorCodeInvalidRequest,
			stillPending: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _, requestID, _ := newConsentEnv(t)
			tt.form.Set("request_id", requestID)

			rr := testutil.NewHTTPRequest(http.MethodPost, PathConsent).WithForm(tt.form).Do(env.router)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantCode != "" {
				testutil.AssertEqual(t, decodeError(t, rr.Body.String()).Error, string(tt.wantCode))
			}
			if tt.wantRedirect != "" {
				params := testutil.RedirectParams(t, rr.Header().Get("Location"))
				testutil.AssertEqual(t, params.Get("error"), tt.wantRedirect)
				testutil.AssertEqual(t, params.Get("state"), "xyz")
			}

			_, err := env.srv.GetAuthorizationRequest(context.Background(), requestID)
			if tt.stillPending && err != nil {
				t.Errorf("request should still be pending, got %v", err)
			}
			if !tt.stillPending && err == nil {
				t.Error("request should no longer be pending")
			}
		})
	}
}
