package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/providers"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
)

// Endpoint paths registered by RegisterRoutes
const (
	PathAuthorization  = "/oauth/authorize"
	PathToken          = "/oauth/token"
	PathTokenInfo      = "/oauth/tokeninfo"
	PathRevocation     = "/oauth/revoke"
	PathServerMetadata = "/.well-known/oauth-authorization-server"
	PathJWKS           = "/.well-known/jwks.json"
	PathConsent        = server.DefaultConsentPath
)

const (
	// maxRequestBodySize bounds form and JSON bodies.
	maxRequestBodySize = 64 << 10

	retryAfterSeconds = "60"
)

type tokenInfoContextKey struct{}

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server      *Server
	rateLimiter *security.RateLimiter
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *instrumentation.Metrics
}

// NewHandler creates a new HTTP handler. Instrumentation set on the server
// before this call is picked up for HTTP spans and metrics.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("http"),
	}
	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
		h.metrics = server.Instrumentation.Metrics()
	}
	return h
}

// SetRateLimiter enables per-IP rate limiting of the token, tokeninfo and
// revocation endpoints and of ValidateToken. A nil limiter disables it.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get(PathAuthorization, h.ServeAuthorization)
	r.Post(PathAuthorization, h.ServeAuthorization)
	r.Post(PathToken, h.ServeToken)
	r.Get(PathTokenInfo, h.ServeTokenInfo)
	r.Post(PathTokenInfo, h.ServeTokenInfo)
	r.Post(PathRevocation, h.ServeTokenRevocation)
	r.Get(PathServerMetadata, h.ServeAuthorizationServerMetadata)
	r.Get(PathJWKS, h.ServeJWKS)
	r.Get(PathConsent, h.ServeConsent)
	r.Post(PathConsent, h.ServeConsent)
}

// ServeAuthorization handles OAuth authorization requests. Errors found
// before the redirect URI is verified are shown directly; later errors are
// returned to the client by redirect.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	w, r, span, done := h.begin(w, r, "authorization")
	defer done()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	req := server.AuthorizationRequest{
		ResponseType:        r.Form.Get("response_type"),
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)

	result, err := h.server.Authorize(r.Context(), req)
	if err != nil {
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, string(oauthErr.Code))
		if oauthErr.Redirectable() {
			security.SetSecurityHeaders(w, h.server.Config.Issuer)
			http.Redirect(w, r, oauthErr.RedirectURL(), http.StatusFound)
			return
		}
		h.writeError(w, oauthErr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// ServeConsent is the default consent endpoint. GET describes the pending
// request named by request_id. POST carries the user's decision: deny, or
// approve with the user's credentials and an optional narrower scope.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	w, r, span, done := h.begin(w, r, "consent")
	defer done()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if r.Method == http.MethodPost && h.checkIPRateLimit(w, r, clientIP, "consent") {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	requestID := r.Form.Get("request_id")
	pending, err := h.server.GetAuthorizationRequest(r.Context(), requestID)
	if err != nil {
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, string(oauthErr.Code))
		h.writeError(w, oauthErr)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, pending.ClientID))

	if r.Method == http.MethodGet {
		resp := ConsentRequestResponse{
			RequestID:   pending.ID,
			ClientID:    pending.ClientID,
			Scope:       pending.Scope,
			RedirectURI: pending.RedirectURI,
			ExpiresAt:   pending.ExpiresAt,
		}
		if client, err := h.server.Clients().Resolve(r.Context(), pending.ClientID); err == nil {
			resp.ClientName = client.Name
		}
		instrumentation.SetSpanSuccess(span)
		h.writeJSON(w, http.StatusOK, resp)
		return
	}

	var redirectURL string
	switch r.PostForm.Get("decision") {
	case "deny":
		redirectURL, err = h.server.DenyAuthorization(r.Context(), requestID)
	case "", "approve":
		var user *providers.UserInfo
		user, err = h.server.AuthenticateUser(r.Context(), pending.ClientID,
			r.PostForm.Get("username"), r.PostForm.Get("password"), clientIP)
		if err != nil {
			oauthErr := AsError(err)
			instrumentation.SetSpanError(span, string(oauthErr.Code))
			status := oauthErr.StatusCode()
			if oauthErr.Code == ErrorCodeAccessDenied {
				status = http.StatusUnauthorized
			}
			h.writeJSONError(w, status, ErrorResponse{
				Error:            string(oauthErr.Code),
				ErrorDescription: oauthErr.Description,
			})
			return
		}
		granted, ok := server.MergeScope(user.Scope, r.PostForm.Get("scope"))
		if !ok {
			instrumentation.SetSpanError(span, string(ErrorCodeInvalidScope))
			h.writeError(w, ErrInvalidScope("requested scope is not granted to this user"))
			return
		}
		redirectURL, err = h.server.ApproveAuthorization(r.Context(), requestID, user.ID, granted)
	default:
		h.writeError(w, ErrInvalidRequest("decision must be approve or deny"))
		return
	}

	if err != nil {
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, string(oauthErr.Code))
		if oauthErr.Redirectable() {
			security.SetSecurityHeaders(w, h.server.Config.Issuer)
			http.Redirect(w, r, oauthErr.RedirectURL(), http.StatusFound)
			return
		}
		h.writeError(w, oauthErr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// tokenRequestBody is the JSON form of a token request.
type tokenRequestBody struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	w, r, span, done := h.begin(w, r, "token")
	defer done()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, "token") {
		return
	}

	var body tokenRequestBody
	if err := decodeBody(r, &body, func(form url.Values) {
		body = tokenRequestBody{
			GrantType:    form.Get("grant_type"),
			ClientID:     form.Get("client_id"),
			ClientSecret: form.Get("client_secret"),
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
			Username:     form.Get("username"),
			Password:     form.Get("password"),
			RefreshToken: form.Get("refresh_token"),
			Scope:        form.Get("scope"),
		}
	}); err != nil {
		h.writeError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	req := server.TokenRequest{
		GrantType:    body.GrantType,
		ClientID:     body.ClientID,
		ClientSecret: body.ClientSecret,
		Code:         body.Code,
		RedirectURI:  body.RedirectURI,
		CodeVerifier: body.CodeVerifier,
		Username:     body.Username,
		Password:     body.Password,
		RefreshToken: body.RefreshToken,
		Scope:        body.Scope,
		IP:           clientIP,
		UserAgent:    r.UserAgent(),
	}
	if id, secret, ok := basicCredentials(r); ok {
		req.ClientID, req.ClientSecret = id, secret
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
	)

	tokens, err := h.server.Token(r.Context(), req)
	if err != nil {
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, string(oauthErr.Code))
		h.logger.Debug("Token request failed",
			"client_id", req.ClientID,
			"grant_type", req.GrantType,
			"error", oauthErr.Code)
		h.writeError(w, oauthErr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokens.TokenType,
		ExpiresIn:    tokens.ExpiresIn,
		RefreshToken: tokens.RefreshToken,
		Scope:        tokens.Scope,
	})
}

// ServeTokenInfo describes the access token passed as a Bearer token or as
// the access_token parameter.
func (h *Handler) ServeTokenInfo(w http.ResponseWriter, r *http.Request) {
	w, r, span, done := h.begin(w, r, "tokeninfo")
	defer done()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkIPRateLimit(w, r, h.clientIP(r), "tokeninfo") {
		return
	}

	accessToken, ok := bearerToken(r)
	if !ok {
		if err := r.ParseForm(); err == nil {
			accessToken = r.Form.Get("access_token")
		}
	}
	if accessToken == "" {
		h.writeUnauthorizedError(w, ErrInvalidRequest("access token is required"))
		return
	}

	info, err := h.server.Verify(r.Context(), accessToken)
	if err != nil {
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, string(oauthErr.Code))
		if oauthErr.Code == ErrorCodeInvalidToken {
			h.writeUnauthorizedError(w, oauthErr)
		} else {
			h.writeError(w, oauthErr)
		}
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, TokenInfoResponse{
		Active:    true,
		Subject:   info.Subject,
		ClientID:  info.ClientID,
		Scope:     info.Scope,
		GrantType: info.Grant,
		ExpiresAt: info.ExpiresAt.Unix(),
		IssuedAt:  info.IssuedAt.Unix(),
		ExpiresIn: info.ExpiresIn(h.server.Now()),
		TokenType: server.TokenTypeBearer,
	})
}

// revocationRequestBody is the JSON form of a revocation request.
type revocationRequestBody struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Unknown and foreign tokens still get 200; only malformed requests and
// client authentication failures are errors.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	w, r, span, done := h.begin(w, r, "revoke")
	defer done()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP, "revoke") {
		return
	}

	var body revocationRequestBody
	if err := decodeBody(r, &body, func(form url.Values) {
		body = revocationRequestBody{
			Token:         form.Get("token"),
			TokenTypeHint: form.Get("token_type_hint"),
			ClientID:      form.Get("client_id"),
			ClientSecret:  form.Get("client_secret"),
		}
	}); err != nil {
		h.writeError(w, ErrInvalidRequest("failed to parse request"))
		return
	}

	req := server.RevocationRequest{
		Token:         body.Token,
		TokenTypeHint: body.TokenTypeHint,
		ClientID:      body.ClientID,
		ClientSecret:  body.ClientSecret,
		IP:            clientIP,
	}
	if id, secret, ok := basicCredentials(r); ok {
		req.ClientID, req.ClientSecret = id, secret
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, req.ClientID))

	if err := h.server.RevokeToken(r.Context(), req); err != nil {
		oauthErr := AsError(err)
		instrumentation.SetSpanError(span, string(oauthErr.Code))
		h.writeError(w, oauthErr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	w, _, _, done := h.begin(w, r, "metadata")
	defer done()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.buildAuthServerMetadata())
}

func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	cfg := h.server.Config

	responseTypes := []string{server.ResponseTypeCode}
	grantTypes := []string{
		server.GrantTypeAuthorizationCode,
		server.GrantTypeClientCredentials,
		server.GrantTypePassword,
		server.GrantTypeRefreshToken,
	}
	if cfg.AllowImplicitFlow {
		responseTypes = append(responseTypes, server.ResponseTypeToken)
		grantTypes = append(grantTypes, server.GrantTypeImplicit)
	}
	challengeMethods := []string{server.PKCEMethodS256}
	if !cfg.DisallowPKCEPlain {
		challengeMethods = append(challengeMethods, server.PKCEMethodPlain)
	}

	return AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.Issuer + PathAuthorization,
		TokenEndpoint:                     cfg.Issuer + PathToken,
		JWKSURI:                           cfg.Issuer + PathJWKS,
		RevocationEndpoint:                cfg.Issuer + PathRevocation,
		TokenInfoEndpoint:                 cfg.Issuer + PathTokenInfo,
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            responseTypes,
		GrantTypesSupported:               grantTypes,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     challengeMethods,
		SigningAlgValuesSupported:         []string{h.server.Issuer().Algorithm()},
	}
}

// ServeJWKS serves the public signing key. The set is empty for HMAC
// signing.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	w, _, _, done := h.begin(w, r, "jwks")
	defer done()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/jwk-set+json")
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	_ = json.NewEncoder(w).Encode(h.server.Issuer().JWKS())
}

// ValidateToken is middleware that verifies the Bearer token of a request
// and stores its TokenInfo in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		if h.checkIPRateLimit(w, r, clientIP, "protected") {
			return
		}

		accessToken, ok := bearerToken(r)
		if !ok {
			h.writeUnauthorizedError(w, ErrInvalidToken("missing or malformed Authorization header"))
			return
		}

		info, err := h.server.Verify(r.Context(), accessToken)
		if err != nil {
			oauthErr := AsError(err)
			if oauthErr.Code == ErrorCodeServerError {
				h.writeError(w, oauthErr)
				return
			}
			h.logger.Warn("Token validation failed", "ip", clientIP, "error", oauthErr.Code)
			h.writeUnauthorizedError(w, ErrInvalidToken("token validation failed"))
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithTokenInfo(r.Context(), info)))
	})
}

// RequireScope returns middleware that rejects requests whose token, set by
// ValidateToken, lacks any of the given scopes.
func (h *Handler) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	required := server.JoinScope(scopes)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := TokenInfoFromContext(r.Context())
			if !ok {
				h.writeUnauthorizedError(w, ErrInvalidToken("missing access token"))
				return
			}
			if !server.ValidateScope(info.Scope, required) {
				h.writeInsufficientScopeError(w, required)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenInfoFromContext returns the token stored by ValidateToken.
func TokenInfoFromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoContextKey{}).(*TokenInfo)
	return info, ok
}

// ContextWithTokenInfo stores info in ctx. Useful in tests of protected
// handlers.
func ContextWithTokenInfo(ctx context.Context, info *TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoContextKey{}, info)
}

// Helper methods

// statusRecorder captures the status code for HTTP metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// begin starts the span of an endpoint and returns a func that records the
// HTTP metrics and ends it.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, endpoint string) (http.ResponseWriter, *http.Request, trace.Span, func()) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
	rec := &statusRecorder{ResponseWriter: w}

	return rec, r.WithContext(ctx), span, func() {
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		h.metrics.RecordHTTPRequest(ctx, r.Method, endpoint, status, float64(time.Since(start).Microseconds())/1000)
		span.End()
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.metrics.RecordRateLimitExceeded(r.Context(), endpoint)
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)

	w.Header().Set("Retry-After", retryAfterSeconds)
	h.writeJSONError(w, http.StatusTooManyRequests, ErrorResponse{
		Error:            string(ErrorCodeRateLimitExceeded),
		ErrorDescription: "Rate limit exceeded. Please try again later.",
	})
	return true
}

// decodeBody decodes a JSON body into dst, or parses a form body and hands
// it to fromForm.
func decodeBody(r *http.Request, dst any, fromForm func(url.Values)) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			return fmt.Errorf("invalid JSON body: %w", err)
		}
		return nil
	}

	if err := r.ParseForm(); err != nil {
		return err
	}
	fromForm(r.PostForm)
	return nil
}

// basicCredentials returns the client credentials of the Authorization
// header. Both parts are form-urlencoded (RFC 6749 Section 2.3.1).
func basicCredentials(r *http.Request) (clientID, secret string, ok bool) {
	id, pw, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if unescaped, err := url.QueryUnescape(id); err == nil {
		id = unescaped
	}
	if unescaped, err := url.QueryUnescape(pw); err == nil {
		pw = unescaped
	}
	return id, pw, true
}

// bearerToken extracts the Bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, resp ErrorResponse) {
	h.writeJSON(w, status, resp)
}

// writeError writes err as a JSON error response. invalid_client responses
// carry a Basic challenge (RFC 6749 Section 5.2).
func (h *Handler) writeError(w http.ResponseWriter, err *Error) {
	if err.Code == ErrorCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	h.writeJSONError(w, err.StatusCode(), ErrorResponse{
		Error:            string(err.Code),
		ErrorDescription: err.Description,
		ErrorURI:         err.URI,
	})
}

// writeUnauthorizedError writes a 401 response with a Bearer challenge
// (RFC 6750 Section 3).
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, err *Error) {
	w.Header().Set("WWW-Authenticate", formatBearerChallenge("", err.Code, err.Description))
	h.writeJSONError(w, http.StatusUnauthorized, ErrorResponse{
		Error:            string(err.Code),
		ErrorDescription: err.Description,
	})
}

// writeInsufficientScopeError writes a 403 Forbidden response with insufficient_scope error.
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScope string) {
	const description = "token lacks a required scope"
	w.Header().Set("WWW-Authenticate", formatBearerChallenge(requiredScope, ErrorCodeInsufficientScope, description))
	h.writeJSONError(w, http.StatusForbidden, ErrorResponse{
		Error:            string(ErrorCodeInsufficientScope),
		ErrorDescription: description,
	})
}

// formatBearerChallenge formats the WWW-Authenticate header value per RFC 6750.
func formatBearerChallenge(scope string, code ErrorCode, description string) string {
	params := []string{`realm="oauth"`}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if code != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, code))
	}
	if description != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(description)))
	}
	return "Bearer " + strings.Join(params, ", ")
}

// quoteEscape escapes backslashes, then quotes, for an HTTP quoted-string.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
