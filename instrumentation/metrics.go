package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the server. Every Record method is
// safe on a nil receiver.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant and authorization flows
	AuthorizationStarted metric.Int64Counter
	ConsentDecisions     metric.Int64Counter
	TokensIssued         metric.Int64Counter
	CodeRedeemed         metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	TokensSuperseded     metric.Int64Counter
	TokenVerifications   metric.Int64Counter
	ClientRegistered     metric.Int64Counter

	// Security
	RateLimitExceeded         metric.Int64Counter
	PKCEValidationFailed      metric.Int64Counter
	CodeReuseDetected         metric.Int64Counter
	RefreshTokenReuseDetected metric.Int64Counter

	// Storage
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
}

type instrumentBuilder struct {
	err error
}

func (b *instrumentBuilder) counter(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(meter metric.Meter, name, desc string) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(meter metric.Meter, name, desc string) metric.Int64ObservableGauge {
	if b.err != nil {
		return nil
	}
	g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit("{record}"))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var b instrumentBuilder
	m := &Metrics{
		HTTPRequestsTotal:   b.counter(httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"),
		HTTPRequestDuration: b.histogram(httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds"),

		AuthorizationStarted: b.counter(serverMeter, "oauth.authorization.started", "Authorization requests forwarded to consent", "{request}"),
		ConsentDecisions:     b.counter(serverMeter, "oauth.consent.decisions", "Consent decisions on pending authorization requests", "{decision}"),
		TokensIssued:         b.counter(serverMeter, "oauth.token.issued", "Access tokens issued", "{token}"),
		CodeRedeemed:         b.counter(serverMeter, "oauth.code.redeemed", "Authorization codes exchanged for tokens", "{exchange}"),
		TokenRefreshed:       b.counter(serverMeter, "oauth.token.refreshed", "Refresh token rotations", "{refresh}"),
		TokenRevoked:         b.counter(serverMeter, "oauth.token.revoked", "Tokens revoked through the revocation endpoint", "{revocation}"),
		TokensSuperseded:     b.counter(serverMeter, "oauth.token.superseded", "Live tokens revoked because a newer grant replaced them", "{token}"),
		TokenVerifications:   b.counter(serverMeter, "oauth.token.verifications", "Access token verifications", "{verification}"),
		ClientRegistered:     b.counter(serverMeter, "oauth.client.registered", "Clients registered", "{client}"),

		RateLimitExceeded:         b.counter(securityMeter, "oauth.rate_limit.exceeded", "Requests rejected by the rate limiter", "{violation}"),
		PKCEValidationFailed:      b.counter(securityMeter, "oauth.pkce.validation_failed", "PKCE validation failures", "{failure}"),
		CodeReuseDetected:         b.counter(securityMeter, "oauth.code.reuse_detected", "Revoked authorization codes presented again", "{attempt}"),
		RefreshTokenReuseDetected: b.counter(securityMeter, "oauth.refresh_token.reuse_detected", "Revoked refresh tokens presented again", "{attempt}"),

		StorageOperationTotal:     b.counter(storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"),
		StorageOperationDuration:  b.histogram(storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds"),
		StorageClientsCount:       b.gauge(storageMeter, "storage.clients.count", "Registered clients held by the store"),
		StorageCodesCount:         b.gauge(storageMeter, "storage.codes.count", "Authorization requests and codes held by the store"),
		StorageAccessTokensCount:  b.gauge(storageMeter, "storage.access_tokens.count", "Access token records held by the store"),
		StorageRefreshTokensCount: b.gauge(storageMeter, "storage.refresh_tokens.count", "Refresh token records held by the store"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records an authorization request sent to consent
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID, responseType string) {
	if m == nil {
		return
	}
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("response_type", responseType),
	))
}

// RecordConsentDecision records the outcome of a consent decision
func (m *Metrics) RecordConsentDecision(ctx context.Context, clientID string, approved bool) {
	if m == nil {
		return
	}
	m.ConsentDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("approved", approved),
	))
}

// RecordTokenIssued records an issued access token
func (m *Metrics) RecordTokenIssued(ctx context.Context, grant, clientType string, withRefresh bool) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grant),
		attribute.String("client_type", clientType),
		attribute.Bool("refresh_token", withRefresh),
	))
}

// RecordCodeRedeemed records an authorization code exchange
func (m *Metrics) RecordCodeRedeemed(ctx context.Context, clientID, pkceMethod string) {
	if m == nil {
		return
	}
	m.CodeRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a refresh token rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String("token_type", tokenType)))
}

// RecordTokensSuperseded records tokens revoked by a newer grant
func (m *Metrics) RecordTokensSuperseded(ctx context.Context, grant string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.TokensSuperseded.Add(ctx, int64(count), metric.WithAttributes(attribute.String("grant_type", grant)))
}

// RecordTokenVerification records the result of a verification ("active",
// "invalid", "revoked", "expired")
func (m *Metrics) RecordTokenVerification(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.TokenVerifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string, internal bool) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
		attribute.Bool("internal", internal),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordRefreshTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordRefreshTokenReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.RefreshTokenReuseDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}
