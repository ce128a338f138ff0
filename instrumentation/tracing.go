package instrumentation

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Never attach token, code or secret values; record
// metadata such as the grant type or whether a code was reused.
const (
	AttrClientID     = "oauth.client_id"
	AttrClientType   = "oauth.client_type"
	AttrUserID       = "oauth.user_id"
	AttrScope        = "oauth.scope"
	AttrGrantType    = "oauth.grant_type"
	AttrResponseType = "oauth.response_type"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrCodeReuse    = "oauth.code.reuse"
	AttrTokenReuse   = "oauth.token.reuse" //nolint:gosec // attribute key, not a credential
	AttrError        = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageBackend   = "storage.backend"

	AttrClientIP = "security.client_ip"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds client, user and scope attributes, skipping
// empty values.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span. Check
// ShouldLogClientIPs before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}

// StorageObserver gives store implementations spans and operation metrics
// without each backend repeating the bookkeeping. The zero value and a nil
// pointer are valid and record nothing.
type StorageObserver struct {
	backend string
	tracer  trace.Tracer
	metrics *Metrics
}

// NewStorageObserver returns an observer for the named backend. A nil inst
// yields an observer that records nothing.
func NewStorageObserver(inst *Instrumentation, backend string) *StorageObserver {
	o := &StorageObserver{backend: backend}
	if inst != nil {
		o.tracer = inst.Tracer("storage")
		o.metrics = inst.Metrics()
	}
	return o
}

// Start opens a span for operation. The returned func records the outcome;
// expected misses listed in benign are not marked as span errors.
func (o *StorageObserver) Start(ctx context.Context, operation string, benign ...error) (context.Context, func(error)) {
	if o == nil || o.tracer == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "storage."+operation, trace.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageBackend, o.backend),
	))

	return ctx, func(err error) {
		defer span.End()
		result := "success"
		switch {
		case err == nil:
			SetSpanSuccess(span)
		case isAny(err, benign):
			result = "miss"
			span.SetAttributes(attribute.String(AttrError, err.Error()))
		default:
			result = "error"
			RecordError(span, err)
		}
		o.metrics.RecordStorageOperation(ctx, o.backend, operation, result, float64(time.Since(start).Microseconds())/1000)
	}
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
