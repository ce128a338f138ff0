package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventTokensSuperseded is logged when a new grant revokes earlier sessions of the same subject and client
	EventTokensSuperseded = "tokens_superseded" //nolint:gosec // G101: event type name, not a credential

	// Authorization flow events

	// EventAuthorizationStarted is logged when a valid authorization request is sent to consent
	EventAuthorizationStarted = "authorization_started"

	// EventAuthorizationApproved is logged when the user approves a pending request
	EventAuthorizationApproved = "authorization_approved"

	// EventAuthorizationDenied is logged when the user denies a pending request
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeReuseDetected is logged when a revoked authorization code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Client events

	// EventClientRegistered is logged when a new client is registered
	EventClientRegistered = "client_registered"

	// EventClientRevoked is logged when a client is revoked
	EventClientRevoked = "client_revoked"

	// Security violation events

	// EventAuthFailure is logged when client or user authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"
)
