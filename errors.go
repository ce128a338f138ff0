package oauth

import (
	"github.com/giantswarm/oauth-server/server"
)

// Error is an OAuth error returned by the server package.
type Error = server.Error

// ErrorCode is an OAuth error code.
type ErrorCode = server.ErrorCode

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError

	// ErrorCodeInsufficientScope is returned by RequireScope (RFC 6750).
	ErrorCodeInsufficientScope ErrorCode = "insufficient_scope"

	// ErrorCodeRateLimitExceeded is returned with 429 responses.
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
)

// Common OAuth errors
var (
	ErrInvalidRequest       = server.ErrInvalidRequest
	ErrInvalidClient        = server.ErrInvalidClient
	ErrInvalidGrant         = server.ErrInvalidGrant
	ErrInvalidScope         = server.ErrInvalidScope
	ErrInvalidToken         = server.ErrInvalidToken
	ErrUnauthorizedClient   = server.ErrUnauthorizedClient
	ErrUnsupportedGrantType = server.ErrUnsupportedGrantType
	ErrAccessDenied         = server.ErrAccessDenied
	ErrServerError          = server.ErrServerError

	ErrUnsupportedResponseType = server.ErrUnsupportedResponseType
)

// AsError converts any error into an *Error, mapping unknown errors to
// server_error.
func AsError(err error) *Error {
	return server.AsError(err)
}
