package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrorCode is an OAuth 2.0 error code (RFC 6749 Section 5.2, RFC 6750).
type ErrorCode string

// OAuth error codes
const (
	ErrorCodeInvalidRequest          ErrorCode = "invalid_request"
	ErrorCodeInvalidClient           ErrorCode = "invalid_client"
	ErrorCodeInvalidGrant            ErrorCode = "invalid_grant"
	ErrorCodeInvalidScope            ErrorCode = "invalid_scope"
	ErrorCodeInvalidToken            ErrorCode = "invalid_token"
	ErrorCodeUnauthorizedClient      ErrorCode = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType ErrorCode = "unsupported_response_type"
	ErrorCodeAccessDenied            ErrorCode = "access_denied"
	ErrorCodeServerError             ErrorCode = "server_error"
)

// Error is an OAuth error. Errors of the authorization endpoint detected
// after the redirect URI was verified carry RedirectURI and State and are
// delivered to the client by redirect.
type Error struct {
	Code        ErrorCode
	Description string
	URI         string

	State       string
	RedirectURI string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// StatusCode returns the HTTP status used when the error is written as a
// JSON response.
func (e *Error) StatusCode() int {
	switch e.Code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Redirectable reports whether the error is delivered by redirect.
func (e *Error) Redirectable() bool {
	return e.RedirectURI != ""
}

// RedirectURL returns the redirect URI with error, error_description and
// state appended to its query.
func (e *Error) RedirectURL() string {
	params := url.Values{}
	params.Set("error", string(e.Code))
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.URI != "" {
		params.Set("error_uri", e.URI)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, params)
}

// withRedirect returns a copy of e delivered by redirect.
func (e *Error) withRedirect(redirectURI, state string) *Error {
	out := *e
	out.RedirectURI = redirectURI
	out.State = state
	return &out
}

func newError(code ErrorCode, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Constructors for the error codes.
var (
	ErrInvalidRequest = func(desc string) *Error { return newError(ErrorCodeInvalidRequest, desc) }

	ErrInvalidClient = func(desc string) *Error { return newError(ErrorCodeInvalidClient, desc) }

	ErrInvalidGrant = func(desc string) *Error { return newError(ErrorCodeInvalidGrant, desc) }

	ErrInvalidScope = func(desc string) *Error { return newError(ErrorCodeInvalidScope, desc) }

	ErrInvalidToken = func(desc string) *Error { return newError(ErrorCodeInvalidToken, desc) }

	ErrUnauthorizedClient = func(desc string) *Error { return newError(ErrorCodeUnauthorizedClient, desc) }

	ErrUnsupportedGrantType = func(desc string) *Error { return newError(ErrorCodeUnsupportedGrantType, desc) }

	ErrUnsupportedResponseType = func(desc string) *Error { return newError(ErrorCodeUnsupportedResponseType, desc) }

	ErrAccessDenied = func(desc string) *Error { return newError(ErrorCodeAccessDenied, desc) }

	// ErrServerError never carries the underlying cause; it is logged instead.
	ErrServerError = func() *Error { return newError(ErrorCodeServerError, "internal server error") }
)

// AsError returns err as *Error, turning anything else into server_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ErrServerError()
}

// appendQuery appends params to the query of rawURL, keeping existing
// parameters.
func appendQuery(rawURL string, params url.Values) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + params.Encode()
}
