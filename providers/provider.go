package providers

import (
	"context"
	"errors"
)

// ErrInvalidCredentials is returned when a username and password do not
// match a known user. Any other error means the authenticator itself failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator checks resource owner credentials for the password grant.
type Authenticator interface {
	// Authenticate returns the user for a username and password, or
	// ErrInvalidCredentials.
	Authenticate(ctx context.Context, username, password string) (*UserInfo, error)
}

// UserInfo is an authenticated user.
type UserInfo struct {
	// ID is the stable user identifier used as token subject.
	ID string

	// Username is the login name the user authenticated with.
	Username string

	// Scope is the space-delimited scope the user may be granted. "*" allows
	// any scope the client may request.
	Scope string
}
