// Package providers defines how the server checks resource owner
// credentials for the password grant.
//
// The server depends only on the Authenticator interface. Implementations
// are provided in subpackages:
//   - providers/static: fixed users with bcrypt-hashed passwords
//   - providers/mock: func-field mock for tests
//
// A deployment backed by a user directory implements Authenticator itself
// and returns ErrInvalidCredentials for unknown users or wrong passwords.
// Other errors are treated as an outage and surface as server_error.
package providers
