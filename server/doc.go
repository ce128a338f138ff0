// Package server implements the grant flows of the OAuth 2.0 authorization
// server.
//
// The Server validates authorization requests and stores them pending
// consent, turns approved requests into single-use codes, and issues tokens
// through the authorization_code, client_credentials, password and
// refresh_token grants. Signed JWTs carry only a record id; the token store
// decides whether a token is still valid, so revocation takes effect
// immediately.
//
// Web clients are confidential; user-agent-based and native clients are
// public. The grants a client may use follow from its type and trust level:
//
//	confidential, internal: authorization_code, password, client_credentials, refresh_token
//	confidential, external: authorization_code, refresh_token
//	public, internal:       authorization_code, password
//	public, external:       authorization_code
//
// Errors returned by the flows are *Error values carrying an OAuth error
// code. Errors that must be delivered to the client by redirect report
// Redirectable.
//
// Example usage:
//
//	store := memory.New()
//	srv, err := server.New(store, store, store, users, &server.Config{
//	    Issuer:        "https://auth.example.com",
//	    SigningSecret: secret,
//	}, logger)
//
//	client, clientSecret, err := srv.Clients().Register(ctx, server.ClientRegistration{
//	    Profile:      storage.ClientProfileWeb,
//	    RedirectURIs: []string{"https://app.example.com/callback"},
//	    Scope:        "read write",
//	})
package server
