// Package mock provides a mock Authenticator for testing.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-server/providers"
)

// Authenticator is a mock implementation of providers.Authenticator.
type Authenticator struct {
	// AuthenticateFunc is called when Authenticate() is invoked
	AuthenticateFunc func(ctx context.Context, username, password string) (*providers.UserInfo, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ providers.Authenticator = (*Authenticator)(nil)

// NewAuthenticator returns a mock accepting exactly the given username and
// password for user.
func NewAuthenticator(username, password string, user *providers.UserInfo) *Authenticator {
	return &Authenticator{
		callCounts: make(map[string]int),
		AuthenticateFunc: func(_ context.Context, u, p string) (*providers.UserInfo, error) {
			if u != username || p != password {
				return nil, providers.ErrInvalidCredentials
			}
			out := *user
			return &out, nil
		},
	}
}

// Authenticate implements providers.Authenticator.
func (m *Authenticator) Authenticate(ctx context.Context, username, password string) (*providers.UserInfo, error) {
	m.mu.Lock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts["Authenticate"]++
	m.mu.Unlock()

	if m.AuthenticateFunc == nil {
		return nil, providers.ErrInvalidCredentials
	}
	return m.AuthenticateFunc(ctx, username, password)
}

// CallCount returns how many times the named method was called.
func (m *Authenticator) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}
