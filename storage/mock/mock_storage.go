// Package mock provides a storage implementation for tests that need to
// inject failures or count calls. Every operation delegates to an in-memory
// store unless the matching func field is set.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/memory"
)

// Store is a ClientStore, CodeStore and TokenStore with overridable
// operations.
type Store struct {
	backend *memory.Store

	SaveClientFunc  func(ctx context.Context, client *storage.Client) error
	GetClientFunc   func(ctx context.Context, clientID string) (*storage.Client, error)
	ListClientsFunc func(ctx context.Context) ([]*storage.Client, error)

	SaveAuthorizationCodeFunc       func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc        func(ctx context.Context, id string) (*storage.AuthorizationCode, error)
	ActivateAuthorizationCodeFunc   func(ctx context.Context, id string, activation storage.CodeActivation, now time.Time) (*storage.AuthorizationCode, error)
	GetAuthorizationCodeByValueFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	RedeemAuthorizationCodeFunc     func(ctx context.Context, clientID, code string, now time.Time) (*storage.AuthorizationCode, error)
	RevokeAuthorizationCodeFunc     func(ctx context.Context, id string, now time.Time) error

	SaveAccessTokenFunc        func(ctx context.Context, token *storage.AccessToken) error
	GetAccessTokenFunc         func(ctx context.Context, id string) (*storage.AccessToken, error)
	RevokeAccessTokenFunc      func(ctx context.Context, id string, now time.Time) error
	SaveRefreshTokenFunc       func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc        func(ctx context.Context, id string) (*storage.RefreshToken, error)
	RedeemRefreshTokenFunc     func(ctx context.Context, id string, attempt storage.RefreshAttempt, now time.Time) (*storage.RefreshToken, error)
	RevokeRefreshTokenFunc     func(ctx context.Context, id string, now time.Time) error
	RevokeTokensForSubjectFunc func(ctx context.Context, subject, clientID string, now time.Time) (int, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a mock store backed by an empty in-memory store.
func New() *Store {
	return &Store{
		backend:    memory.New(),
		callCounts: make(map[string]int),
	}
}

// Backend returns the in-memory store used for operations without an override.
func (m *Store) Backend() *memory.Store {
	return m.backend
}

// CallCount returns how many times the named operation was called.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) record(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.backend.SaveClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.backend.GetClient(ctx, clientID)
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return m.backend.ListClients(ctx)
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	return m.backend.SaveAuthorizationCode(ctx, code)
}

func (m *Store) GetAuthorizationCode(ctx context.Context, id string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, id)
	}
	return m.backend.GetAuthorizationCode(ctx, id)
}

func (m *Store) ActivateAuthorizationCode(ctx context.Context, id string, activation storage.CodeActivation, now time.Time) (*storage.AuthorizationCode, error) {
	m.record("ActivateAuthorizationCode")
	if m.ActivateAuthorizationCodeFunc != nil {
		return m.ActivateAuthorizationCodeFunc(ctx, id, activation, now)
	}
	return m.backend.ActivateAuthorizationCode(ctx, id, activation, now)
}

func (m *Store) GetAuthorizationCodeByValue(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCodeByValue")
	if m.GetAuthorizationCodeByValueFunc != nil {
		return m.GetAuthorizationCodeByValueFunc(ctx, code)
	}
	return m.backend.GetAuthorizationCodeByValue(ctx, code)
}

func (m *Store) RedeemAuthorizationCode(ctx context.Context, clientID, code string, now time.Time) (*storage.AuthorizationCode, error) {
	m.record("RedeemAuthorizationCode")
	if m.RedeemAuthorizationCodeFunc != nil {
		return m.RedeemAuthorizationCodeFunc(ctx, clientID, code, now)
	}
	return m.backend.RedeemAuthorizationCode(ctx, clientID, code, now)
}

func (m *Store) RevokeAuthorizationCode(ctx context.Context, id string, now time.Time) error {
	m.record("RevokeAuthorizationCode")
	if m.RevokeAuthorizationCodeFunc != nil {
		return m.RevokeAuthorizationCodeFunc(ctx, id, now)
	}
	return m.backend.RevokeAuthorizationCode(ctx, id, now)
}

func (m *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.record("SaveAccessToken")
	if m.SaveAccessTokenFunc != nil {
		return m.SaveAccessTokenFunc(ctx, token)
	}
	return m.backend.SaveAccessToken(ctx, token)
}

func (m *Store) GetAccessToken(ctx context.Context, id string) (*storage.AccessToken, error) {
	m.record("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, id)
	}
	return m.backend.GetAccessToken(ctx, id)
}

func (m *Store) RevokeAccessToken(ctx context.Context, id string, now time.Time) error {
	m.record("RevokeAccessToken")
	if m.RevokeAccessTokenFunc != nil {
		return m.RevokeAccessTokenFunc(ctx, id, now)
	}
	return m.backend.RevokeAccessToken(ctx, id, now)
}

func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	return m.backend.SaveRefreshToken(ctx, token)
}

func (m *Store) GetRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, id)
	}
	return m.backend.GetRefreshToken(ctx, id)
}

func (m *Store) RedeemRefreshToken(ctx context.Context, id string, attempt storage.RefreshAttempt, now time.Time) (*storage.RefreshToken, error) {
	m.record("RedeemRefreshToken")
	if m.RedeemRefreshTokenFunc != nil {
		return m.RedeemRefreshTokenFunc(ctx, id, attempt, now)
	}
	return m.backend.RedeemRefreshToken(ctx, id, attempt, now)
}

func (m *Store) RevokeRefreshToken(ctx context.Context, id string, now time.Time) error {
	m.record("RevokeRefreshToken")
	if m.RevokeRefreshTokenFunc != nil {
		return m.RevokeRefreshTokenFunc(ctx, id, now)
	}
	return m.backend.RevokeRefreshToken(ctx, id, now)
}

func (m *Store) RevokeTokensForSubject(ctx context.Context, subject, clientID string, now time.Time) (int, error) {
	m.record("RevokeTokensForSubject")
	if m.RevokeTokensForSubjectFunc != nil {
		return m.RevokeTokensForSubjectFunc(ctx, subject, clientID, now)
	}
	return m.backend.RevokeTokensForSubject(ctx, subject, clientID, now)
}
