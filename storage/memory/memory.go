// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// codeLogLength is the number of characters of a code included in debug logs.
const codeLogLength = 8

// Store is an in-memory implementation of ClientStore, CodeStore and
// TokenStore. A single RWMutex guards every map, so each conditional
// mutation is a check-and-set under the write lock.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	codes         map[string]*storage.AuthorizationCode // request id -> record
	codeIndex     map[string]string                     // code value -> request id
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	obs    *instrumentation.StorageObserver
	logger *slog.Logger

	// Read by the size gauges without taking mu.
	clientsCount       atomic.Int64
	codesCount         atomic.Int64
	accessTokensCount  atomic.Int64
	refreshTokensCount atomic.Int64
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clients:       make(map[string]*storage.Client),
		codes:         make(map[string]*storage.AuthorizationCode),
		codeIndex:     make(map[string]string),
		accessTokens:  make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]*storage.RefreshToken),
		logger:        slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.obs = instrumentation.NewStorageObserver(inst, "memory")
	s.syncCountsLocked()
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizes{
		Clients:       s.clientsCount.Load,
		Codes:         s.codesCount.Load,
		AccessTokens:  s.accessTokensCount.Load,
		RefreshTokens: s.refreshTokensCount.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) syncCountsLocked() {
	s.clientsCount.Store(int64(len(s.clients)))
	s.codesCount.Store(int64(len(s.codes)))
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.obs.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = cloneClient(client)
	s.clientsCount.Store(int64(len(s.clients)))
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.obs.Start(ctx, "get_client", storage.ErrClientNotFound)
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(client), nil
}

// ListClients returns all clients ordered by id.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	_, done := s.obs.Start(ctx, "list_clients")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, cloneClient(c))
	}
	slices.SortFunc(out, func(a, b *storage.Client) int { return strings.Compare(a.ClientID, b.ClientID) })
	return out, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a pending authorization request.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, done := s.obs.Start(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.ID == "" {
		return fmt.Errorf("authorization request ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.codes[code.ID]; exists {
		return fmt.Errorf("authorization request %s already exists", code.ID)
	}
	c := *code
	s.codes[c.ID] = &c
	if c.Code != "" {
		s.codeIndex[c.Code] = c.ID
	}
	s.codesCount.Store(int64(len(s.codes)))
	return nil
}

// GetAuthorizationCode returns a record by request id.
func (s *Store) GetAuthorizationCode(ctx context.Context, id string) (_ *storage.AuthorizationCode, err error) {
	_, done := s.obs.Start(ctx, "get_authorization_code", storage.ErrAuthorizationCodeNotFound)
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.codes[id]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	c := *code
	return &c, nil
}

// GetAuthorizationCodeByValue returns the record holding a code value.
func (s *Store) GetAuthorizationCodeByValue(ctx context.Context, codeValue string) (_ *storage.AuthorizationCode, err error) {
	_, done := s.obs.Start(ctx, "get_authorization_code_by_value", storage.ErrAuthorizationCodeNotFound)
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	code := s.codes[s.codeIndex[codeValue]]
	if code == nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	c := *code
	return &c, nil
}

// ActivateAuthorizationCode binds consent to a pending request and revokes
// the user's other live codes.
func (s *Store) ActivateAuthorizationCode(ctx context.Context, id string, activation storage.CodeActivation, now time.Time) (_ *storage.AuthorizationCode, err error) {
	_, done := s.obs.Start(ctx, "activate_authorization_code",
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeExpired, storage.ErrAuthorizationCodeRevoked)
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[id]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if !code.IsPending() {
		return nil, storage.ErrAuthorizationCodeRevoked
	}
	if code.IsExpired(now) {
		code.RevokedAt = now
		return nil, storage.ErrAuthorizationCodeExpired
	}

	revoked := 0
	for otherID, other := range s.codes {
		if otherID == id || other.UserID != activation.UserID || other.IsRevoked() || other.IsExpired(now) {
			continue
		}
		other.RevokedAt = now
		revoked++
	}

	code.UserID = activation.UserID
	code.Scope = activation.Scope
	code.Code = activation.Code
	if !activation.ExpiresAt.IsZero() {
		code.ExpiresAt = activation.ExpiresAt
	}
	if activation.Code == "" {
		code.RevokedAt = now
	} else {
		s.codeIndex[activation.Code] = id
	}

	s.logger.Debug("Activated authorization code",
		"request_id", id,
		"superseded_codes", revoked)

	c := *code
	return &c, nil
}

// RedeemAuthorizationCode revokes a live code issued to clientID and returns it.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, clientID, codeValue string, now time.Time) (_ *storage.AuthorizationCode, err error) {
	_, done := s.obs.Start(ctx, "redeem_authorization_code",
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeExpired, storage.ErrAuthorizationCodeRevoked)
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.codeIndex[codeValue]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	code := s.codes[id]
	if code == nil || code.ClientID != clientID {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if code.IsRevoked() {
		return nil, storage.ErrAuthorizationCodeRevoked
	}

	code.RevokedAt = now
	if security.IsExpired(now, code.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(codeValue, codeLogLength))

	c := *code
	return &c, nil
}

// RevokeAuthorizationCode revokes a record by request id.
func (s *Store) RevokeAuthorizationCode(ctx context.Context, id string, now time.Time) (err error) {
	_, done := s.obs.Start(ctx, "revoke_authorization_code",
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeRevoked)
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[id]
	if !ok {
		return storage.ErrAuthorizationCodeNotFound
	}
	if code.IsRevoked() {
		return storage.ErrAuthorizationCodeRevoked
	}
	code.RevokedAt = now
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken stores an access token record.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	_, done := s.obs.Start(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.ID == "" {
		return fmt.Errorf("access token ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := *token
	s.accessTokens[t.ID] = &t
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	return nil
}

// GetAccessToken returns an access token record.
func (s *Store) GetAccessToken(ctx context.Context, id string) (_ *storage.AccessToken, err error) {
	_, done := s.obs.Start(ctx, "get_access_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.accessTokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	t := *token
	return &t, nil
}

// RevokeAccessToken marks an access token revoked.
func (s *Store) RevokeAccessToken(ctx context.Context, id string, now time.Time) (err error) {
	_, done := s.obs.Start(ctx, "revoke_access_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.accessTokens[id]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if token.RevokedAt.IsZero() {
		token.RevokedAt = now
	}
	return nil
}

// SaveRefreshToken stores a refresh token record.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	_, done := s.obs.Start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.ID == "" {
		return fmt.Errorf("refresh token ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token.ID] = cloneRefreshToken(token)
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	return nil
}

// GetRefreshToken returns a refresh token record.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (_ *storage.RefreshToken, err error) {
	_, done := s.obs.Start(ctx, "get_refresh_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.refreshTokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return cloneRefreshToken(token), nil
}

// RedeemRefreshToken revokes a live refresh token and appends the attempt.
func (s *Store) RedeemRefreshToken(ctx context.Context, id string, attempt storage.RefreshAttempt, now time.Time) (_ *storage.RefreshToken, err error) {
	_, done := s.obs.Start(ctx, "redeem_refresh_token",
		storage.ErrTokenNotFound, storage.ErrTokenExpired, storage.ErrTokenRevoked)
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if !token.RevokedAt.IsZero() {
		return nil, storage.ErrTokenRevoked
	}
	if security.IsExpired(now, token.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	token.RevokedAt = now
	token.Attempts = append(token.Attempts, attempt)
	return cloneRefreshToken(token), nil
}

// RevokeRefreshToken marks a refresh token revoked.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string, now time.Time) (err error) {
	_, done := s.obs.Start(ctx, "revoke_refresh_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.refreshTokens[id]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if token.RevokedAt.IsZero() {
		token.RevokedAt = now
	}
	return nil
}

// RevokeTokensForSubject revokes every live token of subject issued through clientID.
func (s *Store) RevokeTokensForSubject(ctx context.Context, subject, clientID string, now time.Time) (_ int, err error) {
	_, done := s.obs.Start(ctx, "revoke_tokens_for_subject")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, t := range s.accessTokens {
		if t.Subject == subject && t.ClientID == clientID && t.IsActive(now) {
			t.RevokedAt = now
			revoked++
		}
	}
	for _, t := range s.refreshTokens {
		if t.Subject == subject && t.ClientID == clientID && t.IsActive(now) {
			t.RevokedAt = now
			revoked++
		}
	}
	return revoked, nil
}

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.Grants = slices.Clone(c.Grants)
	return &out
}

func cloneRefreshToken(t *storage.RefreshToken) *storage.RefreshToken {
	out := *t
	out.Attempts = slices.Clone(t.Attempts)
	return &out
}
