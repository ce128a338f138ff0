// Package storagetest is the behaviour suite shared by every storage
// backend. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/oauth-server/storage"
)

// Stores bundles the three stores under test. Most backends implement all
// three on one type.
type Stores struct {
	Clients storage.ClientStore
	Codes   storage.CodeStore
	Tokens  storage.TokenStore
}

// Factory returns a fresh, empty set of stores for one subtest.
type Factory func(t *testing.T) Stores

// Base is the reference instant of the suite. Whole seconds keep the
// comparisons valid for backends that store millisecond precision.
var Base = time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

const concurrency = 16

// Run executes the full behaviour suite.
func Run(t *testing.T, factory Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, factory(t).Clients) })
	t.Run("CodeLifecycle", func(t *testing.T) { testCodeLifecycle(t, factory(t).Codes) })
	t.Run("CodeRedeemWrongClient", func(t *testing.T) { testCodeWrongClient(t, factory(t).Codes) })
	t.Run("CodeExpired", func(t *testing.T) { testCodeExpired(t, factory(t).Codes) })
	t.Run("CodeActivationSupersedes", func(t *testing.T) { testActivationSupersedes(t, factory(t).Codes) })
	t.Run("CodeActivationOnlyOnce", func(t *testing.T) { testActivationOnlyOnce(t, factory(t).Codes) })
	t.Run("CodeImplicitActivation", func(t *testing.T) { testImplicitActivation(t, factory(t).Codes) })
	t.Run("CodeRevoke", func(t *testing.T) { testCodeRevoke(t, factory(t).Codes) })
	t.Run("CodeConcurrentRedeem", func(t *testing.T) { testConcurrentCodeRedeem(t, factory(t).Codes) })
	t.Run("AccessTokens", func(t *testing.T) { testAccessTokens(t, factory(t).Tokens) })
	t.Run("RefreshRedeem", func(t *testing.T) { testRefreshRedeem(t, factory(t).Tokens) })
	t.Run("RefreshExpired", func(t *testing.T) { testRefreshExpired(t, factory(t).Tokens) })
	t.Run("RefreshConcurrentRedeem", func(t *testing.T) { testConcurrentRefreshRedeem(t, factory(t).Tokens) })
	t.Run("RevokeTokensForSubject", func(t *testing.T) { testRevokeForSubject(t, factory(t).Tokens) })
}

// PendingCode returns a pending authorization request for tests.
func PendingCode(id, clientID string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		ID:                  id,
		ClientID:            clientID,
		ResponseType:        "code",
		RedirectURI:         "https://app.example.com/callback",
		Scope:               "read write",
		State:               "xyz",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		CreatedAt:           Base,
		ExpiresAt:           Base.Add(10 * time.Minute),
	}
}

func activation(user, code string) storage.CodeActivation {
	return storage.CodeActivation{UserID: user, Scope: "read", Code: code, ExpiresAt: Base.Add(6 * time.Minute)}
}

func testClients(t *testing.T, store storage.ClientStore) {
	ctx := context.Background()

	_, err := store.GetClient(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrClientNotFound)

	client := &storage.Client{
		ClientID:      "b-client",
		Name:          "Billing",
		SecretHash:    "$2a$10$hash",
		ClientProfile: storage.ClientProfileWeb,
		ClientType:    storage.ClientTypeConfidential,
		Internal:      true,
		RedirectURIs:  []string{"https://billing.example.com/cb"},
		Scope:         "read write",
		Grants:        []string{"authorization_code", "client_credentials"},
		Domain:        "billing.example.com",
		CreatedAt:     Base,
		UpdatedAt:     Base,
	}
	require.NoError(t, store.SaveClient(ctx, client))
	require.NoError(t, store.SaveClient(ctx, &storage.Client{ClientID: "a-client", ClientType: storage.ClientTypePublic, CreatedAt: Base, UpdatedAt: Base}))

	got, err := store.GetClient(ctx, "b-client")
	require.NoError(t, err)
	assert.Equal(t, client.Name, got.Name)
	assert.Equal(t, client.SecretHash, got.SecretHash)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.Grants, got.Grants)
	assert.True(t, got.Internal)
	assert.False(t, got.IsRevoked())
	assert.True(t, got.CreatedAt.Equal(Base))

	got.RevokedAt = Base.Add(time.Hour)
	require.NoError(t, store.SaveClient(ctx, got))
	revoked, err := store.GetClient(ctx, "b-client")
	require.NoError(t, err)
	assert.True(t, revoked.IsRevoked())

	list, err := store.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a-client", list[0].ClientID)
	assert.Equal(t, "b-client", list[1].ClientID)
}

func testCodeLifecycle(t *testing.T, store storage.CodeStore) {
	ctx := context.Background()
	now := Base.Add(time.Minute)

	require.NoError(t, store.SaveAuthorizationCode(ctx, PendingCode("req-1", "client-1")))

	pending, err := store.GetAuthorizationCode(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, pending.IsPending())
	assert.Equal(t, "xyz", pending.State)

	_, err = store.RedeemAuthorizationCode(ctx, "client-1", "code-1", now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound, "code is unknown before activation")

	activated, err := store.ActivateAuthorizationCode(ctx, "req-1", activation("user-1", "code-1"), now)
	require.NoError(t, err)
	assert.Equal(t, "user-1", activated.UserID)
	assert.Equal(t, "read", activated.Scope)
	assert.Equal(t, "code-1", activated.Code)
	assert.True(t, activated.ExpiresAt.Equal(Base.Add(6*time.Minute)))

	_, err = store.GetAuthorizationCodeByValue(ctx, "code-unknown")
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
	for range 2 {
		found, err := store.GetAuthorizationCodeByValue(ctx, "code-1")
		require.NoError(t, err)
		assert.Equal(t, "req-1", found.ID)
		assert.False(t, found.IsRevoked(), "lookup by value must not revoke the code")
	}

	redeemed, err := store.RedeemAuthorizationCode(ctx, "client-1", "code-1", now)
	require.NoError(t, err)
	assert.Equal(t, "req-1", redeemed.ID)
	assert.Equal(t, "https://app.example.com/callback", redeemed.RedirectURI)
	assert.Equal(t, "S256", redeemed.CodeChallengeMethod)
	assert.True(t, redeemed.IsRevoked())

	_, err = store.RedeemAuthorizationCode(ctx, "client-1", "code-1", now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeRevoked)

	found, err := store.GetAuthorizationCodeByValue(ctx, "code-1")
	require.NoError(t, err)
	assert.True(t, found.IsRevoked())
}

func testCodeWrongClient(t *testing.T, store storage.CodeStore) {
	ctx := context.Background()
	now := Base.Add(time.Minute)

	require.NoError(t, store.SaveAuthorizationCode(ctx, PendingCode("req-1", "client-1")))
	_, err := store.ActivateAuthorizationCode(ctx, "req-1", activation("user-1", "code-1"), now)
	require.NoError(t, err)

	_, err = store.RedeemAuthorizationCode(ctx, "client-2", "code-1", now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	_, err = store.RedeemAuthorizationCode(ctx, "client-1", "code-1", now)
	require.NoError(t, err, "a lookup by another client must not burn the code")
}

func testCodeExpired(t *testing.T, store storage.CodeStore) {
	ctx := context.Background()

	require.NoError(t, store.SaveAuthorizationCode(ctx, PendingCode("req-1", "client-1")))
	act := activation("user-1", "code-1")
	_, err := store.ActivateAuthorizationCode(ctx, "req-1", act, Base.Add(time.Minute))
	require.NoError(t, err)

	_, err = store.RedeemAuthorizationCode(ctx, "client-1", "code-1", act.ExpiresAt)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeExpired, "expiry is inclusive of the expiry instant")

	_, err = store.RedeemAuthorizationCode(ctx, "client-1", "code-1", act.ExpiresAt)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeRevoked, "expired codes are revoked by the expiry check")

	require.NoError(t, store.SaveAuthorizationCode(ctx, PendingCode("req-2", "client-1")))
	_, err = store.ActivateAuthorizationCode(ctx, "req-2", activation("user-1", "code-2"), Base.Add(10*time.Minute))
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeExpired)
}

func testActivationSupersedes(t *testing.T, store storage.CodeStore) {
	ctx := context.Background()
	now := Base.Add(time.Minute)

	for i, user := range []string{"user-1", "user-1", "user-2"} {
		id := fmt.Sprintf("req-%d", i)
		require.NoError(t, store.SaveAuthorizationCode(ctx, PendingCode(id, "client-1")))
		_, err := store.ActivateAuthorizationCode(ctx, id, activation(user, fmt.Sprintf("code-%d", i)), now)
		require.NoError(t, err)
	}

	_, err := store.RedeemAuthorizationCode(ctx, "client-1", "code-0", now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeRevoked, "older code of the same user is revoked")

	_, err = store.RedeemAuthorizationCode(ctx, "client-1", "code-1", now)
	require.NoError(t, err)

	_, err = store.RedeemAuthorizationCode(ctx, "client-1", "code-2", now)
	require.NoError(t, err, "codes of other users are untouched")
}

func testActivationOnlyOnce(t *testing.T, store storage.CodeStore) {
	ctx := context.Background()
	now := Base.Add(time.Minute)

	_, err := store.ActivateAuthorizationCode(ctx, "missing", activation("user-1", "code-x"), now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)

	require.NoError(t, store.SaveAuthorizationCode(ctx, PendingCode("req-1", "client-1")))
	_, err = store.ActivateAuthorizationCode(ctx, "req-1", activation("user-1", "code-1"), now)
	require.NoError(t, err)

	_, err = store.ActivateAuthorizationCode(ctx, "req-1", activation("user-2", "code-2"), now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeRevoked)

	_, err = store.RedeemAuthorizationCode(ctx, "client-1", "code-2", now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func testImplicitActivation(t *testing.T, store storage.CodeStore) {
	ctx := context.Background()
	now := Base.Add(time.Minute)

	req := PendingCode("req-1", "client-1")
	req.ResponseType = "token"
	require.NoError(t, store.SaveAuthorizationCode(ctx, req))

	act := activation("user-1", "")
	got, err := store.ActivateAuthorizationCode(ctx, "req-1", act, now)
	require.NoError(t, err)
	assert.True(t, got.IsRevoked(), "implicit activation consumes the request")

	_, err = store.ActivateAuthorizationCode(ctx, "req-1", act, now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeRevoked)
}

func testCodeRevoke(t *testing.T, store storage.CodeStore) {
	ctx := context.Background()
	now := Base.Add(time.Minute)

	require.ErrorIs(t, store.RevokeAuthorizationCode(ctx, "missing", now), storage.ErrAuthorizationCodeNotFound)

	require.NoError(t, store.SaveAuthorizationCode(ctx, PendingCode("req-1", "client-1")))
	require.NoError(t, store.RevokeAuthorizationCode(ctx, "req-1", now))
	require.ErrorIs(t, store.RevokeAuthorizationCode(ctx, "req-1", now), storage.ErrAuthorizationCodeRevoked)

	_, err := store.ActivateAuthorizationCode(ctx, "req-1", activation("user-1", "code-1"), now)
	require.ErrorIs(t, err, storage.ErrAuthorizationCodeRevoked, "denied requests cannot be approved")
}

func testConcurrentCodeRedeem(t *testing.T, store storage.CodeStore) {
	ctx := context.Background()
	now := Base.Add(time.Minute)

	require.NoError(t, store.SaveAuthorizationCode(ctx, PendingCode("req-1", "client-1")))
	_, err := store.ActivateAuthorizationCode(ctx, "req-1", activation("user-1", "code-1"), now)
	require.NoError(t, err)

	var successes, revoked atomic.Int32
	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			_, err := store.RedeemAuthorizationCode(ctx, "client-1", "code-1", now)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeRevoked):
				revoked.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, successes.Load(), "exactly one redemption must succeed")
	assert.EqualValues(t, concurrency-1, revoked.Load())
}

func accessToken(id, subject, clientID string) *storage.AccessToken {
	return &storage.AccessToken{
		ID:        id,
		Subject:   subject,
		ClientID:  clientID,
		Scope:     "read",
		Grant:     "password",
		UserAgent: "test-agent/1.0",
		CreatedAt: Base,
		ExpiresAt: Base.Add(time.Hour),
	}
}

func refreshToken(id, accessID, subject, clientID string) *storage.RefreshToken {
	return &storage.RefreshToken{
		ID:            id,
		AccessTokenID: accessID,
		Subject:       subject,
		ClientID:      clientID,
		Scope:         "read",
		CreatedAt:     Base,
		ExpiresAt:     Base.Add(24 * time.Hour),
	}
}

func testAccessTokens(t *testing.T, store storage.TokenStore) {
	ctx := context.Background()

	_, err := store.GetAccessToken(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
	require.ErrorIs(t, store.RevokeAccessToken(ctx, "missing", Base), storage.ErrTokenNotFound)

	require.NoError(t, store.SaveAccessToken(ctx, accessToken("at-1", "user-1", "client-1")))
	got, err := store.GetAccessToken(ctx, "at-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.Subject)
	assert.Equal(t, "password", got.Grant)
	assert.Equal(t, "test-agent/1.0", got.UserAgent)
	assert.True(t, got.IsActive(Base))
	assert.False(t, got.IsActive(Base.Add(time.Hour)))

	revokedAt := Base.Add(time.Minute)
	require.NoError(t, store.RevokeAccessToken(ctx, "at-1", revokedAt))
	require.NoError(t, store.RevokeAccessToken(ctx, "at-1", revokedAt.Add(time.Minute)), "revoking twice is not an error")

	got, err = store.GetAccessToken(ctx, "at-1")
	require.NoError(t, err)
	assert.True(t, got.RevokedAt.Equal(revokedAt), "first revocation time is kept")
	assert.False(t, got.IsActive(Base))
}

func testRefreshRedeem(t *testing.T, store storage.TokenStore) {
	ctx := context.Background()
	now := Base.Add(time.Hour)

	rt := refreshToken("rt-1", "at-1", "user-1", "client-1")
	rt.Attempts = []storage.RefreshAttempt{{IP: "192.0.2.1", UserAgent: "first", AttemptedAt: Base}}
	require.NoError(t, store.SaveRefreshToken(ctx, rt))

	got, err := store.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, "192.0.2.1", got.Attempts[0].IP)

	attempt := storage.RefreshAttempt{IP: "198.51.100.7", UserAgent: "curl/8", AttemptedAt: now}
	redeemed, err := store.RedeemRefreshToken(ctx, "rt-1", attempt, now)
	require.NoError(t, err)
	assert.Equal(t, "at-1", redeemed.AccessTokenID)
	assert.True(t, redeemed.RevokedAt.Equal(now))
	require.Len(t, redeemed.Attempts, 2)
	assert.Equal(t, "198.51.100.7", redeemed.Attempts[1].IP)
	assert.Equal(t, "curl/8", redeemed.Attempts[1].UserAgent)
	assert.True(t, redeemed.Attempts[1].AttemptedAt.Equal(now))

	_, err = store.RedeemRefreshToken(ctx, "rt-1", attempt, now)
	require.ErrorIs(t, err, storage.ErrTokenRevoked)

	_, err = store.RedeemRefreshToken(ctx, "missing", attempt, now)
	require.ErrorIs(t, err, storage.ErrTokenNotFound)

	require.NoError(t, store.SaveRefreshToken(ctx, refreshToken("rt-2", "at-2", "user-1", "client-1")))
	require.NoError(t, store.RevokeRefreshToken(ctx, "rt-2", now))
	require.NoError(t, store.RevokeRefreshToken(ctx, "rt-2", now))
	_, err = store.RedeemRefreshToken(ctx, "rt-2", attempt, now)
	require.ErrorIs(t, err, storage.ErrTokenRevoked)
}

func testRefreshExpired(t *testing.T, store storage.TokenStore) {
	ctx := context.Background()

	rt := refreshToken("rt-1", "at-1", "user-1", "client-1")
	require.NoError(t, store.SaveRefreshToken(ctx, rt))

	_, err := store.RedeemRefreshToken(ctx, "rt-1", storage.RefreshAttempt{AttemptedAt: rt.ExpiresAt}, rt.ExpiresAt)
	require.ErrorIs(t, err, storage.ErrTokenExpired)

	got, err := store.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.True(t, got.RevokedAt.IsZero(), "expired tokens are not mutated")
	assert.Empty(t, got.Attempts)
}

func testConcurrentRefreshRedeem(t *testing.T, store storage.TokenStore) {
	ctx := context.Background()
	now := Base.Add(time.Hour)

	require.NoError(t, store.SaveRefreshToken(ctx, refreshToken("rt-1", "at-1", "user-1", "client-1")))

	var successes atomic.Int32
	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			_, err := store.RedeemRefreshToken(ctx, "rt-1", storage.RefreshAttempt{IP: fmt.Sprintf("192.0.2.%d", i), AttemptedAt: now}, now)
			if err == nil {
				successes.Add(1)
				return nil
			}
			if errors.Is(err, storage.ErrTokenRevoked) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, successes.Load(), "exactly one redemption must succeed")

	got, err := store.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.Len(t, got.Attempts, 1, "losers must not append attempts")
}

func testRevokeForSubject(t *testing.T, store storage.TokenStore) {
	ctx := context.Background()
	now := Base.Add(time.Minute)

	require.NoError(t, store.SaveAccessToken(ctx, accessToken("at-1", "user-1", "client-1")))
	require.NoError(t, store.SaveAccessToken(ctx, accessToken("at-2", "user-1", "client-1")))
	require.NoError(t, store.SaveAccessToken(ctx, accessToken("at-3", "user-1", "client-2")))
	require.NoError(t, store.SaveAccessToken(ctx, accessToken("at-4", "user-2", "client-1")))
	require.NoError(t, store.SaveRefreshToken(ctx, refreshToken("rt-1", "at-1", "user-1", "client-1")))

	already := accessToken("at-5", "user-1", "client-1")
	already.RevokedAt = Base
	require.NoError(t, store.SaveAccessToken(ctx, already))

	n, err := store.RevokeTokensForSubject(ctx, "user-1", "client-1", now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for id, wantActive := range map[string]bool{"at-1": false, "at-2": false, "at-3": true, "at-4": true} {
		got, err := store.GetAccessToken(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, wantActive, got.IsActive(now), id)
	}
	rt, err := store.GetRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.False(t, rt.IsActive(now))

	n, err = store.RevokeTokensForSubject(ctx, "user-1", "client-1", now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
