package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-server/internal/testutil"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/memory"
	"github.com/giantswarm/oauth-server/storage/mock"
)

func TestServer_Token_ClientValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	confidential, secret := env.register(t, storage.ClientProfileWeb, true, "read")
	public, _ := env.register(t, storage.ClientProfileNative, false, "read")
	revoked, revokedSecret := env.register(t, storage.ClientProfileWeb, true, "read")
	if _, err := env.srv.Clients().Revoke(ctx, revoked.ClientID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  TokenRequest
		want ErrorCode
	}{
		{
			name: "missing grant type",
			req:  TokenRequest{ClientID: confidential.ClientID, ClientSecret: secret},
			want: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown grant type",
			req:  TokenRequest{GrantType: "urn:ietf:params:oauth:grant-type:device_code", ClientID: confidential.ClientID},
			want: ErrorCodeUnsupportedGrantType,
		},
		{
			name: "missing client id",
			req:  TokenRequest{GrantType: GrantTypeClientCredentials},
			want: ErrorCodeInvalidRequest,
		},
		{
			name: "unknown client",
			req:  TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: "nope", ClientSecret: secret},
			want: ErrorCodeInvalidClient,
		},
		{
			name: "wrong secret",
			req:  TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: confidential.ClientID, ClientSecret: "wrong"},
			want: ErrorCodeInvalidClient,
		},
		{
			name: "missing secret",
			req:  TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: confidential.ClientID},
			want: ErrorCodeInvalidClient,
		},
		{
			name: "revoked client",
			req:  TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: revoked.ClientID, ClientSecret: revokedSecret},
			want: ErrorCodeAccessDenied,
		},
		{
			name: "public client credentials",
			req:  TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: public.ClientID},
			want: ErrorCodeUnauthorizedClient,
		},
		{
			name: "public external password",
			req:  TokenRequest{GrantType: GrantTypePassword, ClientID: public.ClientID, Username: testUsername, Password: testPassword},
			want: ErrorCodeUnauthorizedClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Token(ctx, tt.req)
			assertOAuthError(t, err, tt.want)
		})
	}
}

func TestServer_AuthorizationCodeGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, secret := env.register(t, storage.ClientProfileWeb, false, "read write")
	challenge, verifier := testutil.GeneratePKCEPair()

	code := env.authorize(t, client, "", challenge)
	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
		UserAgent:    "test-agent",
	}

	tokens, err := env.srv.Token(ctx, req)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, tokens.TokenType, TokenTypeBearer)
	testutil.AssertEqual(t, tokens.ExpiresIn, int64(12*60*60))
	testutil.AssertEqual(t, tokens.Scope, "read write")
	if tokens.RefreshToken == "" {
		t.Fatal("confidential clients with the refresh_token grant receive a refresh token")
	}

	info, err := env.srv.Verify(ctx, tokens.AccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, info.Subject, testUserID)
	testutil.AssertEqual(t, info.ClientID, client.ClientID)
	testutil.AssertEqual(t, info.Grant, GrantTypeAuthorizationCode)

	record, err := env.store.GetAccessToken(ctx, tokens.AccessTokenID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, record.UserAgent, "test-agent")

	// Codes are single use.
	_, err = env.srv.Token(ctx, req)
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestServer_AuthorizationCodeGrant_Failures(t *testing.T) {
	challenge, verifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name   string
		mutate func(req *TokenRequest, env *testEnv)
		want   ErrorCode
		// retry reports whether the untouched request still succeeds
		// afterwards, i.e. the failure did not consume the code.
		retry bool
	}{
		{
			name:   "missing code",
			mutate: func(req *TokenRequest, _ *testEnv) { req.Code = "" },
			want:   ErrorCodeInvalidRequest,
			retry:  true,
		},
		{
			name:   "unknown code",
			mutate: func(req *TokenRequest, _ *testEnv) { req.Code = "not-a-code" },
			want:   ErrorCodeInvalidGrant,
			retry:  true,
		},
		{
			name:   "redirect uri mismatch",
			mutate: func(req *TokenRequest, _ *testEnv) { req.RedirectURI = "https://evil.example.com/cb" },
			want:   ErrorCodeInvalidGrant,
			retry:  true,
		},
		{
			name:   "missing verifier",
			mutate: func(req *TokenRequest, _ *testEnv) { req.CodeVerifier = "" },
			want:   ErrorCodeInvalidRequest,
			retry:  true,
		},
		{
			name: "wrong verifier",
			mutate: func(req *TokenRequest, _ *testEnv) {
				_, other := testutil.GeneratePKCEPair()
				req.CodeVerifier = other
			},
			want:  ErrorCodeInvalidGrant,
			retry: true,
		},
		{
			name:   "expired code",
			mutate: func(_ *TokenRequest, env *testEnv) { env.clock.Advance(DefaultAuthorizationCodeTTL) },
			want:   ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			client, secret := env.register(t, storage.ClientProfileWeb, false, "read")
			req := TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				ClientID:     client.ClientID,
				ClientSecret: secret,
				Code:         env.authorize(t, client, "read", challenge),
				RedirectURI:  testRedirectURI,
				CodeVerifier: verifier,
			}
			valid := req
			tt.mutate(&req, env)

			_, err := env.srv.Token(context.Background(), req)
			assertOAuthError(t, err, tt.want)

			_, err = env.srv.Token(context.Background(), valid)
			if tt.retry {
				testutil.AssertNoError(t, err)
			} else {
				testutil.AssertError(t, err)
			}
		})
	}
}

func TestServer_AuthorizationCodeGrant_OtherClientsCode(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.register(t, storage.ClientProfileNative, false, "read")
	thief, thiefSecret := env.register(t, storage.ClientProfileWeb, false, "read")
	challenge, verifier := testutil.GeneratePKCEPair()

	code := env.authorize(t, owner, "read", challenge)
	_, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     thief.ClientID,
		ClientSecret: thiefSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     owner.ClientID,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
	testutil.AssertNoError(t, err)
}

func TestServer_AuthorizationCodeGrant_RepeatedVerifierFailures(t *testing.T) {
	env := newTestEnv(t)
	client, _ := env.register(t, storage.ClientProfileNative, false, "read")
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, client, "read", challenge)

	exchange := func(verifier string) error {
		_, err := env.srv.Token(context.Background(), TokenRequest{
			GrantType:    GrantTypeAuthorizationCode,
			ClientID:     client.ClientID,
			Code:         code,
			RedirectURI:  testRedirectURI,
			CodeVerifier: verifier,
		})
		return err
	}

	for range 3 {
		_, guess := testutil.GeneratePKCEPair()
		assertOAuthError(t, exchange(guess), ErrorCodeInvalidGrant)
	}
	testutil.AssertNoError(t, exchange(verifier))
	assertOAuthError(t, exchange(verifier), ErrorCodeInvalidGrant)
}

func TestServer_AuthorizationCodeGrant_PublicClient(t *testing.T) {
	env := newTestEnv(t)
	client, _ := env.register(t, storage.ClientProfileNative, false, "read")
	challenge, verifier := testutil.GeneratePKCEPair()

	tokens, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         env.authorize(t, client, "read", challenge),
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, tokens.ExpiresIn, int64(60*60))
	testutil.AssertEqual(t, tokens.RefreshToken, "")
}

func TestServer_ClientCredentialsGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, secret := env.register(t, storage.ClientProfileWeb, true, "read write")

	tests := []struct {
		name      string
		scope     string
		wantScope string
		wantErr   ErrorCode
	}{
		{name: "client scope by default", scope: "", wantScope: "read write"},
		{name: "narrowed", scope: "write", wantScope: "write"},
		{name: "partly outside", scope: "write admin", wantScope: "write"},
		{name: "outside", scope: "admin", wantErr: ErrorCodeInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := env.srv.Token(ctx, TokenRequest{
				GrantType:    GrantTypeClientCredentials,
				ClientID:     client.ClientID,
				ClientSecret: secret,
				Scope:        tt.scope,
			})
			if tt.wantErr != "" {
				assertOAuthError(t, err, tt.wantErr)
				return
			}
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, tokens.Scope, tt.wantScope)
			testutil.AssertEqual(t, tokens.RefreshToken, "")
			testutil.AssertEqual(t, tokens.ExpiresIn, int64(24*60*60))

			info, err := env.srv.Verify(ctx, tokens.AccessToken)
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, info.Subject, client.ClientID)
		})
	}
}

func TestServer_ClientCredentialsGrant_EmptyScope(t *testing.T) {
	env := newTestEnv(t)
	client, secret := env.register(t, storage.ClientProfileWeb, true, "")

	_, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeClientCredentials,
		ClientID:     client.ClientID,
		ClientSecret: secret,
	})
	assertOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestServer_ClientCredentialsGrant_SupersedesPriorTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, secret := env.register(t, storage.ClientProfileWeb, true, "read")
	req := TokenRequest{GrantType: GrantTypeClientCredentials, ClientID: client.ClientID, ClientSecret: secret}

	first, err := env.srv.Token(ctx, req)
	testutil.AssertNoError(t, err)
	second, err := env.srv.Token(ctx, req)
	testutil.AssertNoError(t, err)

	_, err = env.srv.Verify(ctx, first.AccessToken)
	assertOAuthError(t, err, ErrorCodeInvalidToken)
	_, err = env.srv.Verify(ctx, second.AccessToken)
	testutil.AssertNoError(t, err)
}

func TestServer_PasswordGrant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, secret := env.register(t, storage.ClientProfileWeb, true, "read write")

	tests := []struct {
		name      string
		username  string
		password  string
		scope     string
		wantScope string
		wantErr   ErrorCode
	}{
		{name: "user and client scope intersect", username: testUsername, password: testPassword, wantScope: "read write"},
		{name: "narrowed", username: testUsername, password: testPassword, scope: "write", wantScope: "write"},
		{name: "outside client scope", username: testUsername, password: testPassword, scope: "admin", wantErr: ErrorCodeInvalidScope},
		{name: "wrong password", username: testUsername, password: "wrong", wantErr: ErrorCodeInvalidGrant},
		{name: "unknown user", username: "mallory", password: testPassword, wantErr: ErrorCodeInvalidGrant},
		{name: "missing password", username: testUsername, wantErr: ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, err := env.srv.Token(ctx, TokenRequest{
				GrantType:    GrantTypePassword,
				ClientID:     client.ClientID,
				ClientSecret: secret,
				Username:     tt.username,
				Password:     tt.password,
				Scope:        tt.scope,
			})
			if tt.wantErr != "" {
				assertOAuthError(t, err, tt.wantErr)
				return
			}
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, tokens.Scope, tt.wantScope)
			if tokens.RefreshToken == "" {
				t.Error("confidential internal clients receive refresh tokens")
			}

			info, err := env.srv.Verify(ctx, tokens.AccessToken)
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, info.Subject, testUserID)
		})
	}
}

func TestServer_PasswordGrant_UserScopeOutsideRequest(t *testing.T) {
	env := newTestEnv(t)
	client, _ := env.register(t, storage.ClientProfileNative, true, "read write delete")

	// The client may request delete but the user was never granted it.
	_, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType: GrantTypePassword,
		ClientID:  client.ClientID,
		Username:  testUsername,
		Password:  testPassword,
		Scope:     "delete",
	})
	assertOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestServer_PasswordGrant_PublicInternal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, _ := env.register(t, storage.ClientProfileNative, true, "read")
	req := TokenRequest{
		GrantType: GrantTypePassword,
		ClientID:  client.ClientID,
		Username:  testUsername,
		Password:  testPassword,
	}

	first, err := env.srv.Token(ctx, req)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, first.RefreshToken, "")
	testutil.AssertEqual(t, first.ExpiresIn, int64(2*60*60))

	_, err = env.srv.Token(ctx, req)
	testutil.AssertNoError(t, err)

	_, err = env.srv.Verify(ctx, first.AccessToken)
	assertOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestServer_PasswordGrant_NoAuthenticator(t *testing.T) {
	store := memory.New()
	srv, err := New(store, store, store, nil, &Config{Issuer: testIssuer, SigningSecret: testSecret}, nil)
	testutil.AssertNoError(t, err)

	client, secret, err := srv.Clients().Register(context.Background(), ClientRegistration{
		Profile:  storage.ClientProfileWeb,
		Internal: true,
		Scope:    "read",
	})
	testutil.AssertNoError(t, err)

	_, err = srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypePassword,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Username:     testUsername,
		Password:     testPassword,
	})
	assertOAuthError(t, err, ErrorCodeUnauthorizedClient)
}

// issueWithRefresh returns tokens from the authorization code grant of a
// confidential external client.
func issueWithRefresh(t *testing.T, env *testEnv, clientScope, scope string) (*storage.Client, string, *IssuedTokens) {
	t.Helper()
	client, secret := env.register(t, storage.ClientProfileWeb, false, clientScope)
	challenge, verifier := testutil.GeneratePKCEPair()

	tokens, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		Code:         env.authorize(t, client, scope, challenge),
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	return client, secret, tokens
}

func TestServer_RefreshTokenRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, secret, initial := issueWithRefresh(t, env, "read write admin", "read")

	refresh := func(token, scope string) (*IssuedTokens, error) {
		return env.srv.Token(ctx, TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			ClientID:     client.ClientID,
			ClientSecret: secret,
			RefreshToken: token,
			Scope:        scope,
			IP:           "192.0.2.1",
			UserAgent:    "refresher",
		})
	}

	env.clock.Advance(time.Minute)
	rotated, err := refresh(initial.RefreshToken, "write")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, rotated.Scope, "read write")
	if rotated.RefreshToken == "" || rotated.RefreshToken == initial.RefreshToken {
		t.Fatal("refresh must rotate the refresh token")
	}

	// The previous access token is revoked, the new one is valid.
	_, err = env.srv.Verify(ctx, initial.AccessToken)
	assertOAuthError(t, err, ErrorCodeInvalidToken)
	info, err := env.srv.Verify(ctx, rotated.AccessToken)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, info.Scope, "read write")

	// Reusing the old refresh token fails.
	_, err = refresh(initial.RefreshToken, "")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	// Scopes already held or outside the client scope are rejected without
	// consuming the token.
	_, err = refresh(rotated.RefreshToken, "read")
	assertOAuthError(t, err, ErrorCodeInvalidScope)
	_, err = refresh(rotated.RefreshToken, "delete")
	assertOAuthError(t, err, ErrorCodeInvalidScope)

	again, err := refresh(rotated.RefreshToken, "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, again.Scope, "read write")

	record, err := env.store.GetRefreshToken(ctx, again.RefreshTokenID)
	testutil.AssertNoError(t, err)
	if len(record.Attempts) != 2 {
		t.Fatalf("attempts = %d, want the history of both refreshes", len(record.Attempts))
	}
	testutil.AssertEqual(t, record.Attempts[0].IP, "192.0.2.1")
	testutil.AssertEqual(t, record.Attempts[1].UserAgent, "refresher")
}

func TestServer_RefreshToken_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, secret, tokens := issueWithRefresh(t, env, "read", "read")

	env.clock.Advance(DefaultTokenPolicy().ConfidentialExternal.RefreshToken)

	_, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: tokens.RefreshToken,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)

	access, err := env.store.GetAccessToken(ctx, tokens.AccessTokenID)
	testutil.AssertNoError(t, err)
	if !access.RevokedAt.IsZero() {
		t.Error("a failed refresh must not touch the access token")
	}
}

func TestServer_RefreshToken_OtherClient(t *testing.T) {
	env := newTestEnv(t)
	_, _, tokens := issueWithRefresh(t, env, "read", "read")
	other, otherSecret := env.register(t, storage.ClientProfileWeb, false, "read")

	_, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     other.ClientID,
		ClientSecret: otherSecret,
		RefreshToken: tokens.RefreshToken,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestServer_RefreshToken_AccessTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	client, secret, tokens := issueWithRefresh(t, env, "read", "read")

	_, err := env.srv.Token(context.Background(), TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: tokens.AccessToken,
	})
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestServer_ConcurrentRefreshTokenRedemption(t *testing.T) {
	env := newTestEnv(t)
	client, secret, tokens := issueWithRefresh(t, env, "read", "read")

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.srv.Token(context.Background(), TokenRequest{
				GrantType:    GrantTypeRefreshToken,
				ClientID:     client.ClientID,
				ClientSecret: secret,
				RefreshToken: tokens.RefreshToken,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successful redemptions = %d, want exactly 1", successes)
	}
}

func TestServer_ConcurrentAuthorizationCodeRedemption(t *testing.T) {
	env := newTestEnv(t)
	client, secret := env.register(t, storage.ClientProfileWeb, false, "read")
	challenge, verifier := testutil.GeneratePKCEPair()
	code := env.authorize(t, client, "read", challenge)

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []ErrorCode
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.srv.Token(context.Background(), TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				ClientID:     client.ClientID,
				ClientSecret: secret,
				Code:         code,
				RedirectURI:  testRedirectURI,
				CodeVerifier: verifier,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			var oauthErr *Error
			if errors.As(err, &oauthErr) {
				failures = append(failures, oauthErr.Code)
			} else {
				failures = append(failures, ErrorCode(err.Error()))
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successful redemptions = %d, want exactly 1", successes)
	}
	for _, got := range failures {
		if got != ErrorCodeInvalidGrant {
			t.Errorf("losing redemption error = %q, want %q", got, ErrorCodeInvalidGrant)
		}
	}
}

func TestServer_ConcurrentClientCredentialsLeaveOneLiveToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, secret := env.register(t, storage.ClientProfileWeb, true, "read")

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issued []string
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens, err := env.srv.Token(ctx, TokenRequest{
				GrantType:    GrantTypeClientCredentials,
				ClientID:     client.ClientID,
				ClientSecret: secret,
			})
			if err != nil {
				t.Errorf("Token() error = %v", err)
				return
			}
			mu.Lock()
			issued = append(issued, tokens.AccessToken)
			mu.Unlock()
		}()
	}
	wg.Wait()

	live := 0
	for _, token := range issued {
		if _, err := env.srv.Verify(ctx, token); err == nil {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("live access tokens = %d of %d, want exactly 1", live, len(issued))
	}
}

func TestServer_RefreshToken_RevokeFailure(t *testing.T) {
	store := mock.New()
	srv, err := New(store, store, store, nil, &Config{Issuer: testIssuer, SigningSecret: testSecret}, nil)
	testutil.AssertNoError(t, err)
	ctx := context.Background()

	client, secret, err := srv.Clients().Register(ctx, ClientRegistration{
		Profile:      storage.ClientProfileWeb,
		RedirectURIs: []string{testRedirectURI},
		Scope:        "read",
	})
	testutil.AssertNoError(t, err)
	initial, err := srv.issuer.Issue(ctx, client, testUserID, "read", GrantTypeAuthorizationCode, IssueOptions{})
	testutil.AssertNoError(t, err)

	store.RevokeAccessTokenFunc = func(context.Context, string, time.Time) error {
		return errors.New("connection reset")
	}
	_, err = srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: secret,
		RefreshToken: initial.RefreshToken,
	})
	assertOAuthError(t, err, ErrorCodeServerError)

	if n := store.CallCount("SaveAccessToken"); n != 1 {
		t.Errorf("SaveAccessToken called %d times, want no token issued after the failed revocation", n)
	}
	_, err = srv.Verify(ctx, initial.AccessToken)
	testutil.AssertNoError(t, err)
}
