package server

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-server/internal/testutil"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/mock"
)

func TestClientTypeFor(t *testing.T) {
	tests := []struct {
		profile string
		want    string
		wantErr bool
	}{
		{storage.ClientProfileWeb, storage.ClientTypeConfidential, false},
		{storage.ClientProfileUserAgentBased, storage.ClientTypePublic, false},
		{storage.ClientProfileNative, storage.ClientTypePublic, false},
		{"desktop", "", true},
	}
	for _, tt := range tests {
		got, err := ClientTypeFor(tt.profile)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ClientTypeFor(%q) = (%q, %v), want %q", tt.profile, got, err, tt.want)
		}
		if tt.wantErr && !errors.Is(err, ErrUnknownClientProfile) {
			t.Errorf("ClientTypeFor(%q) error = %v, want ErrUnknownClientProfile", tt.profile, err)
		}
	}
}

func TestDeriveGrants(t *testing.T) {
	tests := []struct {
		clientType string
		internal   bool
		want       []string
	}{
		{storage.ClientTypeConfidential, true, []string{"authorization_code", "password", "client_credentials", "refresh_token"}},
		{storage.ClientTypeConfidential, false, []string{"authorization_code", "refresh_token"}},
		{storage.ClientTypePublic, true, []string{"authorization_code", "password"}},
		{storage.ClientTypePublic, false, []string{"authorization_code"}},
	}
	for _, tt := range tests {
		if got := DeriveGrants(tt.clientType, tt.internal); !slices.Equal(got, tt.want) {
			t.Errorf("DeriveGrants(%s, %v) = %v, want %v", tt.clientType, tt.internal, got, tt.want)
		}
	}
}

func TestClientRegistry_Register(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("confidential", func(t *testing.T) {
		client, secret := env.register(t, storage.ClientProfileWeb, false, "read  write")

		testutil.AssertEqual(t, client.ClientType, storage.ClientTypeConfidential)
		testutil.AssertEqual(t, client.Scope, "read write")
		testutil.AssertEqual(t, secret, env.srv.Clients().DeriveSecret(client.ClientID))
		if len(secret) != 128 {
			t.Errorf("secret length = %d, want 128 hex characters", len(secret))
		}
		if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), secretDigest(secret)); err != nil {
			t.Errorf("secret hash does not match secret: %v", err)
		}

		stored, err := env.store.GetClient(ctx, client.ClientID)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, stored.SecretHash, client.SecretHash)
		if !slices.Equal(stored.Grants, []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}) {
			t.Errorf("grants = %v", stored.Grants)
		}
	})

	t.Run("public", func(t *testing.T) {
		client, secret := env.register(t, storage.ClientProfileNative, true, "read")
		testutil.AssertEqual(t, client.ClientType, storage.ClientTypePublic)
		testutil.AssertEqual(t, secret, "")
		testutil.AssertEqual(t, client.SecretHash, "")
	})

	tests := []struct {
		name string
		reg  ClientRegistration
	}{
		{"unknown profile", ClientRegistration{Profile: "desktop"}},
		{"relative redirect", ClientRegistration{Profile: storage.ClientProfileWeb, RedirectURIs: []string{"/callback"}}},
		{"fragment", ClientRegistration{Profile: storage.ClientProfileWeb, RedirectURIs: []string{"https://a.example.com/cb#x"}}},
		{"web without host", ClientRegistration{Profile: storage.ClientProfileWeb, RedirectURIs: []string{"com.example.app:/cb"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := env.srv.Clients().Register(ctx, tt.reg); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	t.Run("native custom scheme", func(t *testing.T) {
		_, _, err := env.srv.Clients().Register(ctx, ClientRegistration{
			Profile:      storage.ClientProfileNative,
			RedirectURIs: []string{"com.example.app:/cb"},
		})
		testutil.AssertNoError(t, err)
	})
}

func TestClientRegistry_SupportedScopes(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.SupportedScopes = []string{"read", "write"} })
	ctx := context.Background()

	_, _, err := env.srv.Clients().Register(ctx, ClientRegistration{Profile: storage.ClientProfileWeb, Scope: "read"})
	testutil.AssertNoError(t, err)

	_, _, err = env.srv.Clients().Register(ctx, ClientRegistration{Profile: storage.ClientProfileWeb, Scope: "read admin"})
	testutil.AssertError(t, err)
}

func TestClientRegistry_Authenticate(t *testing.T) {
	env := newTestEnv(t)
	confidential, secret := env.register(t, storage.ClientProfileWeb, true, "read")
	public, _ := env.register(t, storage.ClientProfileUserAgentBased, false, "read")
	reg := env.srv.Clients()

	if !reg.Authenticate(confidential, secret) {
		t.Error("valid secret rejected")
	}
	if reg.Authenticate(confidential, "") {
		t.Error("empty secret accepted")
	}
	if reg.Authenticate(confidential, strings.Repeat("0", len(secret))) {
		t.Error("wrong secret accepted")
	}
	tampered := secret[:len(secret)-1] + "x"
	if reg.Authenticate(confidential, tampered) {
		t.Error("secret differing after the first 72 bytes accepted")
	}
	if !reg.Authenticate(public, "") {
		t.Error("public clients authenticate without a secret")
	}

	// A secret derived with another key does not match.
	other := newTestEnv(t, func(c *Config) { c.ClientSecretKey = []byte("another-client-secret-key-of-32-bytes") })
	if reg.Authenticate(confidential, other.srv.Clients().DeriveSecret(confidential.ClientID)) {
		t.Error("secret derived with another key accepted")
	}
}

func TestClientRegistry_Revoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, _ := env.register(t, storage.ClientProfileWeb, true, "read")

	revoked, err := env.srv.Clients().Revoke(ctx, client.ClientID)
	testutil.AssertNoError(t, err)
	if !revoked.IsRevoked() {
		t.Fatal("client not revoked")
	}

	stored, err := env.srv.Clients().Resolve(ctx, client.ClientID)
	testutil.AssertNoError(t, err)
	if !stored.IsRevoked() {
		t.Error("revocation not persisted")
	}

	again, err := env.srv.Clients().Revoke(ctx, client.ClientID)
	testutil.AssertNoError(t, err)
	testutil.AssertTimeEqual(t, again.RevokedAt, revoked.RevokedAt, 0)

	if _, err := env.srv.Clients().Revoke(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("Revoke(missing) error = %v", err)
	}

	clients, err := env.srv.Clients().List(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(clients), 1)
}

func TestClientRegistry_ResolveReturnsCopies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client, _ := env.register(t, storage.ClientProfileWeb, true, "read")

	first, err := env.srv.Clients().Resolve(ctx, client.ClientID)
	testutil.AssertNoError(t, err)
	first.Scope = "mutated"

	second, err := env.srv.Clients().Resolve(ctx, client.ClientID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, second.Scope, "read")
}

func TestClientRegistry_ResolveConcurrent(t *testing.T) {
	store := mock.New()
	srv, err := New(store, store, store, nil, &Config{Issuer: testIssuer, SigningSecret: testSecret}, nil)
	testutil.AssertNoError(t, err)

	client, _, err := srv.Clients().Register(context.Background(), ClientRegistration{Profile: storage.ClientProfileWeb})
	testutil.AssertNoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := srv.Clients().Resolve(context.Background(), client.ClientID); err != nil {
				t.Errorf("Resolve() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := store.CallCount("GetClient"); n < 1 || n > 20 {
		t.Errorf("GetClient called %d times", n)
	}
}

func TestClientRegistry_ResolveIgnoresCancellation(t *testing.T) {
	store := mock.New()
	srv, err := New(store, store, store, nil, &Config{Issuer: testIssuer, SigningSecret: testSecret}, nil)
	testutil.AssertNoError(t, err)

	client, _, err := srv.Clients().Register(context.Background(), ClientRegistration{Profile: storage.ClientProfileWeb})
	testutil.AssertNoError(t, err)

	// Lookups are shared between callers, so one caller going away must
	// not fail the lookup for the others.
	store.GetClientFunc = func(ctx context.Context, clientID string) (*storage.Client, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return store.Backend().GetClient(ctx, clientID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := srv.Clients().Resolve(ctx, client.ClientID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.ClientID, client.ClientID)
}
