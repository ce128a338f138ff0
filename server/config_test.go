package server

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-server/storage"
)

func TestTokenPolicy_For(t *testing.T) {
	p := DefaultTokenPolicy()
	const day = 24 * time.Hour

	tests := []struct {
		clientType  string
		internal    bool
		wantAccess  time.Duration
		wantRefresh time.Duration
	}{
		{storage.ClientTypeConfidential, true, 24 * time.Hour, 360 * day},
		{storage.ClientTypeConfidential, false, 12 * time.Hour, 30 * day},
		{storage.ClientTypePublic, true, 2 * time.Hour, 30 * day},
		{storage.ClientTypePublic, false, time.Hour, 7 * day},
	}

	for _, tt := range tests {
		got := p.For(tt.clientType, tt.internal)
		if got.AccessToken != tt.wantAccess || got.RefreshToken != tt.wantRefresh {
			t.Errorf("For(%s, %v) = %+v, want access %v refresh %v",
				tt.clientType, tt.internal, got, tt.wantAccess, tt.wantRefresh)
		}
	}
}

func TestTokenPolicy_ApplyDefaults(t *testing.T) {
	p := TokenPolicy{PublicExternal: Lifetimes{AccessToken: 5 * time.Minute}}
	p.applyDefaults()

	if p.PublicExternal.AccessToken != 5*time.Minute {
		t.Errorf("configured access lifetime overwritten: %v", p.PublicExternal.AccessToken)
	}
	if p.PublicExternal.RefreshToken != 7*24*time.Hour {
		t.Errorf("refresh lifetime = %v, want default", p.PublicExternal.RefreshToken)
	}
	if p.ConfidentialInternal != DefaultTokenPolicy().ConfidentialInternal {
		t.Errorf("ConfidentialInternal = %+v, want default", p.ConfidentialInternal)
	}
}

func TestApplySecureDefaults(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	cfg, err := applySecureDefaults(&Config{
		Issuer:        "https://auth.example.com/",
		SigningSecret: testSecret,
	}, logger)
	if err != nil {
		t.Fatalf("applySecureDefaults() error = %v", err)
	}

	if cfg.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q", cfg.Issuer)
	}
	if cfg.SigningAlgorithm != "HS512" {
		t.Errorf("SigningAlgorithm = %q, want HS512", cfg.SigningAlgorithm)
	}
	if !bytes.Equal(cfg.ClientSecretKey, testSecret) {
		t.Error("ClientSecretKey should default to the signing secret")
	}
	if cfg.AuthorizationCodeTTL != 5*time.Minute {
		t.Errorf("AuthorizationCodeTTL = %v, want 5m", cfg.AuthorizationCodeTTL)
	}
	if cfg.ConsentURL != "https://auth.example.com/oauth/consent" {
		t.Errorf("ConsentURL = %q", cfg.ConsentURL)
	}
	if cfg.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", cfg.TrustedProxyCount)
	}
	if cfg.TokenPolicy != DefaultTokenPolicy() {
		t.Errorf("TokenPolicy = %+v, want defaults", cfg.TokenPolicy)
	}
}

func TestApplySecureDefaults_SigningKeys(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing issuer",
			cfg:     Config{SigningSecret: testSecret},
			wantErr: "issuer is required",
		},
		{
			name:    "short secret",
			cfg:     Config{Issuer: testIssuer, SigningSecret: []byte("short")},
			wantErr: "at least 32 bytes",
		},
		{
			name:    "unknown hmac algorithm",
			cfg:     Config{Issuer: testIssuer, SigningAlgorithm: "HS1", SigningSecret: testSecret},
			wantErr: "unsupported signing algorithm",
		},
		{
			name:    "unknown algorithm",
			cfg:     Config{Issuer: testIssuer, SigningAlgorithm: "none", SigningKey: ecKey},
			wantErr: "unsupported signing algorithm",
		},
		{
			name:    "asymmetric without key",
			cfg:     Config{Issuer: testIssuer, SigningAlgorithm: "RS256", ClientSecretKey: testSecret},
			wantErr: "signing key is required",
		},
		{
			name:    "key type mismatch",
			cfg:     Config{Issuer: testIssuer, SigningAlgorithm: "RS256", SigningKey: ecKey, ClientSecretKey: testSecret},
			wantErr: "does not match",
		},
		{
			name:    "asymmetric without client secret key",
			cfg:     Config{Issuer: testIssuer, SigningAlgorithm: "ES256", SigningKey: ecKey},
			wantErr: "client secret key is required",
		},
		{
			name: "rsa",
			cfg:  Config{Issuer: testIssuer, SigningAlgorithm: "PS256", SigningKey: rsaKey, ClientSecretKey: testSecret},
		},
		{
			name: "ecdsa",
			cfg:  Config{Issuer: testIssuer, SigningAlgorithm: "ES256", SigningKey: ecKey, ClientSecretKey: testSecret},
		},
		{
			name: "ed25519",
			cfg:  Config{Issuer: testIssuer, SigningAlgorithm: "EdDSA", SigningKey: edKey, ClientSecretKey: testSecret},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applySecureDefaults(&tt.cfg, logger)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	tests := []struct {
		name                string
		config              *Config
		expectedWarnings    []string
		notExpectedWarnings []string
	}{
		{
			name:             "public clients without PKCE",
			config:           &Config{Issuer: testIssuer, AllowPublicClientsWithoutPKCE: true, DisallowPKCEPlain: true},
			expectedWarnings: []string{"public clients may skip PKCE"},
		},
		{
			name:             "implicit flow",
			config:           &Config{Issuer: testIssuer, AllowImplicitFlow: true, DisallowPKCEPlain: true},
			expectedWarnings: []string{"implicit flow is ENABLED"},
		},
		{
			name:             "trust proxy",
			config:           &Config{Issuer: testIssuer, TrustProxy: true, DisallowPKCEPlain: true},
			expectedWarnings: []string{"SECURITY NOTICE: Trusting proxy headers"},
		},
		{
			name:             "plain issuer",
			config:           &Config{Issuer: "http://auth.example.com", DisallowPKCEPlain: true},
			expectedWarnings: []string{"issuer is not an HTTPS URL"},
		},
		{
			name:             "plain PKCE accepted",
			config:           &Config{Issuer: testIssuer},
			expectedWarnings: []string{"PKCE plain method is accepted"},
		},
		{
			name:                "secure config",
			config:              &Config{Issuer: testIssuer, DisallowPKCEPlain: true},
			notExpectedWarnings: []string{"WARNING", "NOTICE", "plain"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			logSecurityWarnings(tt.config, logger)

			logOutput := buf.String()
			for _, expected := range tt.expectedWarnings {
				if !strings.Contains(logOutput, expected) {
					t.Errorf("Expected warning %q not found in log output", expected)
				}
			}
			for _, notExpected := range tt.notExpectedWarnings {
				if strings.Contains(logOutput, notExpected) {
					t.Errorf("Unexpected warning %q found in log output", notExpected)
				}
			}
		})
	}
}
