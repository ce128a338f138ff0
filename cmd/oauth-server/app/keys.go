package app

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate keys",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	cmd.AddCommand(newKeysSigningCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate an encryption key for security.encryption_key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
			return nil
		},
	}
}

func newKeysSigningCmd() *cobra.Command {
	var alg string

	cmd := &cobra.Command{
		Use:   "signing",
		Short: "Generate a token signing key",
		Long: `Generate a token signing key. HS* algorithms print a random secret for
signing.secret; asymmetric algorithms print a PKCS#8 PEM private key for
signing.key_file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := generateSigningKey(alg)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", server.DefaultSigningAlgorithm, "Signing algorithm (HS512, RS256, ES256, EdDSA, ...)")
	return cmd
}

func generateSigningKey(alg string) (string, error) {
	var (
		key any
		err error
	)
	switch alg {
	case "HS256", "HS384", "HS512":
		secret := make([]byte, 64)
		if _, err := rand.Read(secret); err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString(secret) + "\n", nil
	case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
		key, err = rsa.GenerateKey(rand.Reader, 3072)
	case "ES256":
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		key, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		key, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "EdDSA":
		_, key, err = ed25519.GenerateKey(rand.Reader)
	default:
		return "", fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}
