package server

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"
)

// PKCE code challenge methods (RFC 7636)
const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"
)

// Verifier length bounds (RFC 7636 Section 4.1)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

var (
	// ErrUnsupportedChallengeMethod is returned for a code_challenge_method
	// other than plain or S256.
	ErrUnsupportedChallengeMethod = errors.New("unsupported code_challenge_method")

	// ErrPKCEVerifierMissing is returned when a challenge was stored but no
	// verifier was presented.
	ErrPKCEVerifierMissing = errors.New("code_verifier is required")

	// ErrPKCEVerifierMismatch is returned when the verifier is malformed or
	// does not match the challenge.
	ErrPKCEVerifierMismatch = errors.New("code_verifier does not match code_challenge")
)

// ValidateCodeChallengeMethod accepts an empty method, plain and S256.
func ValidateCodeChallengeMethod(method string) error {
	switch method {
	case "", PKCEMethodPlain, PKCEMethodS256:
		return nil
	default:
		return ErrUnsupportedChallengeMethod
	}
}

// VerifyPKCE checks verifier against the challenge stored with a code. No
// challenge means PKCE was not used and any verifier is ignored. An empty
// method is treated as plain.
func VerifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return ErrPKCEVerifierMissing
	}
	if !validVerifier(verifier) {
		return ErrPKCEVerifierMismatch
	}

	var computed string
	switch method {
	case "", PKCEMethodPlain:
		computed = verifier
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	default:
		return ErrUnsupportedChallengeMethod
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEVerifierMismatch
	}
	return nil
}

// validVerifier checks length and the unreserved character set.
func validVerifier(v string) bool {
	if len(v) < MinCodeVerifierLength || len(v) > MaxCodeVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
