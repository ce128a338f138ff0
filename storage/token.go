package storage

import (
	"fmt"

	"github.com/giantswarm/oauth-server/security"
)

// Field names bound into the ciphertext of encrypted attempt fields.
const (
	attemptIPField        = "refresh_attempt.ip"
	attemptUserAgentField = "refresh_attempt.user_agent"
)

// EncryptAttempt returns a copy of attempt with its IP address and user agent
// encrypted. A nil or disabled encryptor returns the attempt unchanged.
func EncryptAttempt(attempt RefreshAttempt, encryptor *security.Encryptor) (RefreshAttempt, error) {
	if !encryptor.IsEnabled() {
		return attempt, nil
	}
	ip, err := encryptor.Encrypt(attemptIPField, attempt.IP)
	if err != nil {
		return RefreshAttempt{}, fmt.Errorf("failed to encrypt attempt ip: %w", err)
	}
	ua, err := encryptor.Encrypt(attemptUserAgentField, attempt.UserAgent)
	if err != nil {
		return RefreshAttempt{}, fmt.Errorf("failed to encrypt attempt user agent: %w", err)
	}
	attempt.IP, attempt.UserAgent = ip, ua
	return attempt, nil
}

// EncryptAttempts encrypts every attempt of a history.
func EncryptAttempts(attempts []RefreshAttempt, encryptor *security.Encryptor) ([]RefreshAttempt, error) {
	return mapAttempts(attempts, encryptor, EncryptAttempt)
}

// DecryptAttempt reverses EncryptAttempt.
func DecryptAttempt(attempt RefreshAttempt, encryptor *security.Encryptor) (RefreshAttempt, error) {
	if !encryptor.IsEnabled() {
		return attempt, nil
	}
	ip, err := encryptor.Decrypt(attemptIPField, attempt.IP)
	if err != nil {
		return RefreshAttempt{}, fmt.Errorf("failed to decrypt attempt ip: %w", err)
	}
	ua, err := encryptor.Decrypt(attemptUserAgentField, attempt.UserAgent)
	if err != nil {
		return RefreshAttempt{}, fmt.Errorf("failed to decrypt attempt user agent: %w", err)
	}
	attempt.IP, attempt.UserAgent = ip, ua
	return attempt, nil
}

// DecryptAttempts decrypts every attempt of a history.
func DecryptAttempts(attempts []RefreshAttempt, encryptor *security.Encryptor) ([]RefreshAttempt, error) {
	return mapAttempts(attempts, encryptor, DecryptAttempt)
}

func mapAttempts(attempts []RefreshAttempt, encryptor *security.Encryptor, fn func(RefreshAttempt, *security.Encryptor) (RefreshAttempt, error)) ([]RefreshAttempt, error) {
	if len(attempts) == 0 || !encryptor.IsEnabled() {
		return attempts, nil
	}
	out := make([]RefreshAttempt, len(attempts))
	for i, a := range attempts {
		converted, err := fn(a, encryptor)
		if err != nil {
			return nil, err
		}
		out[i] = converted
	}
	return out, nil
}
