package security

import "time"

// IsExpired reports whether a record with the given expiry is expired at
// now. A record is expired from the instant now reaches expiresAt; there is
// no grace period. A zero expiresAt never expires.
func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// RemainingLifetime returns the time left before expiresAt, never negative.
func RemainingLifetime(now, expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
