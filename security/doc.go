// Package security provides the hardening pieces shared by the HTTP handler,
// the server core and the storage backends.
//
// # Audit Logging
//
// Auditor writes one structured "security_audit" log line per event. User
// identifiers are hashed before logging; event types are the Event*
// constants in events.go. A nil *Auditor is a valid no-op.
//
// # Rate Limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate) with
// LRU eviction once MaxEntries identifiers are tracked. Idle buckets are
// swept inline from Allow at most every few minutes, so the limiter starts
// no goroutine and has nothing to stop.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	if !limiter.Allow(security.GetClientIP(r, trustProxy, 1)) {
//	    // 429
//	}
//
// # Encryption at Rest
//
// Encryptor seals individual record fields with AES-256-GCM, binding the
// field name as additional data. The redis and sqlite stores use it for the
// IP address and user agent of refresh attempts.
//
// # Expiry
//
// IsExpired is the single expiry rule of the module: a record is expired from
// the instant the clock reaches its expiry, with no grace period.
package security
