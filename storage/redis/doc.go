// Package redis provides a Redis-backed implementation of the storage
// interfaces for deployments running more than one server instance.
//
// # Layout
//
// Clients are stored as JSON strings. Authorization requests, access tokens
// and refresh tokens are hashes: the "data" field holds the record as saved
// and the fields that change afterwards (revoked_at, expires_at, user_id,
// scope, code) are kept as separate hash fields so Lua scripts can test and
// set them atomically. Times are Unix milliseconds, 0 meaning unset.
//
//	<prefix>client:<id>            client JSON
//	<prefix>clients                set of client ids
//	<prefix>code:<id>              authorization request hash
//	<prefix>codeval:<code>         code value -> request id
//	<prefix>usercodes:<user>       set of request ids activated for a user
//	<prefix>at:<id>                access token hash
//	<prefix>rt:<id>                refresh token hash
//	<prefix>rt:<id>:attempts       list of refresh attempts (JSON)
//	<prefix>subject:<sub>:<client> set of token keys issued to a subject
//
// Records expire from Redis Retention after their own expiry, which keeps
// revoked codes and refresh tokens around long enough to detect reuse.
//
// # Atomicity
//
// Activation, redemption and revocation run as Lua scripts, so of any
// number of concurrent callers at most one succeeds. The scripts derive some
// keys from stored values, which requires a single primary; Redis Cluster is
// not supported.
//
// # Encryption
//
// When an encryptor is configured the IP address and user agent of refresh
// attempts are encrypted with AES-256-GCM before they reach Redis.
package redis
