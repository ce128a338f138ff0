// Package sqlite provides a SQLite-backed implementation of the storage
// interfaces for single-instance deployments that must survive restarts.
//
// The database is opened with the pure Go modernc.org/sqlite driver and its
// schema is managed by goose migrations embedded in the binary. Times are
// stored as Unix milliseconds, NULL meaning unset.
//
// The pool is limited to one connection, so every transaction is
// serialized. Activation, redemption and revocation are additionally guarded
// by conditional UPDATE statements whose affected row count decides the
// winner.
package sqlite
