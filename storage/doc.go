// Package storage provides the record types and store interfaces of the
// authorization server:
//   - ClientStore: registered clients
//   - CodeStore: authorization requests and authorization codes
//   - TokenStore: access and refresh token records
//
// Every conditional mutation (code activation, code redemption, refresh
// token redemption) is atomic in each implementation so that concurrent
// requests presenting the same code or refresh token see exactly one winner.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process maps, for development and single instances
//   - storage/redis: Redis with Lua scripts for the conditional mutations
//   - storage/sqlite: embedded SQLite with goose migrations
//   - storage/mock: function-field mock for failure injection in tests
//
// storage/storagetest holds the behaviour suite every implementation runs.
package storage
