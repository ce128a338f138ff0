// Package memory provides an in-memory implementation of the storage
// interfaces.
//
// Every map sits behind one sync.RWMutex, and the conditional mutations
// (code activation and redemption, refresh token redemption) run entirely
// under the write lock, so concurrent callers observe exactly one winner.
// Records are copied on the way in and out; callers never share memory with
// the store.
//
// The store keeps no background goroutine. Expired and revoked records stay
// in memory until the process exits, which suits development, tests and
// short-lived single instances. Use storage/redis or storage/sqlite for
// anything else.
//
//	store := memory.New()
//	srv, err := server.New(store, store, store, nil, cfg, logger)
package memory
