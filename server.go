package oauth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/providers"
	"github.com/giantswarm/oauth-server/providers/static"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/memory"
	"github.com/giantswarm/oauth-server/storage/redis"
	"github.com/giantswarm/oauth-server/storage/sqlite"
)

// Type aliases so callers only need to import this package.
type (
	// Server implements the grant flows.
	Server = server.Server

	// ServerConfig is the library configuration of a Server.
	ServerConfig = server.Config

	// TokenInfo describes a verified access token.
	TokenInfo = server.TokenInfo

	// ClientRegistration describes a client to register.
	ClientRegistration = server.ClientRegistration
)

// Stores bundles the three storage interfaces of one backend.
type Stores struct {
	Clients storage.ClientStore
	Codes   storage.CodeStore
	Tokens  storage.TokenStore

	driver string
	close  func() error
}

// Driver returns the storage driver the stores were opened with.
func (s *Stores) Driver() string {
	return s.driver
}

// Close releases the backend connection, if any.
func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

type backend interface {
	storage.ClientStore
	storage.CodeStore
	storage.TokenStore
}

// OpenStores opens the storage backend selected by cfg.Storage. The
// encryptor and instrumentation may be nil.
func OpenStores(ctx context.Context, cfg *Config, enc *security.Encryptor, inst *instrumentation.Instrumentation, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store  backend
		closer func() error
	)
	driver := cfg.Storage.Driver
	switch driver {
	case "", StorageDriverMemory:
		driver = StorageDriverMemory
		s := memory.New()
		s.SetLogger(logger)
		s.SetInstrumentation(inst)
		store = s

	case StorageDriverRedis:
		rc := cfg.Storage.Redis
		redisCfg := redis.Config{
			Addrs:      rc.Addrs,
			MasterName: rc.MasterName,
			Username:   rc.Username,
			Password:   rc.Password,
			DB:         rc.DB,
			KeyPrefix:  rc.KeyPrefix,
			Retention:  rc.Retention,
			Logger:     logger,
		}
		if rc.TLS {
			redisCfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		s, err := redis.New(ctx, redisCfg)
		if err != nil {
			return nil, err
		}
		s.SetEncryptor(enc)
		s.SetInstrumentation(inst)
		store, closer = s, s.Close

	case StorageDriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		s.SetLogger(logger)
		s.SetEncryptor(enc)
		s.SetInstrumentation(inst)
		store, closer = s, s.Close

	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}

	return &Stores{
		Clients: store,
		Codes:   store,
		Tokens:  store,
		driver:  driver,
		close:   closer,
	}, nil
}

// NewEncryptor returns the encryptor configured by Security.EncryptionKey.
// An empty key yields a disabled encryptor.
func NewEncryptor(cfg *Config) (*security.Encryptor, error) {
	if cfg.Security.EncryptionKey == "" {
		return security.NewEncryptor(nil)
	}
	key, err := security.KeyFromBase64(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return security.NewEncryptor(key)
}

// NewServer builds a Server from the deployment configuration: the static
// user table backs the password grant and the auditor follows
// Security.EnableAuditLogging.
func NewServer(cfg *Config, stores *Stores, logger *slog.Logger) (*Server, error) {
	if stores == nil {
		return nil, errors.New("stores are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	serverCfg, err := cfg.ServerConfig()
	if err != nil {
		return nil, err
	}

	var authenticator providers.Authenticator
	if len(cfg.Users) > 0 {
		users, err := static.New(cfg.Users)
		if err != nil {
			return nil, fmt.Errorf("invalid users: %w", err)
		}
		authenticator = users
	}

	srv, err := server.New(stores.Clients, stores.Codes, stores.Tokens, authenticator, serverCfg, logger)
	if err != nil {
		return nil, err
	}
	srv.SetAuditor(security.NewAuditor(logger, cfg.Security.EnableAuditLogging))
	return srv, nil
}
