package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

const codeLogLength = 8

// Store is a SQLite-backed implementation of ClientStore, CodeStore and
// TokenStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	obs    *instrumentation.StorageObserver

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is required")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: slog.Default()}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables encryption of refresh attempt metadata at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for SQLite storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// SetInstrumentation enables spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.obs = instrumentation.NewStorageObserver(inst, "sqlite")
	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizes{
		Clients:       s.counter("clients"),
		Codes:         s.counter("authorization_codes"),
		AccessTokens:  s.counter("access_tokens"),
		RefreshTokens: s.counter("refresh_tokens"),
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// counter returns a size callback counting the rows of a fixed table.
func (s *Store) counter(table string) instrumentation.StorageSizeCallback {
	query := "SELECT COUNT(*) FROM " + table
	return func() int64 {
		var n int64
		if err := s.db.QueryRowContext(context.Background(), query).Scan(&n); err != nil {
			s.logger.Debug("Failed to count rows", "table", table, "error", err)
			return 0
		}
		return n
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.obs.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	redirectURIs, err := encodeJSON(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to encode redirect uris: %w", err)
	}
	grants, err := encodeJSON(client.Grants)
	if err != nil {
		return fmt.Errorf("failed to encode grants: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (
			client_id, name, secret_hash, client_profile, client_type, internal,
			redirect_uris, scope, grants, domain, created_at, updated_at, revoked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			name = excluded.name,
			secret_hash = excluded.secret_hash,
			client_profile = excluded.client_profile,
			client_type = excluded.client_type,
			internal = excluded.internal,
			redirect_uris = excluded.redirect_uris,
			scope = excluded.scope,
			grants = excluded.grants,
			domain = excluded.domain,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			revoked_at = excluded.revoked_at`,
		client.ClientID,
		client.Name,
		client.SecretHash,
		client.ClientProfile,
		client.ClientType,
		client.Internal,
		redirectURIs,
		client.Scope,
		grants,
		client.Domain,
		nullTime(client.CreatedAt),
		nullTime(client.UpdatedAt),
		nullTime(client.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

const clientColumns = `client_id, name, secret_hash, client_profile, client_type, internal,
	redirect_uris, scope, grants, domain, created_at, updated_at, revoked_at`

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.obs.Start(ctx, "get_client", storage.ErrClientNotFound)
	defer func() { done(err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// ListClients returns all clients ordered by id.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.obs.Start(ctx, "list_clients")
	defer func() { done(err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (*storage.Client, error) {
	var (
		c                     storage.Client
		redirectURIs, grants  string
		created, updated, rev sql.NullInt64
	)
	err := row.Scan(&c.ClientID, &c.Name, &c.SecretHash, &c.ClientProfile, &c.ClientType, &c.Internal,
		&redirectURIs, &c.Scope, &grants, &c.Domain, &created, &updated, &rev)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(redirectURIs, &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("failed to decode redirect uris: %w", err)
	}
	if err := decodeJSON(grants, &c.Grants); err != nil {
		return nil, fmt.Errorf("failed to decode grants: %w", err)
	}
	c.CreatedAt, c.UpdatedAt, c.RevokedAt = fromNull(created), fromNull(updated), fromNull(rev)
	return &c, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores a pending authorization request.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.obs.Start(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if code == nil || code.ID == "" {
		return fmt.Errorf("authorization request ID cannot be empty")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (
			id, code, client_id, user_id, response_type, redirect_uri, scope, state,
			code_challenge, code_challenge_method, created_at, expires_at, revoked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID,
		nullString(code.Code),
		code.ClientID,
		code.UserID,
		code.ResponseType,
		code.RedirectURI,
		code.Scope,
		code.State,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		nullTime(code.CreatedAt),
		nullTime(code.ExpiresAt),
		nullTime(code.RevokedAt),
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("authorization request %s already exists", code.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}
	return nil
}

const codeColumns = `id, code, client_id, user_id, response_type, redirect_uri, scope, state,
	code_challenge, code_challenge_method, created_at, expires_at, revoked_at`

func scanCode(row scanner) (*storage.AuthorizationCode, error) {
	var (
		c                     storage.AuthorizationCode
		value                 sql.NullString
		created, expires, rev sql.NullInt64
	)
	err := row.Scan(&c.ID, &value, &c.ClientID, &c.UserID, &c.ResponseType, &c.RedirectURI, &c.Scope, &c.State,
		&c.CodeChallenge, &c.CodeChallengeMethod, &created, &expires, &rev)
	if err != nil {
		return nil, err
	}
	c.Code = value.String
	c.CreatedAt, c.ExpiresAt, c.RevokedAt = fromNull(created), fromNull(expires), fromNull(rev)
	return &c, nil
}

func getCode(ctx context.Context, q querier, where string, args ...any) (*storage.AuthorizationCode, error) {
	code, err := scanCode(q.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM authorization_codes WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization request: %w", err)
	}
	return code, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetAuthorizationCode returns a record by request id.
func (s *Store) GetAuthorizationCode(ctx context.Context, id string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.obs.Start(ctx, "get_authorization_code", storage.ErrAuthorizationCodeNotFound)
	defer func() { done(err) }()
	return getCode(ctx, s.db, "id = ?", id)
}

// GetAuthorizationCodeByValue returns the record holding a code value.
func (s *Store) GetAuthorizationCodeByValue(ctx context.Context, codeValue string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.obs.Start(ctx, "get_authorization_code_by_value", storage.ErrAuthorizationCodeNotFound)
	defer func() { done(err) }()
	return getCode(ctx, s.db, "code = ?", codeValue)
}

// ActivateAuthorizationCode binds consent to a pending request and revokes
// the user's other live codes.
func (s *Store) ActivateAuthorizationCode(ctx context.Context, id string, activation storage.CodeActivation, now time.Time) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.obs.Start(ctx, "activate_authorization_code",
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeExpired, storage.ErrAuthorizationCodeRevoked)
	defer func() { done(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	code, err := getCode(ctx, tx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if !code.IsPending() {
		return nil, storage.ErrAuthorizationCodeRevoked
	}
	if code.IsExpired(now) {
		if _, err := tx.ExecContext(ctx, `UPDATE authorization_codes SET revoked_at = ? WHERE id = ?`, now.UnixMilli(), id); err != nil {
			return nil, fmt.Errorf("failed to revoke expired request: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return nil, storage.ErrAuthorizationCodeExpired
	}

	superseded, err := tx.ExecContext(ctx, `
		UPDATE authorization_codes SET revoked_at = ?
		WHERE user_id = ? AND id <> ? AND revoked_at IS NULL
			AND (expires_at IS NULL OR expires_at > ?)`,
		now.UnixMilli(), activation.UserID, id, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to revoke previous codes: %w", err)
	}

	expiresAt := code.ExpiresAt
	if !activation.ExpiresAt.IsZero() {
		expiresAt = activation.ExpiresAt
	}
	var revokedAt any
	if activation.Code == "" {
		revokedAt = now.UnixMilli()
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE authorization_codes
		SET user_id = ?, scope = ?, code = ?, expires_at = ?, revoked_at = ?
		WHERE id = ? AND user_id = '' AND revoked_at IS NULL`,
		activation.UserID, activation.Scope, nullString(activation.Code), nullTime(expiresAt), revokedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to activate authorization code: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, storage.ErrAuthorizationCodeRevoked
	}

	code, err = getCode(ctx, tx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	n, _ := superseded.RowsAffected()
	s.logger.Debug("Activated authorization code",
		"request_id", id,
		"superseded_codes", n)
	return code, nil
}

// RedeemAuthorizationCode revokes a live code issued to clientID and returns it.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, clientID, codeValue string, now time.Time) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.obs.Start(ctx, "redeem_authorization_code",
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeExpired, storage.ErrAuthorizationCodeRevoked)
	defer func() { done(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	code, err := getCode(ctx, tx, "code = ? AND client_id = ?", codeValue, clientID)
	if err != nil {
		return nil, err
	}
	if code.IsRevoked() {
		return nil, storage.ErrAuthorizationCodeRevoked
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE authorization_codes SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		now.UnixMilli(), code.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, storage.ErrAuthorizationCodeRevoked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	code.RevokedAt = time.UnixMilli(now.UnixMilli()).UTC()
	if code.IsExpired(now) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(codeValue, codeLogLength))
	return code, nil
}

// RevokeAuthorizationCode revokes a record by request id.
func (s *Store) RevokeAuthorizationCode(ctx context.Context, id string, now time.Time) (err error) {
	ctx, done := s.obs.Start(ctx, "revoke_authorization_code",
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeRevoked)
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE authorization_codes SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to revoke authorization code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := getCode(ctx, s.db, "id = ?", id); err != nil {
		return err
	}
	return storage.ErrAuthorizationCodeRevoked
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveAccessToken stores an access token record.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, done := s.obs.Start(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.ID == "" {
		return fmt.Errorf("access token ID cannot be empty")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO access_tokens (
			id, subject, client_id, scope, grant_type, user_agent, created_at, expires_at, revoked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID,
		token.Subject,
		token.ClientID,
		token.Scope,
		token.Grant,
		token.UserAgent,
		nullTime(token.CreatedAt),
		nullTime(token.ExpiresAt),
		nullTime(token.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// GetAccessToken returns an access token record.
func (s *Store) GetAccessToken(ctx context.Context, id string) (_ *storage.AccessToken, err error) {
	ctx, done := s.obs.Start(ctx, "get_access_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()

	var (
		t                     storage.AccessToken
		created, expires, rev sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT id, subject, client_id, scope, grant_type, user_agent, created_at, expires_at, revoked_at
		FROM access_tokens WHERE id = ?`, id,
	).Scan(&t.ID, &t.Subject, &t.ClientID, &t.Scope, &t.Grant, &t.UserAgent, &created, &expires, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	t.CreatedAt, t.ExpiresAt, t.RevokedAt = fromNull(created), fromNull(expires), fromNull(rev)
	return &t, nil
}

// RevokeAccessToken marks an access token revoked.
func (s *Store) RevokeAccessToken(ctx context.Context, id string, now time.Time) (err error) {
	ctx, done := s.obs.Start(ctx, "revoke_access_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()
	return s.revokeToken(ctx, "access_tokens", id, now)
}

// revokeToken sets revoked_at on a row of a fixed token table unless it is
// already set.
func (s *Store) revokeToken(ctx context.Context, table, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`,
		now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrTokenNotFound
	}
	return nil
}

// SaveRefreshToken stores a refresh token record.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.obs.Start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.ID == "" {
		return fmt.Errorf("refresh token ID cannot be empty")
	}
	attempts, err := s.encodeAttempts(token.Attempts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO refresh_tokens (
			id, access_token_id, subject, client_id, scope, attempts, created_at, expires_at, revoked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID,
		token.AccessTokenID,
		token.Subject,
		token.ClientID,
		token.Scope,
		attempts,
		nullTime(token.CreatedAt),
		nullTime(token.ExpiresAt),
		nullTime(token.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

func (s *Store) encodeAttempts(attempts []storage.RefreshAttempt) (string, error) {
	encrypted, err := storage.EncryptAttempts(attempts, s.getEncryptor())
	if err != nil {
		return "", err
	}
	if encrypted == nil {
		encrypted = []storage.RefreshAttempt{}
	}
	data, err := encodeJSON(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to encode refresh attempts: %w", err)
	}
	return data, nil
}

// GetRefreshToken returns a refresh token record.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.obs.Start(ctx, "get_refresh_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()
	return s.getRefreshToken(ctx, s.db, id)
}

// getRefreshToken returns the record with its attempts still encrypted
// when q is a transaction, and decrypted otherwise.
func (s *Store) getRefreshToken(ctx context.Context, q querier, id string) (*storage.RefreshToken, error) {
	var (
		t                     storage.RefreshToken
		attempts              string
		created, expires, rev sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, access_token_id, subject, client_id, scope, attempts, created_at, expires_at, revoked_at
		FROM refresh_tokens WHERE id = ?`, id,
	).Scan(&t.ID, &t.AccessTokenID, &t.Subject, &t.ClientID, &t.Scope, &attempts, &created, &expires, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	t.CreatedAt, t.ExpiresAt, t.RevokedAt = fromNull(created), fromNull(expires), fromNull(rev)

	if err := decodeJSON(attempts, &t.Attempts); err != nil {
		return nil, fmt.Errorf("failed to decode refresh attempts: %w", err)
	}
	if len(t.Attempts) == 0 {
		t.Attempts = nil
	}
	if _, inTx := q.(*sql.Tx); !inTx {
		if t.Attempts, err = storage.DecryptAttempts(t.Attempts, s.getEncryptor()); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// RedeemRefreshToken revokes a live refresh token and appends the attempt.
func (s *Store) RedeemRefreshToken(ctx context.Context, id string, attempt storage.RefreshAttempt, now time.Time) (_ *storage.RefreshToken, err error) {
	ctx, done := s.obs.Start(ctx, "redeem_refresh_token",
		storage.ErrTokenNotFound, storage.ErrTokenExpired, storage.ErrTokenRevoked)
	defer func() { done(err) }()

	encrypted, err := storage.EncryptAttempt(attempt, s.getEncryptor())
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	token, err := s.getRefreshToken(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !token.RevokedAt.IsZero() {
		return nil, storage.ErrTokenRevoked
	}
	if security.IsExpired(now, token.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	attempts, err := encodeJSON(append(token.Attempts, encrypted))
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh attempts: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ?, attempts = ? WHERE id = ? AND revoked_at IS NULL`,
		now.UnixMilli(), attempts, id)
	if err != nil {
		return nil, fmt.Errorf("failed to redeem refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, storage.ErrTokenRevoked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return s.getRefreshToken(ctx, s.db, id)
}

// RevokeRefreshToken marks a refresh token revoked.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string, now time.Time) (err error) {
	ctx, done := s.obs.Start(ctx, "revoke_refresh_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()
	return s.revokeToken(ctx, "refresh_tokens", id, now)
}

// RevokeTokensForSubject revokes every live token of subject issued through clientID.
func (s *Store) RevokeTokensForSubject(ctx context.Context, subject, clientID string, now time.Time) (_ int, err error) {
	ctx, done := s.obs.Start(ctx, "revoke_tokens_for_subject")
	defer func() { done(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	total := 0
	for _, table := range []string{"access_tokens", "refresh_tokens"} {
		res, err := tx.ExecContext(ctx, `
			UPDATE `+table+` SET revoked_at = ?
			WHERE subject = ? AND client_id = ? AND revoked_at IS NULL
				AND (expires_at IS NULL OR expires_at > ?)`,
			now.UnixMilli(), subject, clientID, now.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("failed to revoke %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count revoked %s: %w", table, err)
		}
		total += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return total, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON[T any](data string, out *T) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), out)
}

// isConstraintViolation checks for a SQLite PRIMARY KEY or UNIQUE violation.
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
