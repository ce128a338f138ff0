package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "oauth:"

	// DefaultRetention is how long records stay in Redis after they expire.
	DefaultRetention = 24 * time.Hour

	// Default timeouts for Redis operations.
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	codeLogLength = 8
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Addrs are the server addresses. A single address connects to a
	// standalone server; with MasterName set they are Sentinel addresses.
	Addrs []string

	// MasterName selects Sentinel failover mode.
	MasterName string

	Username string
	Password string
	DB       int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS enables encrypted connections when set.
	TLS *tls.Config

	// Retention is how long expired records are kept (default 24h).
	Retention time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of ClientStore, CodeStore and
// TokenStore.
type Store struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
	logger    *slog.Logger
	obs       *instrumentation.StorageObserver

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New connects to Redis and returns a store. The connection is verified
// with PING before returning.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    cfg.TLS,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix, cfg.Retention)
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}
	s.logger.Info("Connected to Redis storage",
		"addrs", strings.Join(cfg.Addrs, ","),
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient creates a store on a pre-configured client, such as one
// pointing at miniredis in tests.
func NewWithClient(client goredis.UniversalClient, keyPrefix string, retention time.Duration) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		client:    client,
		prefix:    keyPrefix,
		retention: retention,
		logger:    slog.Default(),
	}
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables spans and operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.obs = instrumentation.NewStorageObserver(inst, "redis")
}

// SetEncryptor enables encryption of refresh attempt metadata at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for Redis storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

func (s *Store) clientKey(id string) string      { return s.prefix + "client:" + id }
func (s *Store) clientSetKey() string            { return s.prefix + "clients" }
func (s *Store) codeKey(id string) string        { return s.prefix + "code:" + id }
func (s *Store) codeValueKey(c string) string    { return s.prefix + "codeval:" + c }
func (s *Store) userCodesKey(u string) string    { return s.prefix + "usercodes:" + u }
func (s *Store) attemptsKey(id string) string    { return s.prefix + "rt:" + id + ":attempts" }
func (s *Store) subjectKey(sub, c string) string { return s.prefix + "subject:" + sub + ":" + c }

// Token keys are listed in subject indexes without the prefix.
func accessMember(id string) string  { return "at:" + id }
func refreshMember(id string) string { return "rt:" + id }

// deadline returns when a record expiring at expiresAt leaves Redis, or the
// zero time for records that never expire.
func (s *Store) deadline(expiresAt time.Time) time.Time {
	if expiresAt.IsZero() {
		return time.Time{}
	}
	return expiresAt.Add(s.retention)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
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
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.clientKey(client.ClientID), data, 0)
		p.SAdd(ctx, s.clientSetKey(), client.ClientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.obs.Start(ctx, "get_client", storage.ErrClientNotFound)
	defer func() { done(err) }()

	data, err := s.client.Get(ctx, s.clientKey(clientID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	var client storage.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &client, nil
}

// ListClients returns all clients ordered by id.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.obs.Start(ctx, "list_clients")
	defer func() { done(err) }()

	ids, err := s.client.SMembers(ctx, s.clientSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	slices.Sort(ids)

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.clientKey(id)).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get client %s: %w", id, err)
		}
		var client storage.Client
		if err := json.Unmarshal(data, &client); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client %s: %w", id, err)
		}
		clients = append(clients, &client)
	}
	return clients, nil
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
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization request: %w", err)
	}

	key := s.codeKey(code.ID)
	created, err := s.client.HSetNX(ctx, key, "data", data).Result()
	if err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}
	if !created {
		return fmt.Errorf("authorization request %s already exists", code.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key,
			"client_id", code.ClientID,
			"user_id", code.UserID,
			"scope", code.Scope,
			"code", code.Code,
			"expires_at", toMillis(code.ExpiresAt),
			"revoked_at", toMillis(code.RevokedAt),
		)
		if d := s.deadline(code.ExpiresAt); !d.IsZero() {
			p.PExpireAt(ctx, key, d)
		}
		if code.Code != "" {
			p.Set(ctx, s.codeValueKey(code.Code), code.ID, 0)
			if d := s.deadline(code.ExpiresAt); !d.IsZero() {
				p.PExpireAt(ctx, s.codeValueKey(code.Code), d)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}
	return nil
}

// GetAuthorizationCode returns a record by request id.
func (s *Store) GetAuthorizationCode(ctx context.Context, id string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.obs.Start(ctx, "get_authorization_code", storage.ErrAuthorizationCodeNotFound)
	defer func() { done(err) }()

	fields, err := s.client.HGetAll(ctx, s.codeKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization request: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return decodeCode(fields)
}

// GetAuthorizationCodeByValue returns the record holding a code value.
func (s *Store) GetAuthorizationCodeByValue(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.obs.Start(ctx, "get_authorization_code_by_value", storage.ErrAuthorizationCodeNotFound)
	defer func() { done(err) }()

	id, err := s.client.Get(ctx, s.codeValueKey(code)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up authorization code: %w", err)
	}
	fields, err := s.client.HGetAll(ctx, s.codeKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return decodeCode(fields)
}

// ActivateAuthorizationCode binds consent to a pending request and revokes
// the user's other live codes.
func (s *Store) ActivateAuthorizationCode(ctx context.Context, id string, activation storage.CodeActivation, now time.Time) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.obs.Start(ctx, "activate_authorization_code",
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeExpired, storage.ErrAuthorizationCodeRevoked)
	defer func() { done(err) }()

	codeValueKey := s.codeValueKey(activation.Code)
	if activation.Code == "" {
		codeValueKey = s.codeValueKey("-")
	}
	keys := []string{s.codeKey(id), s.userCodesKey(activation.UserID), codeValueKey}
	res, err := activateCodeScript.Run(ctx, s.client, keys,
		toMillis(now),
		activation.UserID,
		activation.Scope,
		activation.Code,
		toMillis(activation.ExpiresAt),
		s.prefix,
		id,
		toMillis(s.deadline(activation.ExpiresAt)),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to activate authorization code: %w", err)
	}

	fields, err := scriptRecord(res, storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeExpired, storage.ErrAuthorizationCodeRevoked)
	if err != nil {
		return nil, err
	}
	return decodeCode(fields)
}

// RedeemAuthorizationCode revokes a live code issued to clientID and returns it.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, clientID, code string, now time.Time) (_ *storage.AuthorizationCode, err error) {
	ctx, done := s.obs.Start(ctx, "redeem_authorization_code",
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeExpired, storage.ErrAuthorizationCodeRevoked)
	defer func() { done(err) }()

	res, err := redeemCodeScript.Run(ctx, s.client, []string{s.codeValueKey(code)},
		toMillis(now), clientID, s.prefix).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	fields, err := scriptRecord(res, storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeExpired, storage.ErrAuthorizationCodeRevoked)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Redeemed authorization code",
		"code_prefix", util.SafeTruncate(code, codeLogLength))
	return decodeCode(fields)
}

// RevokeAuthorizationCode revokes a record by request id.
func (s *Store) RevokeAuthorizationCode(ctx context.Context, id string, now time.Time) (err error) {
	ctx, done := s.obs.Start(ctx, "revoke_authorization_code",
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeRevoked)
	defer func() { done(err) }()

	status, err := revokeCodeScript.Run(ctx, s.client, []string{s.codeKey(id)}, toMillis(now)).Text()
	if err != nil {
		return fmt.Errorf("failed to revoke authorization code: %w", err)
	}
	switch status {
	case statusNotFound:
		return storage.ErrAuthorizationCodeNotFound
	case statusRevoked:
		return storage.ErrAuthorizationCodeRevoked
	}
	return nil
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
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	key := s.prefix + accessMember(token.ID)
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key,
			"data", data,
			"expires_at", toMillis(token.ExpiresAt),
			"revoked_at", toMillis(token.RevokedAt),
		)
		s.indexToken(ctx, p, key, accessMember(token.ID), token.Subject, token.ClientID, token.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

// indexToken queues the expiry and subject index updates for a token hash.
func (s *Store) indexToken(ctx context.Context, p goredis.Pipeliner, key, member, subject, clientID string, expiresAt time.Time) {
	subjectKey := s.subjectKey(subject, clientID)
	p.SAdd(ctx, subjectKey, member)
	if d := s.deadline(expiresAt); !d.IsZero() {
		p.PExpireAt(ctx, key, d)
		p.PExpireAt(ctx, subjectKey, d)
	}
}

// GetAccessToken returns an access token record.
func (s *Store) GetAccessToken(ctx context.Context, id string) (_ *storage.AccessToken, err error) {
	ctx, done := s.obs.Start(ctx, "get_access_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()

	fields, err := s.client.HGetAll(ctx, s.prefix+accessMember(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrTokenNotFound
	}

	var token storage.AccessToken
	if err := json.Unmarshal([]byte(fields["data"]), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	if token.RevokedAt, err = fromMillis(fields["revoked_at"]); err != nil {
		return nil, err
	}
	return &token, nil
}

// RevokeAccessToken marks an access token revoked.
func (s *Store) RevokeAccessToken(ctx context.Context, id string, now time.Time) (err error) {
	ctx, done := s.obs.Start(ctx, "revoke_access_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()
	return s.revokeToken(ctx, s.prefix+accessMember(id), now)
}

func (s *Store) revokeToken(ctx context.Context, key string, now time.Time) error {
	status, err := revokeTokenScript.Run(ctx, s.client, []string{key}, toMillis(now)).Text()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if status == statusNotFound {
		return storage.ErrTokenNotFound
	}
	return nil
}

// SaveRefreshToken stores a refresh token record and its attempt history.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.obs.Start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.ID == "" {
		return fmt.Errorf("refresh token ID cannot be empty")
	}

	record := *token
	record.Attempts = nil
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	attempts, err := storage.EncryptAttempts(token.Attempts, s.getEncryptor())
	if err != nil {
		return err
	}
	encoded := make([]any, 0, len(attempts))
	for _, a := range attempts {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal refresh attempt: %w", err)
		}
		encoded = append(encoded, b)
	}

	key := s.prefix + refreshMember(token.ID)
	attemptsKey := s.attemptsKey(token.ID)
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key,
			"data", data,
			"expires_at", toMillis(token.ExpiresAt),
			"revoked_at", toMillis(token.RevokedAt),
		)
		p.Del(ctx, attemptsKey)
		if len(encoded) > 0 {
			p.RPush(ctx, attemptsKey, encoded...)
			if d := s.deadline(token.ExpiresAt); !d.IsZero() {
				p.PExpireAt(ctx, attemptsKey, d)
			}
		}
		s.indexToken(ctx, p, key, refreshMember(token.ID), token.Subject, token.ClientID, token.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns a refresh token record.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.obs.Start(ctx, "get_refresh_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()
	return s.loadRefreshToken(ctx, id)
}

func (s *Store) loadRefreshToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	var fieldsCmd *goredis.MapStringStringCmd
	var attemptsCmd *goredis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		fieldsCmd = p.HGetAll(ctx, s.prefix+refreshMember(id))
		attemptsCmd = p.LRange(ctx, s.attemptsKey(id), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, storage.ErrTokenNotFound
	}

	var token storage.RefreshToken
	if err := json.Unmarshal([]byte(fields["data"]), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	if token.RevokedAt, err = fromMillis(fields["revoked_at"]); err != nil {
		return nil, err
	}

	token.Attempts = nil
	for _, raw := range attemptsCmd.Val() {
		var a storage.RefreshAttempt
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal refresh attempt: %w", err)
		}
		token.Attempts = append(token.Attempts, a)
	}
	if token.Attempts, err = storage.DecryptAttempts(token.Attempts, s.getEncryptor()); err != nil {
		return nil, err
	}
	return &token, nil
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
	data, err := json.Marshal(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh attempt: %w", err)
	}

	status, err := redeemRefreshScript.Run(ctx, s.client,
		[]string{s.prefix + refreshMember(id), s.attemptsKey(id)},
		toMillis(now), data).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to redeem refresh token: %w", err)
	}
	switch status {
	case statusNotFound:
		return nil, storage.ErrTokenNotFound
	case statusRevoked:
		return nil, storage.ErrTokenRevoked
	case statusExpired:
		return nil, storage.ErrTokenExpired
	}
	return s.loadRefreshToken(ctx, id)
}

// RevokeRefreshToken marks a refresh token revoked.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string, now time.Time) (err error) {
	ctx, done := s.obs.Start(ctx, "revoke_refresh_token", storage.ErrTokenNotFound)
	defer func() { done(err) }()
	return s.revokeToken(ctx, s.prefix+refreshMember(id), now)
}

// RevokeTokensForSubject revokes every live token of subject issued through clientID.
func (s *Store) RevokeTokensForSubject(ctx context.Context, subject, clientID string, now time.Time) (_ int, err error) {
	ctx, done := s.obs.Start(ctx, "revoke_tokens_for_subject")
	defer func() { done(err) }()

	n, err := revokeSubjectScript.Run(ctx, s.client, []string{s.subjectKey(subject, clientID)},
		toMillis(now), s.prefix).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens for subject: %w", err)
	}
	return n, nil
}

// scriptRecord interprets the reply of a script returning a status followed
// by HGETALL pairs.
func scriptRecord(res []any, notFound, expired, revoked error) (map[string]string, error) {
	if len(res) == 0 {
		return nil, fmt.Errorf("empty script reply")
	}
	status, _ := res[0].(string)
	switch status {
	case statusOK:
	case statusNotFound:
		return nil, notFound
	case statusExpired:
		return nil, expired
	case statusRevoked:
		return nil, revoked
	default:
		return nil, fmt.Errorf("unexpected script status %q", status)
	}

	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return fields, nil
}

// decodeCode rebuilds an authorization request from its hash fields.
func decodeCode(fields map[string]string) (*storage.AuthorizationCode, error) {
	var code storage.AuthorizationCode
	if err := json.Unmarshal([]byte(fields["data"]), &code); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization request: %w", err)
	}
	code.UserID = fields["user_id"]
	code.Scope = fields["scope"]
	code.Code = fields["code"]

	var err error
	if code.ExpiresAt, err = fromMillis(fields["expires_at"]); err != nil {
		return nil, err
	}
	if code.RevokedAt, err = fromMillis(fields["revoked_at"]); err != nil {
		return nil, err
	}
	return &code, nil
}
