// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ory/fosite"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	"github.com/stacklok/toolhive-oidc/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultConnectAttempts is the number of pings tried before NewRedisStorage gives up.
const DefaultConnectAttempts = 3

const connectRetryInterval = 200 * time.Millisecond

// Key types used to namespace Redis keys.
const (
	KeyTypeClient  = "client"
	KeyTypeSession = "session"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addrs are the Redis (or Sentinel, when MasterName is set) addresses.
	Addrs []string

	// MasterName selects Sentinel failover mode.
	MasterName string

	// Username and Password are the ACL credentials.
	Username string
	Password string

	// DB is the logical database index.
	DB int

	// KeyPrefix for multi-tenancy, defaults to "thv:oidc:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectAttempts bounds the initial connection check (default 3).
	ConnectAttempts int
}

// RedisStorage implements Storage with a Redis backend, enabling several
// server replicas to share clients and sessions.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStorage creates Redis-backed storage.
// Returns error if configuration validation fails or connection cannot be established.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	// Apply defaults
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := pingWithRetry(ctx, client, cfg.ConnectAttempts); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// pingWithRetry pings the server with exponential backoff until it answers or
// attempts are exhausted.
func pingWithRetry(ctx context.Context, client redis.UniversalClient, attempts int) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = connectRetryInterval
	expBackoff.MaxInterval = 10 * connectRetryInterval
	expBackoff.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(attempts)), // #nosec G115 -- attempts is positive
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugw("redis ping failed, retrying", "error", err, "retryIn", d)
		}),
	)
	return err
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if len(cfg.Addrs) == 0 {
		return errors.New("at least one address is required")
	}
	for _, addr := range cfg.Addrs {
		if addr == "" {
			return errors.New("addresses cannot be empty")
		}
	}
	return nil
}

func (s *RedisStorage) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// -----------------------
// ClientStore
// -----------------------

// storedClient is a serializable wrapper for OAuth clients.
type storedClient struct {
	ID            string   `json:"id"`
	Secret        []byte   `json:"secret,omitempty"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scopes        []string `json:"scopes"`
	Audience      []string `json:"audience"`
	Public        bool     `json:"public"`
}

// redisClient implements fosite.Client for deserialization.
type redisClient struct {
	storedClient
}

func (c *redisClient) GetID() string                      { return c.ID }
func (c *redisClient) GetHashedSecret() []byte            { return c.Secret }
func (c *redisClient) GetRedirectURIs() []string          { return c.RedirectURIs }
func (c *redisClient) GetGrantTypes() fosite.Arguments    { return c.GrantTypes }
func (c *redisClient) GetResponseTypes() fosite.Arguments { return c.ResponseTypes }
func (c *redisClient) GetScopes() fosite.Arguments        { return c.Scopes }
func (c *redisClient) GetAudience() fosite.Arguments      { return c.Audience }
func (c *redisClient) IsPublic() bool                     { return c.Public }

// RegisterClient adds or replaces a client in the storage.
func (s *RedisStorage) RegisterClient(ctx context.Context, client fosite.Client) error {
	if client == nil || client.GetID() == "" {
		return fosite.ErrInvalidRequest.WithHint("client id cannot be empty")
	}

	stored := storedClient{
		ID:            client.GetID(),
		Secret:        client.GetHashedSecret(),
		RedirectURIs:  client.GetRedirectURIs(),
		GrantTypes:    client.GetGrantTypes(),
		ResponseTypes: client.GetResponseTypes(),
		Scopes:        client.GetScopes(),
		Audience:      client.GetAudience(),
		Public:        client.IsPublic(),
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	return s.client.Set(ctx, s.key(KeyTypeClient, client.GetID()), data, 0).Err()
}

// GetClient loads the client by its ID.
func (s *RedisStorage) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	data, err := s.client.Get(ctx, s.key(KeyTypeClient, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var stored storedClient
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return &redisClient{storedClient: stored}, nil
}

// ClientAssertionJWTValid returns an error if the JTI is known.
func (s *RedisStorage) ClientAssertionJWTValid(ctx context.Context, jti string) error {
	exists, err := s.client.Exists(ctx, s.key("jwt", jti)).Result()
	if err != nil {
		return fmt.Errorf("failed to check JWT: %w", err)
	}
	if exists > 0 {
		return fosite.ErrJTIKnown
	}
	return nil
}

// SetClientAssertionJWT marks a JTI as known for the given expiry time.
func (s *RedisStorage) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	ttl := exp.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	ok, err := s.client.SetNX(ctx, s.key("jwt", jti), "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to set JWT: %w", err)
	}
	if !ok {
		return fosite.ErrJTIKnown
	}
	return nil
}

// -----------------------
// SessionStore
// -----------------------

// storedSession is a serializable wrapper for a principal and its expiration.
type storedSession struct {
	Principal *auth.Principal `json:"principal"`
	ExpiresAt int64           `json:"expires_at,omitempty"`
}

// StoreSession stores the principal under the handle with the given TTL.
func (s *RedisStorage) StoreSession(ctx context.Context, handle string, principal *auth.Principal, ttl time.Duration) error {
	if handle == "" {
		return fosite.ErrInvalidRequest.WithHint("session handle cannot be empty")
	}
	if principal == nil {
		return fosite.ErrInvalidRequest.WithHint("principal cannot be nil")
	}

	stored := storedSession{Principal: principal}
	if ttl > 0 {
		stored.ExpiresAt = s.now().Add(ttl).Unix()
	} else {
		ttl = 0
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.key(KeyTypeSession, handle), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// GetSession retrieves the principal stored under the handle.
// Every call returns a freshly decoded Principal.
func (s *RedisStorage) GetSession(ctx context.Context, handle string) (*auth.Principal, error) {
	data, err := s.client.Get(ctx, s.key(KeyTypeSession, handle)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: session not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if stored.Principal == nil {
		return nil, fmt.Errorf("%w: session has no principal", ErrNotFound)
	}

	// Redis expiry has one second granularity; double check against the stored deadline
	if stored.ExpiresAt != 0 && s.now().After(time.Unix(stored.ExpiresAt, 0)) {
		return nil, ErrExpired
	}

	return stored.Principal, nil
}

// DeleteSession removes the handle.
func (s *RedisStorage) DeleteSession(ctx context.Context, handle string) error {
	n, err := s.client.Del(ctx, s.key(KeyTypeSession, handle)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session not found", ErrNotFound)
	}
	return nil
}
