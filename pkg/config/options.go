// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/toolhive-oidc/pkg/logger"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
	"github.com/stacklok/toolhive-oidc/pkg/storage"
)

// ToOptions validates the configuration and builds the server options. It
// opens the storage backend, registers the configured clients and loads the
// signing keys. The returned storage must be closed by the caller.
func (c *Config) ToOptions(ctx context.Context) (*server.Options, storage.Storage, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	signingKeys := make([]jose.JSONWebKey, 0, len(c.SigningKeys))
	for i, keyCfg := range c.SigningKeys {
		key, err := loadSigningKey(keyCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("signing key %d: %w", i, err)
		}
		signingKeys = append(signingKeys, key)
	}

	store, err := storage.New(ctx, c.Storage.toStorageConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create storage: %w", err)
	}

	opts := &server.Options{
		Issuer:                         c.Issuer,
		AuthorizationEndpoint:          c.Endpoints.Authorization,
		TokenEndpoint:                  c.Endpoints.Token,
		UserinfoEndpoint:               c.Endpoints.Userinfo,
		IntrospectionEndpoint:          c.Endpoints.Introspection,
		RevocationEndpoint:             c.Endpoints.Revocation,
		LogoutEndpoint:                 c.Endpoints.Logout,
		JWKSEndpoint:                   c.Endpoints.JWKS,
		GrantTypes:                     slices.Clone(c.GrantTypes),
		ResponseTypes:                  slices.Clone(c.ResponseTypes),
		ResponseModes:                  slices.Clone(c.ResponseModes),
		Scopes:                         slices.Clone(c.Scopes),
		Claims:                         slices.Clone(c.Claims),
		CodeChallengeMethods:           slices.Clone(c.CodeChallengeMethods),
		SigningKeys:                    signingKeys,
		AuthorizationCodeLifetime:      c.Lifetimes.AuthorizationCode,
		AccessTokenLifetime:            c.Lifetimes.AccessToken,
		RefreshTokenLifetime:           c.Lifetimes.RefreshToken,
		EnableDegradedMode:             c.DegradedMode,
		IgnoreEndpointPermissions:      c.IgnoreEndpointPermissions,
		IgnoreScopePermissions:         c.IgnoreScopePermissions,
		DisableScopeValidation:         c.DisableScopeValidation,
		RequireProofKeyForCodeExchange: c.RequirePKCE,
		AcceptAnonymousClients:         c.AcceptAnonymousClients,
		PostLogoutRedirectURIs:         slices.Clone(c.PostLogoutRedirectURIs),
		Sessions:                       storage.Deduplicate(store),
	}
	opts.ApplyDefaults()

	if !c.DegradedMode {
		opts.Clients = store
		issuer := storage.NewReferenceTokenIssuer(store)
		opts.Tokens = issuer
		opts.Revoker = issuer
	}

	for i := range c.Clients {
		if err := registerClient(ctx, store, &c.Clients[i], opts); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
	}

	if err := opts.Validate(); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	logger.Debugw("built server options",
		"issuer", opts.Issuer,
		"clients", len(c.Clients),
		"signingKeys", len(signingKeys),
		"storage", c.Storage.Type,
	)
	return opts, store, nil
}

// registerClient hashes the client secret and stores the client. Unset grant
// types, response types and scopes default to the authorization code flow and
// the scopes supported by the server.
func registerClient(ctx context.Context, store storage.ClientStore, cfg *ClientConfig, opts *server.Options) error {
	client := &fosite.DefaultClient{
		ID:            cfg.ID,
		RedirectURIs:  slices.Clone(cfg.RedirectURIs),
		GrantTypes:    slices.Clone(cfg.GrantTypes),
		ResponseTypes: slices.Clone(cfg.ResponseTypes),
		Scopes:        slices.Clone(cfg.Scopes),
		Audience:      slices.Clone(cfg.Audience),
		Public:        cfg.Public,
	}
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken}
	}
	if len(client.ResponseTypes) == 0 {
		client.ResponseTypes = []string{protocol.ResponseTypeCode}
	}
	if len(client.Scopes) == 0 {
		client.Scopes = slices.Clone(opts.Scopes)
	}

	if !cfg.Public {
		hashed, err := bcrypt.GenerateFromPassword([]byte(cfg.Secret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash the secret of client %q: %w", cfg.ID, err)
		}
		client.Secret = hashed
	}

	if err := store.RegisterClient(ctx, client); err != nil {
		return fmt.Errorf("failed to register client %q: %w", cfg.ID, err)
	}
	return nil
}

func (s *StorageConfig) toStorageConfig() *storage.Config {
	cfg := &storage.Config{
		Type:            storage.Type(s.Type),
		CleanupInterval: s.CleanupInterval,
	}
	if cfg.Type == storage.TypeRedis {
		cfg.Redis = &storage.RedisConfig{
			Addrs:        slices.Clone(s.Redis.Addrs),
			MasterName:   s.Redis.MasterName,
			Username:     s.Redis.Username,
			Password:     s.Redis.Password,
			DB:           s.Redis.DB,
			KeyPrefix:    s.Redis.KeyPrefix,
			DialTimeout:  s.Redis.DialTimeout,
			ReadTimeout:  s.Redis.ReadTimeout,
			WriteTimeout: s.Redis.WriteTimeout,

			ConnectAttempts: s.Redis.ConnectAttempts,
		}
	}
	return cfg
}
