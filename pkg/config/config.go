// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the server configuration file and
// the logic required to load it and turn it into server options.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-oidc/pkg/logger"
	"github.com/stacklok/toolhive-oidc/pkg/server"
	"github.com/stacklok/toolhive-oidc/pkg/storage"
)

// EnvPrefix prefixes the environment variables overriding configuration keys,
// e.g. THV_OIDC_ISSUER or THV_OIDC_STORAGE_TYPE.
const EnvPrefix = "THV_OIDC"

// Config represents the configuration of the server.
type Config struct {
	Issuer    string          `mapstructure:"issuer"`
	Endpoints EndpointsConfig `mapstructure:"endpoints"`
	Lifetimes LifetimesConfig `mapstructure:"lifetimes"`

	GrantTypes           []string `mapstructure:"grant_types"`
	ResponseTypes        []string `mapstructure:"response_types"`
	ResponseModes        []string `mapstructure:"response_modes"`
	Scopes               []string `mapstructure:"scopes"`
	Claims               []string `mapstructure:"claims"`
	CodeChallengeMethods []string `mapstructure:"code_challenge_methods"`

	RequirePKCE               bool `mapstructure:"require_pkce"`
	DegradedMode              bool `mapstructure:"degraded_mode"`
	IgnoreEndpointPermissions bool `mapstructure:"ignore_endpoint_permissions"`
	IgnoreScopePermissions    bool `mapstructure:"ignore_scope_permissions"`
	DisableScopeValidation    bool `mapstructure:"disable_scope_validation"`
	AcceptAnonymousClients    bool `mapstructure:"accept_anonymous_clients"`

	PostLogoutRedirectURIs []string `mapstructure:"post_logout_redirect_uris"`

	SigningKeys []SigningKeyConfig `mapstructure:"signing_keys"`
	Clients     []ClientConfig     `mapstructure:"clients"`
	Storage     StorageConfig      `mapstructure:"storage"`
}

// EndpointsConfig overrides the endpoint URIs, absolute or relative to the issuer.
type EndpointsConfig struct {
	Authorization string `mapstructure:"authorization"`
	Token         string `mapstructure:"token"`
	Userinfo      string `mapstructure:"userinfo"`
	Introspection string `mapstructure:"introspection"`
	Revocation    string `mapstructure:"revocation"`
	Logout        string `mapstructure:"logout"`
	JWKS          string `mapstructure:"jwks"`
}

// LifetimesConfig holds the lifetimes of the issued codes and tokens.
type LifetimesConfig struct {
	AuthorizationCode time.Duration `mapstructure:"authorization_code"`
	AccessToken       time.Duration `mapstructure:"access_token"`
	RefreshToken      time.Duration `mapstructure:"refresh_token"`
}

// SigningKeyConfig references a PEM encoded private key. KeyID and Algorithm
// are derived from the key when empty.
type SigningKeyConfig struct {
	Path      string `mapstructure:"path"`
	KeyID     string `mapstructure:"key_id"`
	Algorithm string `mapstructure:"algorithm"`
}

// ClientConfig pre-registers an OAuth client.
type ClientConfig struct {
	ID string `mapstructure:"id"`

	// Secret is the plain text secret of a confidential client. It is hashed
	// with bcrypt before being stored.
	Secret string `mapstructure:"secret"`
	Public bool   `mapstructure:"public"`

	RedirectURIs  []string `mapstructure:"redirect_uris"`
	GrantTypes    []string `mapstructure:"grant_types"`
	ResponseTypes []string `mapstructure:"response_types"`
	Scopes        []string `mapstructure:"scopes"`
	Audience      []string `mapstructure:"audience"`
}

// StorageConfig selects the client and session store backend.
type StorageConfig struct {
	Type            string        `mapstructure:"type"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addrs        []string      `mapstructure:"addrs"`
	MasterName   string        `mapstructure:"master_name"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	ConnectAttempts int `mapstructure:"connect_attempts"`
}

// setDefaults registers every key so that environment overrides apply even
// when the configuration file omits it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("issuer", "")
	v.SetDefault("lifetimes.authorization_code", server.DefaultAuthorizationCodeLifetime)
	v.SetDefault("lifetimes.access_token", server.DefaultAccessTokenLifetime)
	v.SetDefault("lifetimes.refresh_token", server.DefaultRefreshTokenLifetime)
	v.SetDefault("require_pkce", false)
	v.SetDefault("degraded_mode", false)
	v.SetDefault("accept_anonymous_clients", false)
	v.SetDefault("storage.type", string(storage.TypeMemory))
	v.SetDefault("storage.cleanup_interval", storage.DefaultCleanupInterval)
	v.SetDefault("storage.redis.addrs", []string{})
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.key_prefix", storage.DefaultKeyPrefix)
	v.SetDefault("storage.redis.connect_attempts", storage.DefaultConnectAttempts)
}

// Load reads the configuration file at path (YAML, JSON or TOML, by
// extension) and applies the THV_OIDC_ environment overrides. An empty path
// loads the defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
		}
		logger.Debugw("loaded configuration file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}
