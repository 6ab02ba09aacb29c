// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	neturl "net/url"

	"github.com/stacklok/toolhive-oidc/pkg/storage"
)

// ErrInvalidConfig is wrapped by every error returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the parts of the configuration that cannot be checked on
// the resulting server options: clients, signing key references and storage.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("%w: issuer is required", ErrInvalidConfig)
	}

	if len(c.Clients) == 0 && !c.DegradedMode {
		return fmt.Errorf("%w: at least one client is required unless degraded mode is enabled", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Clients))
	for i := range c.Clients {
		client := &c.Clients[i]
		if err := client.validate(); err != nil {
			return fmt.Errorf("%w: client %d: %w", ErrInvalidConfig, i, err)
		}
		if _, ok := seen[client.ID]; ok {
			return fmt.Errorf("%w: duplicate client id %q", ErrInvalidConfig, client.ID)
		}
		seen[client.ID] = struct{}{}
	}

	for i, key := range c.SigningKeys {
		if key.Path == "" {
			return fmt.Errorf("%w: signing key %d: path is required", ErrInvalidConfig, i)
		}
	}

	if err := c.Storage.validate(); err != nil {
		return fmt.Errorf("%w: storage: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c *ClientConfig) validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Public && c.Secret != "" {
		return fmt.Errorf("public client %q cannot have a secret", c.ID)
	}
	if !c.Public && c.Secret == "" {
		return fmt.Errorf("confidential client %q requires a secret", c.ID)
	}
	for _, uri := range c.RedirectURIs {
		if err := validateAbsoluteURL(uri); err != nil {
			return fmt.Errorf("client %q: redirect uri: %w", c.ID, err)
		}
	}
	return nil
}

func (s *StorageConfig) validate() error {
	switch storage.Type(s.Type) {
	case "", storage.TypeMemory:
		return nil
	case storage.TypeRedis:
		if len(s.Redis.Addrs) == 0 {
			return errors.New("redis requires at least one address")
		}
		return nil
	default:
		return fmt.Errorf("unsupported storage type: %q", s.Type)
	}
}

// validateAbsoluteURL requires an absolute URL without fragment.
func validateAbsoluteURL(raw string) error {
	u, err := neturl.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("URL must be absolute: %s", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("URL must not contain a fragment: %s", raw)
	}
	return nil
}
