// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis server or Sentinel deployment.
	TypeRedis Type = "redis"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type

	// CleanupInterval is the memory backend cleanup period.
	CleanupInterval time.Duration

	// Redis is required when Type is redis.
	Redis *RedisConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}

// New creates the storage backend selected by cfg. A nil cfg selects memory.
func New(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryStorage(WithCleanupInterval(cfg.CleanupInterval)), nil
	case TypeRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis configuration is required for storage type %q", cfg.Type)
		}
		return NewRedisStorage(ctx, *cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %q", cfg.Type)
	}
}
