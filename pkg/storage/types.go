// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the client catalog and the ambient session store
// consulted by the OIDC server pipeline, with in-memory and Redis backends.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go ClientStore,SessionStore

import (
	"context"
	"errors"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
)

var (
	// ErrNotFound is returned when a client or session does not exist.
	ErrNotFound = errors.New("storage: item not found")

	// ErrExpired is returned when a session exists but its lifetime has elapsed.
	ErrExpired = errors.New("storage: item expired")
)

const (
	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultKeyPrefix prefixes every Redis key written by the server.
	DefaultKeyPrefix = "thv:oidc:"
)

// ClientStore resolves registered OAuth clients.
type ClientStore interface {
	// fosite.ClientManager provides client lookups
	fosite.ClientManager

	// RegisterClient adds or replaces a client.
	RegisterClient(ctx context.Context, client fosite.Client) error
}

// SessionStore persists principals under opaque handles (browser sessions,
// authorization codes, access and refresh tokens).
type SessionStore interface {
	// StoreSession stores a principal under the handle. A zero ttl never expires.
	StoreSession(ctx context.Context, handle string, principal *auth.Principal, ttl time.Duration) error

	// GetSession returns a copy of the principal stored under the handle.
	// Returns ErrNotFound or ErrExpired when no usable principal exists.
	GetSession(ctx context.Context, handle string) (*auth.Principal, error)

	// DeleteSession removes the handle. Returns ErrNotFound if it does not exist.
	DeleteSession(ctx context.Context, handle string) error
}

// Storage combines both stores with a lifecycle.
type Storage interface {
	ClientStore
	SessionStore

	// Close releases the resources held by the backend.
	Close() error
}
