// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
)

// tokenUsageClaim records which kind of token a stored principal backs.
const tokenUsageClaim = "token_usage"

// ReferenceTokenIssuer issues opaque reference tokens: a random handle under
// which the principal is persisted in a SessionStore for the token lifetime.
// Presenting the handle later resolves the same principal.
type ReferenceTokenIssuer struct {
	sessions SessionStore
	now      func() time.Time
}

// NewReferenceTokenIssuer creates an issuer backed by sessions.
func NewReferenceTokenIssuer(sessions SessionStore) *ReferenceTokenIssuer {
	return &ReferenceTokenIssuer{sessions: sessions, now: time.Now}
}

// IssueToken persists a copy of principal tagged with usage and returns its handle.
// A non-positive lifetime issues a token that never expires.
func (i *ReferenceTokenIssuer) IssueToken(
	ctx context.Context, usage string, principal *auth.Principal, lifetime time.Duration,
) (string, error) {
	if principal == nil {
		return "", errors.New("principal cannot be nil")
	}

	stored := principal.Clone()
	stored.SetClaim(tokenUsageClaim, usage)
	if lifetime > 0 {
		stored.SetExpiresAt(i.now().Add(lifetime))
	}

	handle := rand.Text()
	if err := i.sessions.StoreSession(ctx, handle, stored, lifetime); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", usage, err)
	}
	return handle, nil
}

// RevokeToken deletes the handle. Unknown tokens are not an error (RFC 7009
// section 2.2) and report false.
func (i *ReferenceTokenIssuer) RevokeToken(ctx context.Context, token string) (bool, error) {
	err := i.sessions.DeleteSession(ctx, token)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
}
