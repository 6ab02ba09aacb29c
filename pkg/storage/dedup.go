// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
)

// DeduplicatedSessionStore collapses concurrent lookups of the same handle
// into a single backend call. Writes pass through unchanged.
type DeduplicatedSessionStore struct {
	SessionStore
	group singleflight.Group
}

// Deduplicate wraps store so that concurrent GetSession calls for one handle
// share a single backend round trip.
func Deduplicate(store SessionStore) *DeduplicatedSessionStore {
	return &DeduplicatedSessionStore{SessionStore: store}
}

// GetSession returns a copy of the principal stored under the handle.
// The shared lookup is detached from the cancellation of whichever caller
// started it; each caller still honours its own context.
func (d *DeduplicatedSessionStore) GetSession(ctx context.Context, handle string) (*auth.Principal, error) {
	ch := d.group.DoChan(handle, func() (any, error) {
		return d.SessionStore.GetSession(context.WithoutCancel(ctx), handle)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		principal, _ := res.Val.(*auth.Principal)
		return principal.Clone(), nil
	}
}
