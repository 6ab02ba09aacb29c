// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"

	"github.com/stacklok/toolhive-oidc/pkg/protocol"
)

// Filter decides whether a handler runs for a given context. Filters are
// evaluated right before the handler, so they observe the state left by the
// handlers that ran earlier in the stage.
type Filter interface {
	Name() string
	IsActive(ctx context.Context, ectx EventContext) (bool, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ctx context.Context, ectx EventContext) (bool, error)

// Name returns a generic name; use NamedFilter to give the filter a name.
func (FilterFunc) Name() string { return "FilterFunc" }

// IsActive calls f(ctx, ectx).
func (f FilterFunc) IsActive(ctx context.Context, ectx EventContext) (bool, error) {
	return f(ctx, ectx)
}

type namedFilter struct {
	name string
	fn   FilterFunc
}

func (f namedFilter) Name() string { return f.name }

func (f namedFilter) IsActive(ctx context.Context, ectx EventContext) (bool, error) {
	return f.fn(ctx, ectx)
}

// NamedFilter returns a filter with the given name.
func NamedFilter(name string, fn FilterFunc) Filter {
	return namedFilter{name: name, fn: fn}
}

// optionsFilter builds a filter depending only on the server options.
func optionsFilter(name string, predicate func(*Options) bool) Filter {
	return NamedFilter(name, func(_ context.Context, ectx EventContext) (bool, error) {
		opts := ectx.Transaction().Options
		return opts != nil && predicate(opts), nil
	})
}

// requestFilter builds a filter depending only on the request.
func requestFilter(name string, predicate func(*protocol.Request) bool) Filter {
	return NamedFilter(name, func(_ context.Context, ectx EventContext) (bool, error) {
		return predicate(ectx.base().Request()), nil
	})
}

// Built-in filters.
var (
	// RequireDegradedModeDisabled admits handlers only when degraded mode is off.
	RequireDegradedModeDisabled = optionsFilter("RequireDegradedModeDisabled", func(o *Options) bool {
		return !o.EnableDegradedMode
	})

	// RequireClientStore admits handlers only when a client store is configured.
	RequireClientStore = optionsFilter("RequireClientStore", func(o *Options) bool {
		return o.Clients != nil
	})

	// RequireSessionLookup admits handlers only when a session store is configured.
	RequireSessionLookup = optionsFilter("RequireSessionLookup", func(o *Options) bool {
		return o.Sessions != nil
	})

	// RequireTokenIssuer admits handlers only when a token issuer is configured.
	RequireTokenIssuer = optionsFilter("RequireTokenIssuer", func(o *Options) bool {
		return o.Tokens != nil
	})

	// RequireTokenRevoker admits handlers only when a token revoker is configured.
	RequireTokenRevoker = optionsFilter("RequireTokenRevoker", func(o *Options) bool {
		return o.Revoker != nil
	})

	// RequireScopeValidationEnabled admits handlers unless scope validation is disabled.
	RequireScopeValidationEnabled = optionsFilter("RequireScopeValidationEnabled", func(o *Options) bool {
		return !o.DisableScopeValidation
	})

	// RequireEndpointPermissionsEnabled admits handlers unless endpoint permissions are ignored.
	RequireEndpointPermissionsEnabled = optionsFilter("RequireEndpointPermissionsEnabled", func(o *Options) bool {
		return !o.IgnoreEndpointPermissions
	})

	// RequireScopePermissionsEnabled admits handlers unless scope permissions are ignored.
	RequireScopePermissionsEnabled = optionsFilter("RequireScopePermissionsEnabled", func(o *Options) bool {
		return !o.IgnoreScopePermissions
	})

	// RequirePostLogoutRedirectURIAllowList admits handlers only when an allow list is configured.
	RequirePostLogoutRedirectURIAllowList = optionsFilter("RequirePostLogoutRedirectURIAllowList", func(o *Options) bool {
		return len(o.PostLogoutRedirectURIs) > 0
	})

	// RequireClientIDParameter admits handlers only when the request carries client_id.
	RequireClientIDParameter = requestFilter("RequireClientIDParameter", func(r *protocol.Request) bool {
		return r.Has(protocol.ParamClientID)
	})

	// RequirePostLogoutRedirectURIParameter admits handlers only when the
	// request carries post_logout_redirect_uri.
	RequirePostLogoutRedirectURIParameter = requestFilter("RequirePostLogoutRedirectURIParameter", func(r *protocol.Request) bool {
		return r.Has(protocol.ParamPostLogoutRedirectURI)
	})
)
