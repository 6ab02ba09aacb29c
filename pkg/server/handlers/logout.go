// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"slices"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

type logoutContext = server.ValidateLogoutRequestContext

// LogoutHandlers returns the handlers validating end-session requests.
func LogoutHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		ValidatePostLogoutRedirectURIParameterDescriptor,
		ValidateAuthorizedPostLogoutRedirectURIDescriptor,
	}
}

// ValidatePostLogoutRedirectURIParameter checks post_logout_redirect_uri is
// an absolute URL without fragment.
type ValidatePostLogoutRedirectURIParameter struct{}

// ValidatePostLogoutRedirectURIParameterDescriptor registers ValidatePostLogoutRedirectURIParameter.
var ValidatePostLogoutRedirectURIParameterDescriptor = server.NewDescriptor[*logoutContext]("ValidatePostLogoutRedirectURIParameter").
	UseHandler(ValidatePostLogoutRedirectURIParameter{}).
	SetOrder(order(0)).
	AddFilter(server.RequirePostLogoutRedirectURIParameter).
	MustBuild()

// Handle implements server.Handler.
func (ValidatePostLogoutRedirectURIParameter) Handle(_ context.Context, ectx *logoutContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if reason := invalidAbsoluteURI(protocol.ParamPostLogoutRedirectURI, ectx.PostLogoutRedirectURI); reason != "" {
		ectx.Reject(protocol.ErrorInvalidRequest, reason, "")
	}
	return nil
}

// ValidateAuthorizedPostLogoutRedirectURI checks post_logout_redirect_uri
// against the configured allow list.
type ValidateAuthorizedPostLogoutRedirectURI struct{}

// ValidateAuthorizedPostLogoutRedirectURIDescriptor registers ValidateAuthorizedPostLogoutRedirectURI.
var ValidateAuthorizedPostLogoutRedirectURIDescriptor = server.NewDescriptor[*logoutContext]("ValidateAuthorizedPostLogoutRedirectURI").
	UseHandler(ValidateAuthorizedPostLogoutRedirectURI{}).
	SetOrder(order(1)).
	AddFilter(server.RequirePostLogoutRedirectURIParameter, server.RequirePostLogoutRedirectURIAllowList).
	MustBuild()

// Handle implements server.Handler.
func (ValidateAuthorizedPostLogoutRedirectURI) Handle(_ context.Context, ectx *logoutContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if !slices.Contains(ectx.Options().PostLogoutRedirectURIs, ectx.PostLogoutRedirectURI) {
		ectx.Reject(protocol.ErrorInvalidRequest, "The specified 'post_logout_redirect_uri' is invalid.", "")
	}
	return nil
}
