// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

type signOutContext = server.ProcessSignOutContext

// SignOutHandlers returns the handlers of the sign-out stage.
func SignOutHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		ValidateSignOutDemandDescriptor,
		AttachPostLogoutRedirectURIDescriptor,
		AttachSignOutStateDescriptor,
	}
}

// ValidateSignOutDemand ensures sign-out only happens on the logout endpoint.
type ValidateSignOutDemand struct{}

// ValidateSignOutDemandDescriptor registers ValidateSignOutDemand.
var ValidateSignOutDemandDescriptor = server.NewDescriptor[*signOutContext]("ValidateSignOutDemand").
	UseHandler(ValidateSignOutDemand{}).
	SetOrder(server.OrderBase).
	MustBuild()

// Handle implements server.Handler.
func (ValidateSignOutDemand) Handle(_ context.Context, ectx *signOutContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.EndpointType() != server.EndpointLogout {
		return errors.NewNotSupportedError("A sign-out response cannot be returned from this endpoint.", nil)
	}
	return nil
}

// AttachPostLogoutRedirectURI returns the validated post_logout_redirect_uri
// so the transport knows where to send the user agent.
type AttachPostLogoutRedirectURI struct{}

// AttachPostLogoutRedirectURIDescriptor registers AttachPostLogoutRedirectURI.
var AttachPostLogoutRedirectURIDescriptor = server.NewDescriptor[*signOutContext]("AttachPostLogoutRedirectURI").
	UseHandler(AttachPostLogoutRedirectURI{}).
	SetOrder(order(1)).
	AddFilter(server.RequirePostLogoutRedirectURIParameter).
	MustBuild()

// Handle implements server.Handler.
func (AttachPostLogoutRedirectURI) Handle(_ context.Context, ectx *signOutContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	ectx.Response().Set(protocol.ParamPostLogoutRedirectURI, ectx.Request().PostLogoutRedirectURI())
	return nil
}

// AttachSignOutState returns the state of the logout request.
type AttachSignOutState struct{}

// AttachSignOutStateDescriptor registers AttachSignOutState.
var AttachSignOutStateDescriptor = server.NewDescriptor[*signOutContext]("AttachSignOutState").
	UseHandler(AttachSignOutState{}).
	SetOrder(order(2)).
	MustBuild()

// Handle implements server.Handler.
func (AttachSignOutState) Handle(_ context.Context, ectx *signOutContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	attachState(&ectx.BaseContext)
	return nil
}
