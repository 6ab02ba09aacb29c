// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

type (
	validateUserinfoContext = server.ValidateUserinfoRequestContext
	handleUserinfoContext   = server.HandleUserinfoRequestContext
)

// UserinfoHandlers returns the handlers of the userinfo endpoint.
func UserinfoHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		ValidateAccessTokenParameterDescriptor,
		AttachUserinfoClaimsDescriptor,
	}
}

// ValidateAccessTokenParameter requires an access token.
type ValidateAccessTokenParameter struct{}

// ValidateAccessTokenParameterDescriptor registers ValidateAccessTokenParameter.
var ValidateAccessTokenParameterDescriptor = server.NewDescriptor[*validateUserinfoContext]("ValidateAccessTokenParameter").
	UseHandler(ValidateAccessTokenParameter{}).
	SetOrder(order(0)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateAccessTokenParameter) Handle(_ context.Context, ectx *validateUserinfoContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.AccessToken == "" {
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'access_token' parameter is missing.", "")
	}
	return nil
}

// scopeClaims lists the claims released for each standard scope.
var scopeClaims = map[string][]string{
	protocol.ScopeProfile: {protocol.ClaimName, "family_name", "given_name", "preferred_username", "picture", "locale"},
	protocol.ScopeEmail:   {protocol.ClaimEmail, "email_verified"},
	protocol.ScopePhone:   {"phone_number", "phone_number_verified"},
	protocol.ScopeAddress: {"address"},
}

// AttachUserinfoClaims writes the claims of the principal allowed by its scopes.
type AttachUserinfoClaims struct{}

// AttachUserinfoClaimsDescriptor registers AttachUserinfoClaims.
var AttachUserinfoClaimsDescriptor = server.NewDescriptor[*handleUserinfoContext]("AttachUserinfoClaims").
	UseHandler(AttachUserinfoClaims{}).
	SetOrder(order(0)).
	MustBuild()

// Handle implements server.Handler.
func (AttachUserinfoClaims) Handle(_ context.Context, ectx *handleUserinfoContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	p := ectx.Principal
	if p == nil {
		ectx.Reject(protocol.ErrorInvalidToken, "The access token is not valid or cannot be used to retrieve user information.", "")
		return nil
	}

	claims := map[string]any{protocol.ClaimSubject: p.Subject}
	if aud := p.Presenter(); aud != "" {
		claims[protocol.ClaimAudience] = aud
	}
	for scope, names := range scopeClaims {
		if !p.HasScope(scope) {
			continue
		}
		for _, name := range names {
			if value, ok := p.Claims[name]; ok {
				claims[name] = value
			}
		}
	}

	if ectx.Claims == nil {
		ectx.Claims = make(map[string]any, len(claims))
	}
	for name, value := range claims {
		ectx.Claims[name] = value
		ectx.Response().Set(name, value)
	}
	return nil
}
