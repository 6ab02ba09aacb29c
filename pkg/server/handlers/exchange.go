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

type tokenContext = server.ValidateTokenRequestContext

// ExchangeHandlers returns the handlers validating token requests.
func ExchangeHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		ValidateGrantTypeParameterDescriptor,
		ValidateTokenClientIDParameterDescriptor,
		ValidateAuthorizationCodeParameterDescriptor,
		ValidateRefreshTokenParameterDescriptor,
		ValidateResourceOwnerCredentialsParametersDescriptor,
		ValidateCodeVerifierParameterDescriptor,
		ValidateTokenScopeParameterDescriptor,
		ValidateTokenClientIDDescriptor,
		ValidateClientTypeDescriptor,
		ValidateClientSecretDescriptor,
		ValidateGrantTypePermissionsDescriptor,
	}
}

// ValidateGrantTypeParameter requires a supported grant_type.
type ValidateGrantTypeParameter struct{}

// ValidateGrantTypeParameterDescriptor registers ValidateGrantTypeParameter.
var ValidateGrantTypeParameterDescriptor = server.NewDescriptor[*tokenContext]("ValidateGrantTypeParameter").
	UseHandler(ValidateGrantTypeParameter{}).
	SetOrder(order(0)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateGrantTypeParameter) Handle(_ context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	grantType := ectx.Request().GrantType()
	if grantType == "" {
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'grant_type' parameter is missing.", "")
		return nil
	}
	if !slices.Contains(ectx.Options().GrantTypes, grantType) {
		ectx.Reject(protocol.ErrorUnsupportedGrantType, "The specified 'grant_type' parameter is not supported.", "")
	}
	return nil
}

// ValidateTokenClientIDParameter requires client_id unless anonymous clients are accepted.
type ValidateTokenClientIDParameter struct{}

// ValidateTokenClientIDParameterDescriptor registers ValidateTokenClientIDParameter.
var ValidateTokenClientIDParameterDescriptor = server.NewDescriptor[*tokenContext]("ValidateTokenClientIDParameter").
	UseHandler(ValidateTokenClientIDParameter{}).
	SetOrder(order(1)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateTokenClientIDParameter) Handle(_ context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.ClientID == "" && !ectx.Options().AcceptAnonymousClients {
		ectx.Reject(protocol.ErrorInvalidClient, "The mandatory 'client_id' parameter is missing.", "")
	}
	return nil
}

// ValidateAuthorizationCodeParameter requires code for the authorization code grant.
type ValidateAuthorizationCodeParameter struct{}

// ValidateAuthorizationCodeParameterDescriptor registers ValidateAuthorizationCodeParameter.
var ValidateAuthorizationCodeParameterDescriptor = server.NewDescriptor[*tokenContext]("ValidateAuthorizationCodeParameter").
	UseHandler(ValidateAuthorizationCodeParameter{}).
	SetOrder(order(2)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateAuthorizationCodeParameter) Handle(_ context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	req := ectx.Request()
	if req.GrantType() == protocol.GrantTypeAuthorizationCode && req.Code() == "" {
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'code' parameter is missing.", "")
	}
	return nil
}

// ValidateRefreshTokenParameter requires refresh_token for the refresh token grant.
type ValidateRefreshTokenParameter struct{}

// ValidateRefreshTokenParameterDescriptor registers ValidateRefreshTokenParameter.
var ValidateRefreshTokenParameterDescriptor = server.NewDescriptor[*tokenContext]("ValidateRefreshTokenParameter").
	UseHandler(ValidateRefreshTokenParameter{}).
	SetOrder(order(3)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateRefreshTokenParameter) Handle(_ context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	req := ectx.Request()
	if req.GrantType() == protocol.GrantTypeRefreshToken && req.RefreshToken() == "" {
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'refresh_token' parameter is missing.", "")
	}
	return nil
}

// ValidateResourceOwnerCredentialsParameters requires username and password
// for the password grant.
type ValidateResourceOwnerCredentialsParameters struct{}

// ValidateResourceOwnerCredentialsParametersDescriptor registers ValidateResourceOwnerCredentialsParameters.
var ValidateResourceOwnerCredentialsParametersDescriptor = server.NewDescriptor[*tokenContext]("ValidateResourceOwnerCredentialsParameters").
	UseHandler(ValidateResourceOwnerCredentialsParameters{}).
	SetOrder(order(4)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateResourceOwnerCredentialsParameters) Handle(_ context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	req := ectx.Request()
	if req.GrantType() == protocol.GrantTypePassword && (req.Username() == "" || req.Password() == "") {
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'username' and/or 'password' parameters are missing.", "")
	}
	return nil
}

// ValidateCodeVerifierParameter rejects code_verifier outside of the
// authorization code grant.
type ValidateCodeVerifierParameter struct{}

// ValidateCodeVerifierParameterDescriptor registers ValidateCodeVerifierParameter.
var ValidateCodeVerifierParameterDescriptor = server.NewDescriptor[*tokenContext]("ValidateCodeVerifierParameter").
	UseHandler(ValidateCodeVerifierParameter{}).
	SetOrder(order(5)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateCodeVerifierParameter) Handle(_ context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	req := ectx.Request()
	if req.CodeVerifier() != "" && req.GrantType() != protocol.GrantTypeAuthorizationCode {
		ectx.Reject(protocol.ErrorInvalidRequest,
			"The 'code_verifier' parameter is only valid for the authorization code grant.", "")
	}
	return nil
}

// ValidateTokenScopeParameter rejects scope with the authorization code grant
// (the scopes are bound to the code) and unsupported scopes otherwise.
type ValidateTokenScopeParameter struct{}

// ValidateTokenScopeParameterDescriptor registers ValidateTokenScopeParameter.
var ValidateTokenScopeParameterDescriptor = server.NewDescriptor[*tokenContext]("ValidateTokenScopeParameter").
	UseHandler(ValidateTokenScopeParameter{}).
	SetOrder(order(6)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateTokenScopeParameter) Handle(_ context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	req := ectx.Request()
	if !req.Has(protocol.ParamScope) {
		return nil
	}
	if req.GrantType() == protocol.GrantTypeAuthorizationCode {
		ectx.Reject(protocol.ErrorInvalidRequest, "The 'scope' parameter is not valid in this context.", "")
		return nil
	}
	if ectx.Options().DisableScopeValidation {
		return nil
	}
	if scope := unsupportedScope(ectx.Options(), req.Scopes()); scope != "" {
		ectx.Reject(protocol.ErrorInvalidScope, "The specified 'scope' is not supported.", "")
	}
	return nil
}

// ValidateTokenClientID resolves the client of the token request.
type ValidateTokenClientID struct{}

// ValidateTokenClientIDDescriptor registers ValidateTokenClientID.
var ValidateTokenClientIDDescriptor = server.NewDescriptor[*tokenContext]("ValidateTokenClientID").
	UseHandler(ValidateTokenClientID{}).
	SetOrder(order(7)).
	AddFilter(server.RequireDegradedModeDisabled, server.RequireClientStore, server.RequireClientIDParameter).
	MustBuild()

// Handle implements server.Handler.
func (ValidateTokenClientID) Handle(ctx context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	client, found, err := lookupClient(ctx, ectx.Options(), ectx.ClientID)
	if err != nil {
		return err
	}
	if !found {
		ectx.Reject(protocol.ErrorInvalidClient, "The specified 'client_id' is invalid.", "")
		return nil
	}
	ectx.Client = client
	return nil
}

// ValidateClientType checks the client authenticates the way its type
// requires: public clients send no secret, confidential clients must.
type ValidateClientType struct{}

// ValidateClientTypeDescriptor registers ValidateClientType.
var ValidateClientTypeDescriptor = server.NewDescriptor[*tokenContext]("ValidateClientType").
	UseHandler(ValidateClientType{}).
	SetOrder(order(8)).
	AddFilter(server.RequireDegradedModeDisabled, server.RequireClientStore, server.RequireClientIDParameter).
	MustBuild()

// Handle implements server.Handler.
func (ValidateClientType) Handle(_ context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Client == nil {
		return errors.NewInternalError("the client of the token request was not resolved", nil)
	}

	req := ectx.Request()
	if ectx.Client.IsPublic() {
		if req.GrantType() == protocol.GrantTypeClientCredentials {
			ectx.Reject(protocol.ErrorUnauthorizedClient,
				"The specified 'grant_type' parameter is not valid for this client application.", "")
			return nil
		}
		if req.ClientSecret() != "" {
			ectx.Reject(protocol.ErrorInvalidClient,
				"The 'client_secret' parameter is not valid for this client application.", "")
		}
		return nil
	}

	if req.ClientSecret() == "" {
		ectx.Reject(protocol.ErrorInvalidClient,
			"The 'client_secret' parameter required for this client application is missing.", "")
	}
	return nil
}

// ValidateClientSecret verifies the secret of confidential clients.
type ValidateClientSecret struct{}

// ValidateClientSecretDescriptor registers ValidateClientSecret.
var ValidateClientSecretDescriptor = server.NewDescriptor[*tokenContext]("ValidateClientSecret").
	UseHandler(ValidateClientSecret{}).
	SetOrder(order(9)).
	AddFilter(server.RequireDegradedModeDisabled, server.RequireClientStore, server.RequireClientIDParameter).
	MustBuild()

// Handle implements server.Handler.
func (ValidateClientSecret) Handle(_ context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Client == nil {
		return errors.NewInternalError("the client of the token request was not resolved", nil)
	}
	if ectx.Client.IsPublic() {
		return nil
	}
	if !verifyClientSecret(ectx.Client, ectx.Request().ClientSecret()) {
		ectx.Logger().Debug("client authentication failed", "client_id", ectx.ClientID)
		ectx.Reject(protocol.ErrorInvalidClient, "The specified client credentials are invalid.", "")
	}
	return nil
}

// ValidateGrantTypePermissions checks the client may use the grant type.
type ValidateGrantTypePermissions struct{}

// ValidateGrantTypePermissionsDescriptor registers ValidateGrantTypePermissions.
var ValidateGrantTypePermissionsDescriptor = server.NewDescriptor[*tokenContext]("ValidateGrantTypePermissions").
	UseHandler(ValidateGrantTypePermissions{}).
	SetOrder(order(10)).
	AddFilter(
		server.RequireDegradedModeDisabled,
		server.RequireClientStore,
		server.RequireClientIDParameter,
		server.RequireEndpointPermissionsEnabled,
	).
	MustBuild()

// Handle implements server.Handler.
func (ValidateGrantTypePermissions) Handle(_ context.Context, ectx *tokenContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Client == nil {
		return errors.NewInternalError("the client of the token request was not resolved", nil)
	}

	if !ectx.Client.GetGrantTypes().Has(ectx.Request().GrantType()) {
		ectx.Reject(protocol.ErrorUnauthorizedClient,
			"This client application is not allowed to use the specified grant type.", "")
	}
	return nil
}
