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

type authorizationContext = server.ValidateAuthorizationRequestContext

// AuthorizationHandlers returns the handlers validating authorization requests.
func AuthorizationHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		ValidateRequestParameterDescriptor,
		ValidateRequestURIParameterDescriptor,
		ValidateClientIDParameterDescriptor,
		ValidateRedirectURIParameterDescriptor,
		ValidateResponseTypeParameterDescriptor,
		ValidateResponseModeParameterDescriptor,
		ValidateScopeParameterDescriptor,
		ValidateNonceParameterDescriptor,
		ValidatePromptParameterDescriptor,
		ValidateCodeChallengeParametersDescriptor,
		ValidateClientIDDescriptor,
		ValidateClientRedirectURIDescriptor,
		ValidateResponseTypePermissionsDescriptor,
		ValidateScopesDescriptor,
		ValidateAuthorizationScopePermissionsDescriptor,
	}
}

// ValidateRequestParameter rejects request objects, which are not supported.
type ValidateRequestParameter struct{}

// ValidateRequestParameterDescriptor registers ValidateRequestParameter.
var ValidateRequestParameterDescriptor = server.NewDescriptor[*authorizationContext]("ValidateRequestParameter").
	UseHandler(ValidateRequestParameter{}).
	SetOrder(order(0)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateRequestParameter) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Request().Has(protocol.ParamRequest) {
		ectx.Reject(protocol.ErrorRequestNotSupported, "The 'request' parameter is not supported.", "")
	}
	return nil
}

// ValidateRequestURIParameter rejects request_uri references, which are not supported.
type ValidateRequestURIParameter struct{}

// ValidateRequestURIParameterDescriptor registers ValidateRequestURIParameter.
var ValidateRequestURIParameterDescriptor = server.NewDescriptor[*authorizationContext]("ValidateRequestURIParameter").
	UseHandler(ValidateRequestURIParameter{}).
	SetOrder(order(1)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateRequestURIParameter) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Request().Has(protocol.ParamRequestURI) {
		ectx.Reject(protocol.ErrorRequestURINotSupported, "The 'request_uri' parameter is not supported.", "")
	}
	return nil
}

// ValidateClientIDParameter rejects authorization requests without client_id.
type ValidateClientIDParameter struct{}

// ValidateClientIDParameterDescriptor registers ValidateClientIDParameter.
var ValidateClientIDParameterDescriptor = server.NewDescriptor[*authorizationContext]("ValidateClientIDParameter").
	UseHandler(ValidateClientIDParameter{}).
	SetOrder(order(2)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateClientIDParameter) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.ClientID == "" {
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'client_id' parameter is missing.", "")
	}
	return nil
}

// ValidateRedirectURIParameter requires redirect_uri for OpenID Connect
// requests and checks it is an absolute URL without fragment. Outside of
// OpenID Connect a missing redirect_uri is left to the client registration.
type ValidateRedirectURIParameter struct{}

// ValidateRedirectURIParameterDescriptor registers ValidateRedirectURIParameter.
var ValidateRedirectURIParameterDescriptor = server.NewDescriptor[*authorizationContext]("ValidateRedirectURIParameter").
	UseHandler(ValidateRedirectURIParameter{}).
	SetOrder(order(3)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateRedirectURIParameter) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	redirectURI := ectx.Request().RedirectURI()
	if redirectURI == "" {
		if ectx.Request().HasScope(protocol.ScopeOpenID) {
			ectx.Logger().Debug("rejecting OpenID Connect request without redirect_uri")
			ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'redirect_uri' parameter is missing.", "")
		}
		return nil
	}

	if reason := invalidAbsoluteURI(protocol.ParamRedirectURI, redirectURI); reason != "" {
		ectx.Reject(protocol.ErrorInvalidRequest, reason, "")
	}
	return nil
}

// ValidateResponseTypeParameter requires a supported response_type.
type ValidateResponseTypeParameter struct{}

// ValidateResponseTypeParameterDescriptor registers ValidateResponseTypeParameter.
var ValidateResponseTypeParameterDescriptor = server.NewDescriptor[*authorizationContext]("ValidateResponseTypeParameter").
	UseHandler(ValidateResponseTypeParameter{}).
	SetOrder(order(4)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateResponseTypeParameter) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	types := ectx.Request().ResponseTypes()
	if len(types) == 0 {
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'response_type' parameter is missing.", "")
		return nil
	}
	if types.Has(protocol.ResponseTypeNone) && len(types) > 1 {
		ectx.Reject(protocol.ErrorInvalidRequest, "The 'none' response type cannot be combined with other response types.", "")
		return nil
	}
	if !matchesCombination(ectx.Options().ResponseTypes, types) {
		ectx.Reject(protocol.ErrorUnsupportedResponseType, "The specified 'response_type' parameter is not supported.", "")
	}
	return nil
}

// ValidateResponseModeParameter requires a supported response_mode and
// refuses to return tokens in the query string.
type ValidateResponseModeParameter struct{}

// ValidateResponseModeParameterDescriptor registers ValidateResponseModeParameter.
var ValidateResponseModeParameterDescriptor = server.NewDescriptor[*authorizationContext]("ValidateResponseModeParameter").
	UseHandler(ValidateResponseModeParameter{}).
	SetOrder(order(5)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateResponseModeParameter) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	req := ectx.Request()
	mode := req.ResponseMode()
	if mode == "" {
		return nil
	}
	if !slices.Contains(ectx.Options().ResponseModes, mode) {
		ectx.Reject(protocol.ErrorInvalidRequest, "The specified 'response_mode' parameter is not supported.", "")
		return nil
	}
	if mode == protocol.ResponseModeQuery && (req.IsImplicitFlow() || req.IsHybridFlow()) {
		ectx.Reject(protocol.ErrorInvalidRequest, "The specified 'response_type'/'response_mode' combination is invalid.", "")
	}
	return nil
}

// ValidateScopeParameter requires the openid scope when an identity token is
// requested and forbids offline access with the implicit flow.
type ValidateScopeParameter struct{}

// ValidateScopeParameterDescriptor registers ValidateScopeParameter.
var ValidateScopeParameterDescriptor = server.NewDescriptor[*authorizationContext]("ValidateScopeParameter").
	UseHandler(ValidateScopeParameter{}).
	SetOrder(order(6)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateScopeParameter) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	req := ectx.Request()
	if req.ResponseTypes().Has(protocol.ResponseTypeIDToken) && !req.HasScope(protocol.ScopeOpenID) {
		ectx.Reject(protocol.ErrorInvalidRequest, "The 'openid' scope is required when requesting an identity token.", "")
		return nil
	}
	if req.IsImplicitFlow() && req.HasScope(protocol.ScopeOfflineAccess) {
		ectx.Reject(protocol.ErrorInvalidRequest, "The 'offline_access' scope is not allowed when using the implicit flow.", "")
	}
	return nil
}

// ValidateNonceParameter requires a nonce when an identity token is returned
// from the authorization endpoint.
type ValidateNonceParameter struct{}

// ValidateNonceParameterDescriptor registers ValidateNonceParameter.
var ValidateNonceParameterDescriptor = server.NewDescriptor[*authorizationContext]("ValidateNonceParameter").
	UseHandler(ValidateNonceParameter{}).
	SetOrder(order(7)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateNonceParameter) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	req := ectx.Request()
	if !req.HasScope(protocol.ScopeOpenID) || req.Nonce() != "" {
		return nil
	}
	if req.ResponseTypes().Has(protocol.ResponseTypeIDToken) {
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'nonce' parameter is missing.", "")
	}
	return nil
}

// ValidatePromptParameter rejects unknown prompt values and 'none' combined
// with another value.
type ValidatePromptParameter struct{}

// ValidatePromptParameterDescriptor registers ValidatePromptParameter.
var ValidatePromptParameterDescriptor = server.NewDescriptor[*authorizationContext]("ValidatePromptParameter").
	UseHandler(ValidatePromptParameter{}).
	SetOrder(order(8)).
	MustBuild()

var knownPrompts = []string{
	protocol.PromptConsent,
	protocol.PromptLogin,
	protocol.PromptNone,
	protocol.PromptSelectAccount,
}

// Handle implements server.Handler.
func (ValidatePromptParameter) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	prompts := ectx.Request().Prompts()
	for _, prompt := range prompts {
		if !slices.Contains(knownPrompts, prompt) {
			ectx.Reject(protocol.ErrorInvalidRequest, "The specified 'prompt' parameter is invalid.", "")
			return nil
		}
	}
	if prompts.Has(protocol.PromptNone) && len(prompts) > 1 {
		ectx.Reject(protocol.ErrorInvalidRequest, "The specified 'prompt' parameter is invalid.", "")
	}
	return nil
}

// ValidateCodeChallengeParameters validates the PKCE parameters (RFC 7636).
type ValidateCodeChallengeParameters struct{}

// ValidateCodeChallengeParametersDescriptor registers ValidateCodeChallengeParameters.
var ValidateCodeChallengeParametersDescriptor = server.NewDescriptor[*authorizationContext]("ValidateCodeChallengeParameters").
	UseHandler(ValidateCodeChallengeParameters{}).
	SetOrder(order(9)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateCodeChallengeParameters) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	req := ectx.Request()
	challenge, method := req.CodeChallenge(), req.CodeChallengeMethod()
	requestsCode := req.ResponseTypes().Has(protocol.ResponseTypeCode)

	if challenge == "" {
		switch {
		case method != "":
			ectx.Reject(protocol.ErrorInvalidRequest,
				"The 'code_challenge_method' parameter cannot be used without 'code_challenge'.", "")
		case requestsCode && ectx.Options().RequireProofKeyForCodeExchange:
			ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'code_challenge' parameter is missing.", "")
		}
		return nil
	}

	if !requestsCode {
		ectx.Reject(protocol.ErrorInvalidRequest,
			"The 'code_challenge' and 'code_challenge_method' parameters can only be used with a response type containing 'code'.", "")
		return nil
	}
	if method == "" {
		method = protocol.CodeChallengeMethodPlain
	}
	if !slices.Contains(ectx.Options().CodeChallengeMethods, method) {
		ectx.Reject(protocol.ErrorInvalidRequest, "The specified 'code_challenge_method' parameter is not supported.", "")
	}
	return nil
}

// ValidateClientID resolves the client of the authorization request.
type ValidateClientID struct{}

// ValidateClientIDDescriptor registers ValidateClientID.
var ValidateClientIDDescriptor = server.NewDescriptor[*authorizationContext]("ValidateClientID").
	UseHandler(ValidateClientID{}).
	SetOrder(order(10)).
	AddFilter(server.RequireDegradedModeDisabled, server.RequireClientStore).
	MustBuild()

// Handle implements server.Handler.
func (ValidateClientID) Handle(ctx context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	client, found, err := lookupClient(ctx, ectx.Options(), ectx.ClientID)
	if err != nil {
		return err
	}
	if !found {
		ectx.Logger().Debug("unknown client", "client_id", ectx.ClientID)
		ectx.Reject(protocol.ErrorInvalidRequest, "The specified 'client_id' is invalid.", "")
		return nil
	}
	ectx.Client = client
	return nil
}

// ValidateClientRedirectURI checks redirect_uri against the client
// registration. When the request omits it and the client registered exactly
// one redirect URI, that URI is used.
type ValidateClientRedirectURI struct{}

// ValidateClientRedirectURIDescriptor registers ValidateClientRedirectURI.
var ValidateClientRedirectURIDescriptor = server.NewDescriptor[*authorizationContext]("ValidateClientRedirectURI").
	UseHandler(ValidateClientRedirectURI{}).
	SetOrder(order(11)).
	AddFilter(server.RequireDegradedModeDisabled, server.RequireClientStore).
	MustBuild()

// Handle implements server.Handler.
func (ValidateClientRedirectURI) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Client == nil {
		return errors.NewInternalError("the client of the authorization request was not resolved", nil)
	}

	registered := ectx.Client.GetRedirectURIs()
	if ectx.RedirectURI == "" {
		if len(registered) != 1 {
			ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'redirect_uri' parameter is missing.", "")
			return nil
		}
		ectx.RedirectURI = registered[0]
		return nil
	}

	if !slices.Contains(registered, ectx.RedirectURI) {
		ectx.Logger().Debug("redirect_uri not registered", "client_id", ectx.ClientID, "redirect_uri", ectx.RedirectURI)
		ectx.Reject(protocol.ErrorInvalidRequest, "The specified 'redirect_uri' is not valid for this client application.", "")
	}
	return nil
}

// ValidateResponseTypePermissions checks the client may use the requested response type.
type ValidateResponseTypePermissions struct{}

// ValidateResponseTypePermissionsDescriptor registers ValidateResponseTypePermissions.
var ValidateResponseTypePermissionsDescriptor = server.NewDescriptor[*authorizationContext]("ValidateResponseTypePermissions").
	UseHandler(ValidateResponseTypePermissions{}).
	SetOrder(order(12)).
	AddFilter(server.RequireDegradedModeDisabled, server.RequireClientStore, server.RequireEndpointPermissionsEnabled).
	MustBuild()

// Handle implements server.Handler.
func (ValidateResponseTypePermissions) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Client == nil {
		return errors.NewInternalError("the client of the authorization request was not resolved", nil)
	}

	if !matchesCombination(ectx.Client.GetResponseTypes(), ectx.Request().ResponseTypes()) {
		ectx.Reject(protocol.ErrorUnauthorizedClient,
			"The client application is not allowed to use the specified 'response_type'.", "")
	}
	return nil
}

// ValidateScopes rejects scopes the server does not support.
type ValidateScopes struct{}

// ValidateScopesDescriptor registers ValidateScopes.
var ValidateScopesDescriptor = server.NewDescriptor[*authorizationContext]("ValidateScopes").
	UseHandler(ValidateScopes{}).
	SetOrder(order(13)).
	AddFilter(server.RequireScopeValidationEnabled).
	MustBuild()

// Handle implements server.Handler.
func (ValidateScopes) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if scope := unsupportedScope(ectx.Options(), ectx.Request().Scopes()); scope != "" {
		ectx.Logger().Debug("unsupported scope", "scope", scope)
		ectx.Reject(protocol.ErrorInvalidScope, "The specified 'scope' is not supported.", "")
	}
	return nil
}

// ValidateAuthorizationScopePermissions checks the client may request every
// scope. The openid scope is always allowed.
type ValidateAuthorizationScopePermissions struct{}

// ValidateAuthorizationScopePermissionsDescriptor registers ValidateAuthorizationScopePermissions.
var ValidateAuthorizationScopePermissionsDescriptor = server.NewDescriptor[*authorizationContext]("ValidateAuthorizationScopePermissions").
	UseHandler(ValidateAuthorizationScopePermissions{}).
	SetOrder(order(14)).
	AddFilter(server.RequireDegradedModeDisabled, server.RequireClientStore, server.RequireScopePermissionsEnabled).
	MustBuild()

// Handle implements server.Handler.
func (ValidateAuthorizationScopePermissions) Handle(_ context.Context, ectx *authorizationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Client == nil {
		return errors.NewInternalError("the client of the authorization request was not resolved", nil)
	}

	allowed := ectx.Client.GetScopes()
	for _, scope := range ectx.Request().Scopes() {
		if scope == protocol.ScopeOpenID {
			continue
		}
		if !allowed.Has(scope) {
			ectx.Reject(protocol.ErrorInvalidRequest, "This client application is not allowed to use the specified scope.", "")
			return nil
		}
	}
	return nil
}

// unsupportedScope returns the first scope not supported by the server, or "".
func unsupportedScope(opts *server.Options, scopes []string) string {
	for _, scope := range scopes {
		if !slices.Contains(opts.Scopes, scope) {
			return scope
		}
	}
	return ""
}
