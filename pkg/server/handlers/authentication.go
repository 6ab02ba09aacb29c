// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

type authenticationContext = server.ProcessAuthenticationContext

// OrderResolveAmbientPrincipal runs ResolveAmbientPrincipal ahead of every
// other authentication handler.
const OrderResolveAmbientPrincipal = math.MinInt32 + 50_000

// AuthenticationHandlers returns the handlers of the authentication stage.
func AuthenticationHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		ResolveAmbientPrincipalDescriptor,
		ValidateAuthenticationDemandDescriptor,
		ValidatePrincipalLifetimeDescriptor,
		ValidatePrincipalPresenterDescriptor,
		ValidateRedirectURIBindingDescriptor,
		ValidateCodeVerifierDescriptor,
	}
}

// tokenGrant returns the grant type of a token request, or "" on other endpoints.
func tokenGrant(ectx *server.BaseContext) string {
	if ectx.EndpointType() != server.EndpointToken {
		return ""
	}
	return ectx.Request().GrantType()
}

// ResolveAmbientPrincipal attaches the principal carried by the request to
// the transaction. It is looked up in the session store by the endpoint
// specific handle: the code or refresh token on the token endpoint, the access
// token on the userinfo endpoint, the token on the introspection and
// revocation endpoints and the session handle otherwise. The principal of the
// transport (context.Context) is only honoured on the authorization and logout
// endpoints, where it takes precedence over the session handle. Unknown,
// expired and mistyped handles leave the transaction without principal.
type ResolveAmbientPrincipal struct{}

// ResolveAmbientPrincipalDescriptor registers ResolveAmbientPrincipal.
var ResolveAmbientPrincipalDescriptor = server.NewDescriptor[*authenticationContext]("ResolveAmbientPrincipal").
	UseHandler(ResolveAmbientPrincipal{}).
	SetOrder(OrderResolveAmbientPrincipal).
	MustBuild()

// Handle implements server.Handler.
func (ResolveAmbientPrincipal) Handle(ctx context.Context, ectx *authenticationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	tx := ectx.Transaction()
	if tx.AmbientPrincipal != nil {
		return nil
	}
	if acceptsTransportPrincipal(ectx.EndpointType()) {
		if p, ok := auth.PrincipalFromContext(ctx); ok && p != nil {
			tx.AmbientPrincipal = p
			return nil
		}
	}

	sessions := ectx.Options().Sessions
	if sessions == nil {
		return nil
	}
	handle, usages := ambientHandle(ectx)
	if handle == "" {
		return nil
	}

	p, err := sessions.GetSession(ctx, handle)
	if err != nil {
		if isNotFound(err) {
			ectx.Logger().Debug("no principal for the presented handle", "error", err)
			return nil
		}
		return fmt.Errorf("failed to resolve the ambient principal: %w", err)
	}
	if usage := p.Claim(protocol.ClaimTokenUsage); !slices.Contains(usages, usage) {
		ectx.Logger().Debug("ignoring handle of the wrong type", "token_usage", usage)
		return nil
	}

	tx.AmbientPrincipal = p
	return nil
}

// acceptsTransportPrincipal reports whether the identity of a request received
// on endpoint may come from the transport. Other endpoints identify the
// principal by the code or token presented in the request.
func acceptsTransportPrincipal(endpoint server.EndpointType) bool {
	return endpoint == server.EndpointAuthorization || endpoint == server.EndpointLogout
}

// ambientHandle returns the handle identifying the principal of the request
// and the token usages it may carry. Session handles carry no usage.
func ambientHandle(ectx *authenticationContext) (string, []string) {
	req := ectx.Request()
	switch ectx.EndpointType() {
	case server.EndpointToken:
		switch req.GrantType() {
		case protocol.GrantTypeAuthorizationCode:
			return req.Code(), []string{protocol.TokenUsageAuthorizationCode}
		case protocol.GrantTypeRefreshToken:
			return req.RefreshToken(), []string{protocol.TokenUsageRefreshToken}
		}
	case server.EndpointUserinfo:
		return req.AccessToken(), []string{protocol.TokenUsageAccessToken}
	case server.EndpointIntrospection, server.EndpointRevocation:
		return req.Token(), []string{protocol.TokenUsageAccessToken, protocol.TokenUsageRefreshToken}
	case server.EndpointAuthorization, server.EndpointLogout:
		return ectx.Transaction().SessionHandle, []string{""}
	}
	return "", nil
}

// ValidateAuthenticationDemand attaches the ambient principal to the context
// for the endpoints that carry an identity. Other endpoints cannot be
// authenticated and fail with a not_supported error.
type ValidateAuthenticationDemand struct{}

// ValidateAuthenticationDemandDescriptor registers ValidateAuthenticationDemand.
var ValidateAuthenticationDemandDescriptor = server.NewDescriptor[*authenticationContext]("ValidateAuthenticationDemand").
	UseHandler(ValidateAuthenticationDemand{}).
	SetOrder(server.OrderBase).
	MustBuild()

// Handle implements server.Handler.
func (ValidateAuthenticationDemand) Handle(_ context.Context, ectx *authenticationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	switch ectx.EndpointType() {
	case server.EndpointAuthorization,
		server.EndpointLogout,
		server.EndpointUserinfo,
		server.EndpointIntrospection,
		server.EndpointRevocation:
		ectx.Principal = ectx.Transaction().AmbientPrincipal
		return nil

	case server.EndpointToken:
		switch ectx.Request().GrantType() {
		case protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken:
			ectx.Principal = ectx.Transaction().AmbientPrincipal
			return nil
		}
	}

	return errors.NewNotSupportedError("No identity cannot be extracted from this request.", nil)
}

// ValidatePrincipalLifetime rejects expired codes and tokens. On the
// introspection, revocation, authorization and logout endpoints an expired
// principal is dropped instead.
type ValidatePrincipalLifetime struct{}

// ValidatePrincipalLifetimeDescriptor registers ValidatePrincipalLifetime.
var ValidatePrincipalLifetimeDescriptor = server.NewDescriptor[*authenticationContext]("ValidatePrincipalLifetime").
	UseHandler(ValidatePrincipalLifetime{}).
	SetOrder(order(1)).
	MustBuild()

// Handle implements server.Handler.
func (ValidatePrincipalLifetime) Handle(_ context.Context, ectx *authenticationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	p := ectx.Principal
	if p == nil || !p.IsExpired(ectx.Options().CurrentTime()) {
		return nil
	}

	switch ectx.EndpointType() {
	case server.EndpointToken:
		if tokenGrant(&ectx.BaseContext) == protocol.GrantTypeRefreshToken {
			ectx.Reject(protocol.ErrorInvalidGrant, "The specified refresh token is no longer valid.", "")
		} else {
			ectx.Reject(protocol.ErrorInvalidGrant, "The specified authorization code is no longer valid.", "")
		}
	case server.EndpointUserinfo:
		ectx.Reject(protocol.ErrorInvalidToken, "The specified access token is no longer valid.", "")
	default:
		ectx.Logger().Debug("dropping expired principal", "subject", p.Subject)
		ectx.Principal = nil
	}
	return nil
}

// ValidatePrincipalPresenter rejects codes and refresh tokens presented by a
// client other than the one they were issued to.
type ValidatePrincipalPresenter struct{}

// ValidatePrincipalPresenterDescriptor registers ValidatePrincipalPresenter.
var ValidatePrincipalPresenterDescriptor = server.NewDescriptor[*authenticationContext]("ValidatePrincipalPresenter").
	UseHandler(ValidatePrincipalPresenter{}).
	SetOrder(order(2)).
	MustBuild()

// Handle implements server.Handler.
func (ValidatePrincipalPresenter) Handle(_ context.Context, ectx *authenticationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	grant := tokenGrant(&ectx.BaseContext)
	if ectx.Principal == nil || (grant != protocol.GrantTypeAuthorizationCode && grant != protocol.GrantTypeRefreshToken) {
		return nil
	}

	presenter := ectx.Principal.Presenter()
	if presenter == "" || presenter == ectx.Request().ClientID() {
		return nil
	}
	if grant == protocol.GrantTypeRefreshToken {
		ectx.Reject(protocol.ErrorInvalidGrant, "The specified refresh token cannot be used by this client application.", "")
	} else {
		ectx.Reject(protocol.ErrorInvalidGrant, "The specified authorization code cannot be used by this client application.", "")
	}
	return nil
}

// ValidateRedirectURIBinding requires the token request to repeat the
// redirect_uri the authorization code was sent to (RFC 6749 section 4.1.3).
type ValidateRedirectURIBinding struct{}

// ValidateRedirectURIBindingDescriptor registers ValidateRedirectURIBinding.
var ValidateRedirectURIBindingDescriptor = server.NewDescriptor[*authenticationContext]("ValidateRedirectURIBinding").
	UseHandler(ValidateRedirectURIBinding{}).
	SetOrder(order(3)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateRedirectURIBinding) Handle(_ context.Context, ectx *authenticationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Principal == nil || tokenGrant(&ectx.BaseContext) != protocol.GrantTypeAuthorizationCode {
		return nil
	}

	bound := ectx.Principal.Claim(protocol.ClaimRedirectURI)
	if bound == "" {
		return nil
	}
	switch ectx.Request().RedirectURI() {
	case bound:
	case "":
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'redirect_uri' parameter is missing.", "")
	default:
		ectx.Reject(protocol.ErrorInvalidGrant,
			"The specified 'redirect_uri' parameter doesn't match the client redirection endpoint the authorization code was initially sent to.", "")
	}
	return nil
}

// ValidateCodeVerifier checks the code_verifier against the code_challenge
// bound to the authorization code (RFC 7636).
type ValidateCodeVerifier struct{}

// ValidateCodeVerifierDescriptor registers ValidateCodeVerifier.
var ValidateCodeVerifierDescriptor = server.NewDescriptor[*authenticationContext]("ValidateCodeVerifier").
	UseHandler(ValidateCodeVerifier{}).
	SetOrder(order(4)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateCodeVerifier) Handle(_ context.Context, ectx *authenticationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Principal == nil || tokenGrant(&ectx.BaseContext) != protocol.GrantTypeAuthorizationCode {
		return nil
	}

	challenge := ectx.Principal.Claim(protocol.ClaimCodeChallenge)
	verifier := ectx.Request().CodeVerifier()
	switch {
	case challenge == "" && verifier != "":
		ectx.Reject(protocol.ErrorInvalidRequest, "The 'code_verifier' parameter is uncalled for in this request.", "")
	case challenge == "":
	case verifier == "":
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'code_verifier' parameter is missing.", "")
	case !verifyCodeChallenge(verifier, challenge, ectx.Principal.Claim(protocol.ClaimCodeChallengeMethod)):
		ectx.Reject(protocol.ErrorInvalidGrant, "The specified 'code_verifier' parameter is invalid.", "")
	}
	return nil
}
