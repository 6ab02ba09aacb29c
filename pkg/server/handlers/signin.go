// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

type signInContext = server.ProcessSignInContext

// SignInHandlers returns the handlers of the sign-in stage.
func SignInHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		ValidateSignInDemandDescriptor,
		ValidateSignInPrincipalDescriptor,
		RedeemAuthorizationCodeDescriptor,
		AttachGrantedScopesDescriptor,
		GenerateAuthorizationCodeDescriptor,
		GenerateAccessTokenDescriptor,
		GenerateRefreshTokenDescriptor,
		AttachTokenResponseDescriptor,
		AttachSignInStateDescriptor,
	}
}

// ValidateSignInDemand ensures sign-in only happens on the authorization
// and token endpoints.
type ValidateSignInDemand struct{}

// ValidateSignInDemandDescriptor registers ValidateSignInDemand.
var ValidateSignInDemandDescriptor = server.NewDescriptor[*signInContext]("ValidateSignInDemand").
	UseHandler(ValidateSignInDemand{}).
	SetOrder(server.OrderBase).
	MustBuild()

// Handle implements server.Handler.
func (ValidateSignInDemand) Handle(_ context.Context, ectx *signInContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	switch ectx.EndpointType() {
	case server.EndpointAuthorization, server.EndpointToken:
		return nil
	default:
		return errors.NewNotSupportedError("A sign-in response cannot be returned from this endpoint.", nil)
	}
}

// ValidateSignInPrincipal requires a principal with a subject.
type ValidateSignInPrincipal struct{}

// ValidateSignInPrincipalDescriptor registers ValidateSignInPrincipal.
var ValidateSignInPrincipalDescriptor = server.NewDescriptor[*signInContext]("ValidateSignInPrincipal").
	UseHandler(ValidateSignInPrincipal{}).
	SetOrder(order(1)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateSignInPrincipal) Handle(_ context.Context, ectx *signInContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Principal == nil || ectx.Principal.Subject == "" {
		return errors.NewInvalidArgumentError("The specified principal doesn't contain any subject claim.", nil)
	}
	return nil
}

// RedeemAuthorizationCode revokes the authorization code being exchanged so
// it can be used only once.
type RedeemAuthorizationCode struct{}

// RedeemAuthorizationCodeDescriptor registers RedeemAuthorizationCode.
var RedeemAuthorizationCodeDescriptor = server.NewDescriptor[*signInContext]("RedeemAuthorizationCode").
	UseHandler(RedeemAuthorizationCode{}).
	SetOrder(order(2)).
	AddFilter(server.RequireTokenRevoker).
	MustBuild()

// Handle implements server.Handler.
func (RedeemAuthorizationCode) Handle(ctx context.Context, ectx *signInContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if tokenGrant(&ectx.BaseContext) != protocol.GrantTypeAuthorizationCode {
		return nil
	}

	revoked, err := ectx.Options().Revoker.RevokeToken(ctx, ectx.Request().Code())
	if err != nil {
		return fmt.Errorf("failed to redeem authorization code: %w", err)
	}
	if !revoked {
		ectx.Reject(protocol.ErrorInvalidGrant, "The specified authorization code has already been redeemed.", "")
	}
	return nil
}

// AttachGrantedScopes computes the scopes granted by the sign-in and records
// them on a copy of the principal. Authorization requests are granted the
// requested scopes, narrowed by the scopes of the principal when it carries
// any. Codes keep the scopes they were issued with. Refresh requests may only
// narrow the original scopes.
type AttachGrantedScopes struct{}

// AttachGrantedScopesDescriptor registers AttachGrantedScopes.
var AttachGrantedScopesDescriptor = server.NewDescriptor[*signInContext]("AttachGrantedScopes").
	UseHandler(AttachGrantedScopes{}).
	SetOrder(order(3)).
	MustBuild()

// Handle implements server.Handler.
func (AttachGrantedScopes) Handle(_ context.Context, ectx *signInContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Principal == nil {
		return nil
	}

	p := ectx.Principal.Clone()
	requested := ectx.Request().Scopes()

	var granted []string
	switch tokenGrant(&ectx.BaseContext) {
	case protocol.GrantTypeAuthorizationCode:
		granted = p.Scopes
	case protocol.GrantTypeRefreshToken:
		if len(requested) == 0 {
			granted = p.Scopes
			break
		}
		for _, scope := range requested {
			if !slices.Contains(p.Scopes, scope) {
				ectx.Reject(protocol.ErrorInvalidScope, "The specified 'scope' parameter exceeds the scopes granted by the resource owner.", "")
				return nil
			}
		}
		granted = requested
	default:
		granted = requested
		if ectx.EndpointType() == server.EndpointAuthorization && len(p.Scopes) > 0 {
			granted = slices.DeleteFunc(slices.Clone(requested), func(s string) bool {
				return !slices.Contains(p.Scopes, s)
			})
		}
	}

	p.Scopes = slices.Clone(granted)
	if len(p.Scopes) > 0 {
		p.SetClaim(protocol.ClaimScope, strings.Join(p.Scopes, " "))
	} else {
		p.SetClaim(protocol.ClaimScope, nil)
	}
	ectx.Principal = p
	return nil
}

// GenerateAuthorizationCode issues the authorization code of code and hybrid flows.
// The code is bound to the client, redirect_uri, code_challenge and nonce of the request.
type GenerateAuthorizationCode struct{}

// GenerateAuthorizationCodeDescriptor registers GenerateAuthorizationCode.
var GenerateAuthorizationCodeDescriptor = server.NewDescriptor[*signInContext]("GenerateAuthorizationCode").
	UseHandler(GenerateAuthorizationCode{}).
	SetOrder(order(4)).
	AddFilter(server.RequireTokenIssuer).
	MustBuild()

// Handle implements server.Handler.
func (GenerateAuthorizationCode) Handle(ctx context.Context, ectx *signInContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	req := ectx.Request()
	if ectx.Principal == nil || ectx.EndpointType() != server.EndpointAuthorization || !req.ResponseTypes().Has(protocol.ResponseTypeCode) {
		return nil
	}

	p := issuedPrincipal(ectx)
	p.SetClaim(protocol.ClaimRedirectURI, optionalClaim(req.RedirectURI()))
	p.SetClaim(protocol.ClaimNonce, optionalClaim(req.Nonce()))
	if challenge := req.CodeChallenge(); challenge != "" {
		method := req.CodeChallengeMethod()
		if method == "" {
			method = protocol.CodeChallengeMethodPlain
		}
		p.SetClaim(protocol.ClaimCodeChallenge, challenge)
		p.SetClaim(protocol.ClaimCodeChallengeMethod, method)
	}

	code, err := ectx.Options().Tokens.IssueToken(ctx, protocol.TokenUsageAuthorizationCode, p, ectx.Options().AuthorizationCodeLifetime)
	if err != nil {
		return fmt.Errorf("failed to issue authorization code: %w", err)
	}
	ectx.AuthorizationCode = code
	return nil
}

// GenerateAccessToken issues the access token of the token endpoint and of
// the implicit and hybrid flows requesting one.
type GenerateAccessToken struct{}

// GenerateAccessTokenDescriptor registers GenerateAccessToken.
var GenerateAccessTokenDescriptor = server.NewDescriptor[*signInContext]("GenerateAccessToken").
	UseHandler(GenerateAccessToken{}).
	SetOrder(order(5)).
	AddFilter(server.RequireTokenIssuer).
	MustBuild()

// Handle implements server.Handler.
func (GenerateAccessToken) Handle(ctx context.Context, ectx *signInContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Principal == nil {
		return nil
	}
	switch ectx.EndpointType() {
	case server.EndpointToken:
	case server.EndpointAuthorization:
		if !ectx.Request().ResponseTypes().Has(protocol.ResponseTypeToken) {
			return nil
		}
	default:
		return nil
	}

	token, err := ectx.Options().Tokens.IssueToken(ctx, protocol.TokenUsageAccessToken, issuedPrincipal(ectx), ectx.Options().AccessTokenLifetime)
	if err != nil {
		return fmt.Errorf("failed to issue access token: %w", err)
	}
	ectx.AccessToken = token
	return nil
}

// GenerateRefreshToken issues a refresh token when offline_access was granted.
type GenerateRefreshToken struct{}

// GenerateRefreshTokenDescriptor registers GenerateRefreshToken.
var GenerateRefreshTokenDescriptor = server.NewDescriptor[*signInContext]("GenerateRefreshToken").
	UseHandler(GenerateRefreshToken{}).
	SetOrder(order(6)).
	AddFilter(server.RequireTokenIssuer).
	MustBuild()

// Handle implements server.Handler.
func (GenerateRefreshToken) Handle(ctx context.Context, ectx *signInContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	grant := tokenGrant(&ectx.BaseContext)
	if grant == "" || grant == protocol.GrantTypeClientCredentials {
		return nil
	}
	if !ectx.Principal.HasScope(protocol.ScopeOfflineAccess) {
		return nil
	}

	token, err := ectx.Options().Tokens.IssueToken(ctx, protocol.TokenUsageRefreshToken, issuedPrincipal(ectx), ectx.Options().RefreshTokenLifetime)
	if err != nil {
		return fmt.Errorf("failed to issue refresh token: %w", err)
	}
	ectx.RefreshToken = token
	return nil
}

// AttachTokenResponse writes the issued codes and tokens to the response.
type AttachTokenResponse struct{}

// AttachTokenResponseDescriptor registers AttachTokenResponse.
var AttachTokenResponseDescriptor = server.NewDescriptor[*signInContext]("AttachTokenResponse").
	UseHandler(AttachTokenResponse{}).
	SetOrder(order(7)).
	MustBuild()

// Handle implements server.Handler.
func (AttachTokenResponse) Handle(_ context.Context, ectx *signInContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	resp := ectx.Response()
	if ectx.AuthorizationCode != "" {
		resp.Set(protocol.ParamCode, ectx.AuthorizationCode)
	}
	if ectx.AccessToken != "" {
		resp.Set(protocol.ParamAccessToken, ectx.AccessToken)
		resp.Set(protocol.ParamTokenType, protocol.TokenTypeBearer)
		resp.Set(protocol.ParamExpiresIn, int64(ectx.Options().AccessTokenLifetime.Seconds()))
	}
	if ectx.RefreshToken != "" {
		resp.Set(protocol.ParamRefreshToken, ectx.RefreshToken)
	}
	if ectx.EndpointType() == server.EndpointToken && ectx.Principal != nil && len(ectx.Principal.Scopes) > 0 {
		resp.Set(protocol.ParamScope, strings.Join(ectx.Principal.Scopes, " "))
	}
	return nil
}

// AttachSignInState returns the state of the authorization request.
type AttachSignInState struct{}

// AttachSignInStateDescriptor registers AttachSignInState.
var AttachSignInStateDescriptor = server.NewDescriptor[*signInContext]("AttachSignInState").
	UseHandler(AttachSignInState{}).
	SetOrder(order(8)).
	MustBuild()

// Handle implements server.Handler.
func (AttachSignInState) Handle(_ context.Context, ectx *signInContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.EndpointType() == server.EndpointAuthorization {
		attachState(&ectx.BaseContext)
	}
	return nil
}

// codeOnlyClaims are the claims binding an authorization code to its request.
var codeOnlyClaims = []string{
	protocol.ClaimRedirectURI,
	protocol.ClaimNonce,
	protocol.ClaimCodeChallenge,
	protocol.ClaimCodeChallengeMethod,
	protocol.ClaimTokenUsage,
	protocol.ClaimExpiresAt,
}

// issuedPrincipal returns the copy of the signed-in principal stored behind
// a new code or token: request bindings of earlier codes are removed and the
// client of the request becomes the authorized party.
func issuedPrincipal(ectx *signInContext) *auth.Principal {
	p := ectx.Principal.Clone()
	for _, claim := range codeOnlyClaims {
		p.SetClaim(claim, nil)
	}
	if clientID := ectx.Request().ClientID(); clientID != "" {
		p.SetClaim(protocol.ClaimAuthorizedParty, clientID)
	}
	p.SetClaim(protocol.ClaimIssuer, ectx.Options().Issuer)
	p.SetClaim(protocol.ClaimIssuedAt, float64(ectx.Options().CurrentTime().Unix()))
	return p
}

// optionalClaim maps "" to nil so SetClaim removes the claim.
func optionalClaim(value string) any {
	if value == "" {
		return nil
	}
	return value
}
