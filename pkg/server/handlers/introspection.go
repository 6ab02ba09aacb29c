// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"strings"

	"github.com/ory/fosite"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

type (
	validateIntrospectionContext = server.ValidateIntrospectionRequestContext
	handleIntrospectionContext   = server.HandleIntrospectionRequestContext
)

// IntrospectionHandlers returns the handlers of the introspection endpoint (RFC 7662).
func IntrospectionHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		ValidateIntrospectionTokenParameterDescriptor,
		ValidateIntrospectionTokenTypeHintDescriptor,
		ValidateIntrospectionClientIDDescriptor,
		AttachIntrospectionClaimsDescriptor,
	}
}

// ValidateIntrospectionTokenParameter requires the token parameter.
type ValidateIntrospectionTokenParameter struct{}

// ValidateIntrospectionTokenParameterDescriptor registers ValidateIntrospectionTokenParameter.
var ValidateIntrospectionTokenParameterDescriptor = server.NewDescriptor[*validateIntrospectionContext]("ValidateIntrospectionTokenParameter").
	UseHandler(ValidateIntrospectionTokenParameter{}).
	SetOrder(order(0)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateIntrospectionTokenParameter) Handle(_ context.Context, ectx *validateIntrospectionContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Token == "" {
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'token' parameter is missing.", "")
	}
	return nil
}

// ValidateIntrospectionTokenTypeHint rejects unknown token_type_hint values.
type ValidateIntrospectionTokenTypeHint struct{}

// ValidateIntrospectionTokenTypeHintDescriptor registers ValidateIntrospectionTokenTypeHint.
var ValidateIntrospectionTokenTypeHintDescriptor = server.NewDescriptor[*validateIntrospectionContext]("ValidateIntrospectionTokenTypeHint").
	UseHandler(ValidateIntrospectionTokenTypeHint{}).
	SetOrder(order(1)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateIntrospectionTokenTypeHint) Handle(_ context.Context, ectx *validateIntrospectionContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if !isKnownTokenTypeHint(ectx.TokenTypeHint) {
		ectx.Reject(protocol.ErrorUnsupportedTokenType, "The specified 'token_type_hint' parameter is not supported.", "")
	}
	return nil
}

// ValidateIntrospectionClientID authenticates the caller of the introspection endpoint.
type ValidateIntrospectionClientID struct{}

// ValidateIntrospectionClientIDDescriptor registers ValidateIntrospectionClientID.
var ValidateIntrospectionClientIDDescriptor = server.NewDescriptor[*validateIntrospectionContext]("ValidateIntrospectionClientID").
	UseHandler(ValidateIntrospectionClientID{}).
	SetOrder(order(2)).
	AddFilter(server.RequireDegradedModeDisabled, server.RequireClientStore).
	MustBuild()

// Handle implements server.Handler.
func (ValidateIntrospectionClientID) Handle(ctx context.Context, ectx *validateIntrospectionContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	client, err := authenticateClient(ctx, &ectx.BaseContext, ectx.ClientID)
	if err != nil {
		return err
	}
	ectx.Client = client
	return nil
}

// AttachIntrospectionClaims writes the introspection response. Tokens that
// are unknown, expired or issued to another client are reported inactive.
type AttachIntrospectionClaims struct{}

// AttachIntrospectionClaimsDescriptor registers AttachIntrospectionClaims.
var AttachIntrospectionClaimsDescriptor = server.NewDescriptor[*handleIntrospectionContext]("AttachIntrospectionClaims").
	UseHandler(AttachIntrospectionClaims{}).
	SetOrder(order(0)).
	MustBuild()

// Handle implements server.Handler.
func (AttachIntrospectionClaims) Handle(_ context.Context, ectx *handleIntrospectionContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	p := ectx.Principal
	if p == nil || p.IsExpired(ectx.Options().CurrentTime()) || !isVisibleTo(p, ectx.Request().ClientID()) {
		ectx.Claims = map[string]any{protocol.ParamActive: false}
		ectx.Response().Set(protocol.ParamActive, false)
		return nil
	}

	claims := map[string]any{
		protocol.ParamActive:  true,
		protocol.ClaimSubject: p.Subject,
		protocol.ClaimIssuer:  ectx.Options().Issuer,
	}
	if len(p.Scopes) > 0 {
		claims[protocol.ClaimScope] = strings.Join(p.Scopes, " ")
	}
	if presenter := p.Presenter(); presenter != "" {
		claims[protocol.ClaimClientID] = presenter
	}
	if p.Claim(protocol.ClaimTokenUsage) == protocol.TokenUsageAccessToken {
		claims[protocol.ParamTokenType] = protocol.TokenTypeBearer
	}
	for _, name := range []string{protocol.ClaimExpiresAt, protocol.ClaimIssuedAt, protocol.ClaimAudience, protocol.ClaimName, protocol.ClaimEmail} {
		if value, ok := p.Claims[name]; ok {
			claims[name] = value
		}
	}

	ectx.Claims = claims
	for name, value := range claims {
		ectx.Response().Set(name, value)
	}
	return nil
}

// isVisibleTo reports whether a caller may learn about a token issued for p.
// Anonymous callers only see tokens that are not bound to a client.
func isVisibleTo(p *auth.Principal, clientID string) bool {
	presenter := p.Presenter()
	if presenter == "" || presenter == clientID {
		return true
	}
	aud, err := p.Claims.GetAudience()
	if err != nil {
		return false
	}
	for _, a := range aud {
		if a == clientID && clientID != "" {
			return true
		}
	}
	return false
}

func isKnownTokenTypeHint(hint string) bool {
	switch hint {
	case "", protocol.TokenTypeHintAccessToken, protocol.TokenTypeHintRefreshToken:
		return true
	default:
		return false
	}
}

// authenticateClient resolves and authenticates the caller of the
// introspection and revocation endpoints. It returns a nil client when the
// caller is anonymous or the context was rejected.
func authenticateClient(ctx context.Context, ectx *server.BaseContext, clientID string) (fosite.Client, error) {
	opts := ectx.Options()
	if clientID == "" {
		if !opts.AcceptAnonymousClients {
			ectx.Reject(protocol.ErrorInvalidClient, "The mandatory 'client_id' parameter is missing.", "")
		}
		return nil, nil
	}

	client, found, err := lookupClient(ctx, opts, clientID)
	if err != nil {
		return nil, err
	}
	if !found {
		ectx.Reject(protocol.ErrorInvalidClient, "The specified 'client_id' is invalid.", "")
		return nil, nil
	}
	if !client.IsPublic() && !verifyClientSecret(client, ectx.Request().ClientSecret()) {
		ectx.Reject(protocol.ErrorInvalidClient, "The specified client credentials are invalid.", "")
		return nil, nil
	}
	return client, nil
}
