// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"fmt"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

type (
	validateRevocationContext = server.ValidateRevocationRequestContext
	handleRevocationContext   = server.HandleRevocationRequestContext
)

// RevocationHandlers returns the handlers of the revocation endpoint (RFC 7009).
func RevocationHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		ValidateRevocationTokenParameterDescriptor,
		ValidateRevocationTokenTypeHintDescriptor,
		ValidateRevocationClientIDDescriptor,
		RevokeTokenDescriptor,
	}
}

// ValidateRevocationTokenParameter requires the token parameter.
type ValidateRevocationTokenParameter struct{}

// ValidateRevocationTokenParameterDescriptor registers ValidateRevocationTokenParameter.
var ValidateRevocationTokenParameterDescriptor = server.NewDescriptor[*validateRevocationContext]("ValidateRevocationTokenParameter").
	UseHandler(ValidateRevocationTokenParameter{}).
	SetOrder(order(0)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateRevocationTokenParameter) Handle(_ context.Context, ectx *validateRevocationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Token == "" {
		ectx.Reject(protocol.ErrorInvalidRequest, "The mandatory 'token' parameter is missing.", "")
	}
	return nil
}

// ValidateRevocationTokenTypeHint rejects unknown token_type_hint values.
type ValidateRevocationTokenTypeHint struct{}

// ValidateRevocationTokenTypeHintDescriptor registers ValidateRevocationTokenTypeHint.
var ValidateRevocationTokenTypeHintDescriptor = server.NewDescriptor[*validateRevocationContext]("ValidateRevocationTokenTypeHint").
	UseHandler(ValidateRevocationTokenTypeHint{}).
	SetOrder(order(1)).
	MustBuild()

// Handle implements server.Handler.
func (ValidateRevocationTokenTypeHint) Handle(_ context.Context, ectx *validateRevocationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if !isKnownTokenTypeHint(ectx.TokenTypeHint) {
		ectx.Reject(protocol.ErrorUnsupportedTokenType, "The specified 'token_type_hint' parameter is not supported.", "")
	}
	return nil
}

// ValidateRevocationClientID authenticates the caller of the revocation endpoint.
type ValidateRevocationClientID struct{}

// ValidateRevocationClientIDDescriptor registers ValidateRevocationClientID.
var ValidateRevocationClientIDDescriptor = server.NewDescriptor[*validateRevocationContext]("ValidateRevocationClientID").
	UseHandler(ValidateRevocationClientID{}).
	SetOrder(order(2)).
	AddFilter(server.RequireDegradedModeDisabled, server.RequireClientStore).
	MustBuild()

// Handle implements server.Handler.
func (ValidateRevocationClientID) Handle(ctx context.Context, ectx *validateRevocationContext) error {
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

// RevokeToken revokes the token of the request. Unknown tokens are accepted
// silently (RFC 7009 section 2.2); tokens issued to another client are rejected.
type RevokeToken struct{}

// RevokeTokenDescriptor registers RevokeToken.
var RevokeTokenDescriptor = server.NewDescriptor[*handleRevocationContext]("RevokeToken").
	UseHandler(RevokeToken{}).
	SetOrder(order(0)).
	AddFilter(server.RequireTokenRevoker).
	MustBuild()

// Handle implements server.Handler.
func (RevokeToken) Handle(ctx context.Context, ectx *handleRevocationContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	if ectx.Principal == nil {
		ectx.Logger().Debug("ignoring revocation of an unknown token")
		return nil
	}
	if !isVisibleTo(ectx.Principal, ectx.Request().ClientID()) {
		ectx.Reject(protocol.ErrorInvalidToken, "The specified token cannot be revoked by this client application.", "")
		return nil
	}

	revoked, err := ectx.Options().Revoker.RevokeToken(ctx, ectx.Token)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	ectx.Revoked = revoked
	return nil
}
