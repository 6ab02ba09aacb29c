// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

type challengeContext = server.ProcessChallengeContext

// ChallengeHandlers returns the handlers of the challenge stage.
func ChallengeHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		AttachDefaultChallengeErrorDescriptor,
		AttachChallengeStateDescriptor,
	}
}

// AttachDefaultChallengeError attaches the default error of the endpoint
// unless an earlier handler already set one. Endpoints that cannot return an
// OAuth 2.0 error fail with a not_supported error, even when an error is set.
type AttachDefaultChallengeError struct{}

// AttachDefaultChallengeErrorDescriptor registers AttachDefaultChallengeError.
var AttachDefaultChallengeErrorDescriptor = server.NewDescriptor[*challengeContext]("AttachDefaultChallengeError").
	UseHandler(AttachDefaultChallengeError{}).
	SetOrder(server.OrderBase).
	MustBuild()

// Handle implements server.Handler.
func (AttachDefaultChallengeError) Handle(_ context.Context, ectx *challengeContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	var code, description string
	switch ectx.EndpointType() {
	case server.EndpointAuthorization:
		code, description = protocol.ErrorAccessDenied, "The authorization was denied by the resource owner."
	case server.EndpointToken:
		code, description = protocol.ErrorInvalidGrant, "The token request was rejected by the authorization server."
	case server.EndpointUserinfo:
		code, description = protocol.ErrorInvalidToken, "The access token is not valid or cannot be used to retrieve user information."
	default:
		return errors.NewNotSupportedError("An OpenID Connect response cannot be returned from this endpoint.", nil)
	}

	resp := ectx.Response()
	if resp.HasError() {
		return nil
	}
	resp.SetError(code, description, "")
	return nil
}

// AttachChallengeState returns the state of the authorization request with the challenge.
type AttachChallengeState struct{}

// AttachChallengeStateDescriptor registers AttachChallengeState.
var AttachChallengeStateDescriptor = server.NewDescriptor[*challengeContext]("AttachChallengeState").
	UseHandler(AttachChallengeState{}).
	SetOrder(order(1)).
	MustBuild()

// Handle implements server.Handler.
func (AttachChallengeState) Handle(_ context.Context, ectx *challengeContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	if ectx.EndpointType() == server.EndpointAuthorization {
		attachState(&ectx.BaseContext)
	}
	return nil
}

// attachState copies the request state to the response unless it is already set.
func attachState(ectx *server.BaseContext) {
	state := ectx.Request().State()
	if state == "" || ectx.Response().Has(protocol.ParamState) {
		return
	}
	ectx.Response().Set(protocol.ParamState, state)
}
