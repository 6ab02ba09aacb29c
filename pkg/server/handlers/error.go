// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

type errorContext = server.ProcessErrorContext

// ErrorHandlers returns the handlers of the error stage.
func ErrorHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		AttachErrorParametersDescriptor,
		AttachErrorStateDescriptor,
	}
}

// AttachErrorParameters writes the error triple to the response. An error
// already present in the response is kept.
type AttachErrorParameters struct{}

// AttachErrorParametersDescriptor registers AttachErrorParameters.
var AttachErrorParametersDescriptor = server.NewDescriptor[*errorContext]("AttachErrorParameters").
	UseHandler(AttachErrorParameters{}).
	SetOrder(order(0)).
	MustBuild()

// Handle implements server.Handler.
func (AttachErrorParameters) Handle(_ context.Context, ectx *errorContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	resp := ectx.Response()
	if resp.HasError() || ectx.Error() == "" {
		return nil
	}
	resp.SetError(ectx.Error(), ectx.ErrorDescription(), ectx.ErrorURI())
	return nil
}

// AttachErrorState returns the request state with errors sent back to the user agent.
type AttachErrorState struct{}

// AttachErrorStateDescriptor registers AttachErrorState.
var AttachErrorStateDescriptor = server.NewDescriptor[*errorContext]("AttachErrorState").
	UseHandler(AttachErrorState{}).
	SetOrder(order(1)).
	MustBuild()

// Handle implements server.Handler.
func (AttachErrorState) Handle(_ context.Context, ectx *errorContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}
	switch ectx.EndpointType() {
	case server.EndpointAuthorization, server.EndpointLogout:
		attachState(&ectx.BaseContext)
	}
	return nil
}
