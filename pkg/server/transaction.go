// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/logger"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
)

// Transaction is the state of a single protocol request, shared by every
// stage run for that request. A transaction is owned by one request and is
// never shared across goroutines.
type Transaction struct {
	// ID uniquely identifies the transaction in logs and traces.
	ID string

	// EndpointType is the endpoint the request was received on.
	EndpointType EndpointType

	// Request is the inbound request.
	Request *protocol.Request

	// Response is the outbound response, initially empty.
	Response *protocol.Response

	// Options is the server configuration snapshot.
	Options *Options

	// Logger carries the transaction_id and endpoint attributes.
	Logger *slog.Logger

	// AmbientPrincipal is the identity of the request, if any. It is resolved
	// during authentication; a value set before that stage is kept.
	AmbientPrincipal *auth.Principal

	// SessionHandle is the transport-level session handle (e.g. a cookie value)
	// used to resolve the ambient principal on the authorization and logout endpoints.
	SessionHandle string

	// Properties holds arbitrary values shared between handlers.
	Properties map[string]any
}

// NewTransaction creates a transaction for a request received on endpoint.
// A nil request is replaced by an empty one.
func NewTransaction(opts *Options, endpoint EndpointType, request *protocol.Request) (*Transaction, error) {
	if opts == nil {
		return nil, errors.NewArgumentNilError("options")
	}
	if request == nil {
		request = &protocol.Request{}
	}

	id := uuid.NewString()
	return &Transaction{
		ID:           id,
		EndpointType: endpoint,
		Request:      request,
		Response:     protocol.NewResponse(),
		Options:      opts,
		Logger:       logger.ForTransaction(nil, id, endpoint.String()),
		Properties:   make(map[string]any),
	}, nil
}

// SetProperty stores a value shared between handlers.
func (t *Transaction) SetProperty(key string, value any) {
	if t.Properties == nil {
		t.Properties = make(map[string]any)
	}
	t.Properties[key] = value
}

// Property returns a value stored with SetProperty.
func (t *Transaction) Property(key string) (any, bool) {
	v, ok := t.Properties[key]
	return v, ok
}
