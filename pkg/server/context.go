// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"

	"github.com/ory/fosite"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/logger"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
)

// EventContext is implemented by every stage context. The set of contexts is
// closed: all of them embed BaseContext and are declared in this package.
type EventContext interface {
	// Type returns the stage of the context. It is safe to call on a nil pointer.
	Type() ContextType

	Transaction() *Transaction
	EndpointType() EndpointType
	Logger() *slog.Logger

	IsRejected() bool
	IsRequestHandled() bool
	IsRequestSkipped() bool
	IsTerminal() bool

	Error() string
	ErrorDescription() string
	ErrorURI() string

	base() *BaseContext
}

// BaseContext holds the state shared by every stage context. Accessors for
// the endpoint, request and response write through to the transaction so
// later stages observe the changes.
type BaseContext struct {
	tx *Transaction

	rejected         bool
	handled          bool
	skipped          bool
	errorCode        string
	errorDescription string
	errorURI         string
}

func newBaseContext(tx *Transaction) (BaseContext, error) {
	if tx == nil {
		return BaseContext{}, errors.NewArgumentNilError("transaction")
	}
	return BaseContext{tx: tx}, nil
}

func (c *BaseContext) base() *BaseContext { return c }

// Transaction returns the transaction the context wraps.
func (c *BaseContext) Transaction() *Transaction { return c.tx }

// EndpointType returns the endpoint of the transaction.
func (c *BaseContext) EndpointType() EndpointType { return c.tx.EndpointType }

// SetEndpointType changes the endpoint of the transaction.
func (c *BaseContext) SetEndpointType(e EndpointType) { c.tx.EndpointType = e }

// Request returns the transaction request, never nil.
func (c *BaseContext) Request() *protocol.Request {
	if c.tx.Request == nil {
		c.tx.Request = &protocol.Request{}
	}
	return c.tx.Request
}

// SetRequest replaces the transaction request.
func (c *BaseContext) SetRequest(r *protocol.Request) { c.tx.Request = r }

// Response returns the transaction response, never nil.
func (c *BaseContext) Response() *protocol.Response {
	if c.tx.Response == nil {
		c.tx.Response = protocol.NewResponse()
	}
	return c.tx.Response
}

// SetResponse replaces the transaction response.
func (c *BaseContext) SetResponse(r *protocol.Response) { c.tx.Response = r }

// Options returns the server options.
func (c *BaseContext) Options() *Options { return c.tx.Options }

// Logger returns the transaction logger.
func (c *BaseContext) Logger() *slog.Logger {
	if c.tx.Logger == nil {
		return logger.Get()
	}
	return c.tx.Logger
}

// Reject marks the stage as failed with a protocol error. Only the first
// rejection is recorded; later calls are ignored. An empty code is recorded
// as invalid_request.
func (c *BaseContext) Reject(code, description, uri string) {
	if c.rejected {
		return
	}
	if code == "" {
		code = protocol.ErrorInvalidRequest
	}
	c.rejected = true
	c.errorCode = code
	c.errorDescription = description
	c.errorURI = uri
}

// IsRejected reports whether Reject was called.
func (c *BaseContext) IsRejected() bool { return c.rejected }

// Error returns the protocol error code of the rejection.
func (c *BaseContext) Error() string { return c.errorCode }

// ErrorDescription returns the human readable description of the rejection.
func (c *BaseContext) ErrorDescription() string { return c.errorDescription }

// ErrorURI returns the error_uri of the rejection.
func (c *BaseContext) ErrorURI() string { return c.errorURI }

// HandleRequest marks the request as fully handled; remaining handlers are not run.
func (c *BaseContext) HandleRequest() { c.handled = true }

// IsRequestHandled reports whether HandleRequest was called.
func (c *BaseContext) IsRequestHandled() bool { return c.handled }

// SkipRequest hands the request back to the transport; remaining handlers are not run.
func (c *BaseContext) SkipRequest() { c.skipped = true }

// IsRequestSkipped reports whether SkipRequest was called.
func (c *BaseContext) IsRequestSkipped() bool { return c.skipped }

// IsTerminal reports whether the stage must stop: rejected, handled or skipped.
func (c *BaseContext) IsTerminal() bool { return c.rejected || c.handled || c.skipped }

// RFC6749Error converts the rejection for the transport. Returns nil when the
// stage was not rejected.
func (c *BaseContext) RFC6749Error() *fosite.RFC6749Error {
	if !c.rejected {
		return nil
	}
	return &fosite.RFC6749Error{
		ErrorField:       c.errorCode,
		DescriptionField: c.errorDescription,
		CodeField:        StatusCodeForError(c.errorCode),
	}
}

// StatusCodeForError maps a protocol error code to its HTTP status.
func StatusCodeForError(code string) int {
	switch code {
	case protocol.ErrorInvalidClient, protocol.ErrorInvalidToken:
		return http.StatusUnauthorized
	case protocol.ErrorAccessDenied:
		return http.StatusForbidden
	case protocol.ErrorServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
