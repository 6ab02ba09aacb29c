// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server implements the request pipeline of the OAuth 2.0 / OpenID
// Connect server.
//
// Every inbound request owns a Transaction. The request is processed in
// stages; each stage is represented by an event context (for example
// ValidateTokenRequestContext or ProcessChallengeContext) wrapping the
// transaction. A Dispatcher runs the handlers registered in an immutable
// Catalog for the stage of the context, in ascending order, until one of them
// rejects the request, marks it handled or skipped, fails, or the list is
// exhausted.
//
// Handlers are registered through descriptors:
//
//	var ValidateFoo = server.NewDescriptor[*server.ValidateTokenRequestContext]("ValidateFoo").
//		UseHandler(validateFoo{}).
//		SetOrder(server.OrderBase + 5*server.OrderStep).
//		AddFilter(server.RequireClientStore).
//		MustBuild()
//
// Protocol errors are recorded on the context with Reject and rendered by the
// transport. Go errors are reserved for contract violations (invalid
// arguments, see package errors) and for stages that cannot run for the
// current endpoint (not supported).
package server
