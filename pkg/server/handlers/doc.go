// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the built-in protocol handlers of the OIDC
// server pipeline and the default catalog assembling them.
//
// Every handler is a small stateless type implementing server.Handler for one
// stage context, registered through an exported descriptor:
//
//	ValidateRedirectURIParameterDescriptor = server.NewDescriptor[*server.ValidateAuthorizationRequestContext]("ValidateRedirectURIParameter").
//		UseHandler(ValidateRedirectURIParameter{}).
//		SetOrder(order(3)).
//		MustBuild()
//
// Handlers record client errors as rejections on the context. Misuse of a
// stage, such as asking for an identity on the discovery endpoint, is
// reported as a not_supported error instead.
package handlers
