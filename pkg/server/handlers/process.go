// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"slices"

	"github.com/stacklok/toolhive-oidc/pkg/server"
)

// ProcessHandlers returns the handlers of the processing stages shared by
// every endpoint: authentication, challenge, sign-in, sign-out and error.
func ProcessHandlers() []*server.Descriptor {
	return slices.Concat(
		AuthenticationHandlers(),
		ChallengeHandlers(),
		SignInHandlers(),
		SignOutHandlers(),
		ErrorHandlers(),
	)
}
