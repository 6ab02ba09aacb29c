// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"crypto/subtle"
	"regexp"

	"golang.org/x/oauth2"

	"github.com/stacklok/toolhive-oidc/pkg/protocol"
)

// codeVerifierPattern matches a code_verifier per RFC 7636 section 4.1:
// 43 to 128 characters from the unreserved set.
var codeVerifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// computeCodeChallenge derives the code_challenge of verifier for method.
// code_challenge = BASE64URL(SHA256(code_verifier)) for S256.
func computeCodeChallenge(verifier, method string) string {
	if method == protocol.CodeChallengeMethodS256 {
		return oauth2.S256ChallengeFromVerifier(verifier)
	}
	return verifier
}

// verifyCodeChallenge checks verifier against the challenge bound to an
// authorization code (RFC 7636 section 4.6). An empty method means plain.
func verifyCodeChallenge(verifier, challenge, method string) bool {
	if !codeVerifierPattern.MatchString(verifier) {
		return false
	}
	switch method {
	case "", protocol.CodeChallengeMethodPlain, protocol.CodeChallengeMethodS256:
	default:
		return false
	}
	computed := computeCodeChallenge(verifier, method)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
