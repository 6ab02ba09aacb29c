// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	"github.com/stacklok/toolhive-oidc/pkg/errors"
)

// ValidateAuthorizationRequestContext validates an authorization request.
type ValidateAuthorizationRequestContext struct {
	BaseContext

	// ClientID and RedirectURI are seeded from the request. RedirectURI may be
	// inferred from the client registration when the request omits it.
	ClientID    string
	RedirectURI string

	// Client is the registered client, once resolved.
	Client fosite.Client
}

// NewValidateAuthorizationRequestContext creates the context for tx.
func NewValidateAuthorizationRequestContext(tx *Transaction) (*ValidateAuthorizationRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	req := b.Request()
	return &ValidateAuthorizationRequestContext{
		BaseContext: b,
		ClientID:    req.ClientID(),
		RedirectURI: req.RedirectURI(),
	}, nil
}

// Type returns ContextTypeValidateAuthorizationRequest.
func (*ValidateAuthorizationRequestContext) Type() ContextType {
	return ContextTypeValidateAuthorizationRequest
}

// ValidateTokenRequestContext validates a token request.
type ValidateTokenRequestContext struct {
	BaseContext

	ClientID string
	Client   fosite.Client
}

// NewValidateTokenRequestContext creates the context for tx.
func NewValidateTokenRequestContext(tx *Transaction) (*ValidateTokenRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &ValidateTokenRequestContext{BaseContext: b, ClientID: b.Request().ClientID()}, nil
}

// Type returns ContextTypeValidateTokenRequest.
func (*ValidateTokenRequestContext) Type() ContextType { return ContextTypeValidateTokenRequest }

// ValidateIntrospectionRequestContext validates an introspection request (RFC 7662).
type ValidateIntrospectionRequestContext struct {
	BaseContext

	ClientID      string
	Token         string
	TokenTypeHint string
	Client        fosite.Client
}

// NewValidateIntrospectionRequestContext creates the context for tx.
func NewValidateIntrospectionRequestContext(tx *Transaction) (*ValidateIntrospectionRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	req := b.Request()
	return &ValidateIntrospectionRequestContext{
		BaseContext:   b,
		ClientID:      req.ClientID(),
		Token:         req.Token(),
		TokenTypeHint: req.TokenTypeHint(),
	}, nil
}

// Type returns ContextTypeValidateIntrospectionRequest.
func (*ValidateIntrospectionRequestContext) Type() ContextType {
	return ContextTypeValidateIntrospectionRequest
}

// ValidateRevocationRequestContext validates a revocation request (RFC 7009).
type ValidateRevocationRequestContext struct {
	BaseContext

	ClientID      string
	Token         string
	TokenTypeHint string
	Client        fosite.Client
}

// NewValidateRevocationRequestContext creates the context for tx.
func NewValidateRevocationRequestContext(tx *Transaction) (*ValidateRevocationRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	req := b.Request()
	return &ValidateRevocationRequestContext{
		BaseContext:   b,
		ClientID:      req.ClientID(),
		Token:         req.Token(),
		TokenTypeHint: req.TokenTypeHint(),
	}, nil
}

// Type returns ContextTypeValidateRevocationRequest.
func (*ValidateRevocationRequestContext) Type() ContextType {
	return ContextTypeValidateRevocationRequest
}

// ValidateUserinfoRequestContext validates a userinfo request.
type ValidateUserinfoRequestContext struct {
	BaseContext

	AccessToken string
}

// NewValidateUserinfoRequestContext creates the context for tx.
func NewValidateUserinfoRequestContext(tx *Transaction) (*ValidateUserinfoRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &ValidateUserinfoRequestContext{BaseContext: b, AccessToken: b.Request().AccessToken()}, nil
}

// Type returns ContextTypeValidateUserinfoRequest.
func (*ValidateUserinfoRequestContext) Type() ContextType { return ContextTypeValidateUserinfoRequest }

// ValidateLogoutRequestContext validates an end-session request.
type ValidateLogoutRequestContext struct {
	BaseContext

	PostLogoutRedirectURI string
}

// NewValidateLogoutRequestContext creates the context for tx.
func NewValidateLogoutRequestContext(tx *Transaction) (*ValidateLogoutRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &ValidateLogoutRequestContext{
		BaseContext:           b,
		PostLogoutRedirectURI: b.Request().PostLogoutRedirectURI(),
	}, nil
}

// Type returns ContextTypeValidateLogoutRequest.
func (*ValidateLogoutRequestContext) Type() ContextType { return ContextTypeValidateLogoutRequest }

// HandleConfigurationRequestContext builds the discovery document.
type HandleConfigurationRequestContext struct {
	BaseContext

	// Metadata is the provider metadata, keyed by discovery name.
	Metadata map[string]any
}

// NewHandleConfigurationRequestContext creates the context for tx.
func NewHandleConfigurationRequestContext(tx *Transaction) (*HandleConfigurationRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &HandleConfigurationRequestContext{BaseContext: b, Metadata: make(map[string]any)}, nil
}

// Type returns ContextTypeHandleConfigurationRequest.
func (*HandleConfigurationRequestContext) Type() ContextType {
	return ContextTypeHandleConfigurationRequest
}

// HandleCryptographyRequestContext builds the JSON Web Key Set.
type HandleCryptographyRequestContext struct {
	BaseContext

	Keys jose.JSONWebKeySet
}

// NewHandleCryptographyRequestContext creates the context for tx.
func NewHandleCryptographyRequestContext(tx *Transaction) (*HandleCryptographyRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &HandleCryptographyRequestContext{BaseContext: b}, nil
}

// Type returns ContextTypeHandleCryptographyRequest.
func (*HandleCryptographyRequestContext) Type() ContextType {
	return ContextTypeHandleCryptographyRequest
}

// HandleUserinfoRequestContext builds the userinfo response.
type HandleUserinfoRequestContext struct {
	BaseContext

	Principal *auth.Principal
	Claims    map[string]any
}

// NewHandleUserinfoRequestContext creates the context for tx.
func NewHandleUserinfoRequestContext(tx *Transaction) (*HandleUserinfoRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &HandleUserinfoRequestContext{
		BaseContext: b,
		Principal:   tx.AmbientPrincipal,
		Claims:      make(map[string]any),
	}, nil
}

// Type returns ContextTypeHandleUserinfoRequest.
func (*HandleUserinfoRequestContext) Type() ContextType { return ContextTypeHandleUserinfoRequest }

// HandleIntrospectionRequestContext builds the introspection response.
type HandleIntrospectionRequestContext struct {
	BaseContext

	// Principal is nil when the token is unknown, expired or not visible to the caller.
	Principal *auth.Principal
	Claims    map[string]any
}

// NewHandleIntrospectionRequestContext creates the context for tx.
func NewHandleIntrospectionRequestContext(tx *Transaction) (*HandleIntrospectionRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &HandleIntrospectionRequestContext{
		BaseContext: b,
		Principal:   tx.AmbientPrincipal,
		Claims:      make(map[string]any),
	}, nil
}

// Type returns ContextTypeHandleIntrospectionRequest.
func (*HandleIntrospectionRequestContext) Type() ContextType {
	return ContextTypeHandleIntrospectionRequest
}

// HandleRevocationRequestContext revokes a token.
type HandleRevocationRequestContext struct {
	BaseContext

	Token     string
	Principal *auth.Principal

	// Revoked reports whether a stored token was removed.
	Revoked bool
}

// NewHandleRevocationRequestContext creates the context for tx.
func NewHandleRevocationRequestContext(tx *Transaction) (*HandleRevocationRequestContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &HandleRevocationRequestContext{
		BaseContext: b,
		Token:       b.Request().Token(),
		Principal:   tx.AmbientPrincipal,
	}, nil
}

// Type returns ContextTypeHandleRevocationRequest.
func (*HandleRevocationRequestContext) Type() ContextType { return ContextTypeHandleRevocationRequest }

// ProcessAuthenticationContext extracts the identity carried by the request.
type ProcessAuthenticationContext struct {
	BaseContext

	// Principal is the extracted identity; nil when none is available.
	Principal *auth.Principal
}

// NewProcessAuthenticationContext creates the context for tx.
func NewProcessAuthenticationContext(tx *Transaction) (*ProcessAuthenticationContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &ProcessAuthenticationContext{BaseContext: b}, nil
}

// Type returns ContextTypeProcessAuthentication.
func (*ProcessAuthenticationContext) Type() ContextType { return ContextTypeProcessAuthentication }

// ProcessChallengeContext produces the response sent when no identity is
// available or the resource owner denied the request.
type ProcessChallengeContext struct {
	BaseContext
}

// NewProcessChallengeContext creates the context for tx.
func NewProcessChallengeContext(tx *Transaction) (*ProcessChallengeContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &ProcessChallengeContext{BaseContext: b}, nil
}

// Type returns ContextTypeProcessChallenge.
func (*ProcessChallengeContext) Type() ContextType { return ContextTypeProcessChallenge }

// ProcessSignInContext issues the codes and tokens for an authenticated principal.
type ProcessSignInContext struct {
	BaseContext

	Principal *auth.Principal

	AuthorizationCode string
	AccessToken       string
	RefreshToken      string
}

// NewProcessSignInContext creates the context for tx.
func NewProcessSignInContext(tx *Transaction) (*ProcessSignInContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &ProcessSignInContext{BaseContext: b, Principal: tx.AmbientPrincipal}, nil
}

// Type returns ContextTypeProcessSignIn.
func (*ProcessSignInContext) Type() ContextType { return ContextTypeProcessSignIn }

// ProcessSignOutContext ends the session of the ambient principal.
type ProcessSignOutContext struct {
	BaseContext
}

// NewProcessSignOutContext creates the context for tx.
func NewProcessSignOutContext(tx *Transaction) (*ProcessSignOutContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &ProcessSignOutContext{BaseContext: b}, nil
}

// Type returns ContextTypeProcessSignOut.
func (*ProcessSignOutContext) Type() ContextType { return ContextTypeProcessSignOut }

// ProcessErrorContext turns a rejection from an earlier stage into the
// error response. The context is not itself rejected: the error it carries is
// set with SetError.
type ProcessErrorContext struct {
	BaseContext
}

// NewProcessErrorContext creates the context for tx.
func NewProcessErrorContext(tx *Transaction) (*ProcessErrorContext, error) {
	b, err := newBaseContext(tx)
	if err != nil {
		return nil, err
	}
	return &ProcessErrorContext{BaseContext: b}, nil
}

// NewProcessErrorContextFrom creates the error context for a rejected stage
// context, carrying over its error triple.
func NewProcessErrorContextFrom(rejected EventContext) (*ProcessErrorContext, error) {
	if isNilContext(rejected) {
		return nil, errors.NewArgumentNilError("context")
	}
	ectx, err := NewProcessErrorContext(rejected.Transaction())
	if err != nil {
		return nil, err
	}
	ectx.SetError(rejected.Error(), rejected.ErrorDescription(), rejected.ErrorURI())
	return ectx, nil
}

// Type returns ContextTypeProcessError.
func (*ProcessErrorContext) Type() ContextType { return ContextTypeProcessError }

// SetError sets the error being reported without rejecting the context.
func (c *ProcessErrorContext) SetError(code, description, uri string) {
	c.errorCode = code
	c.errorDescription = description
	c.errorURI = uri
}
