// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package flow sequences the pipeline stages of a transaction according to
// the endpoint it was received on.
//
// A transport builds a server.Transaction for each inbound request, calls
// Processor.Process and renders tx.Response. Protocol errors never surface as
// Go errors: a rejected stage is followed by the error stage, which writes
// the error parameters to the response, and Process returns nil.
package flow

import (
	"context"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/logger"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

// PropertyRedirectURI is the transaction property holding the redirect_uri an
// authorization response is returned to, including when it was inferred from
// the client registration. It is only set once the request was validated.
const PropertyRedirectURI = "redirect_uri"

// Processor runs the stages of a transaction with a dispatcher.
// A Processor is safe for concurrent use.
type Processor struct {
	dispatcher *server.Dispatcher
}

// NewProcessor creates a processor running the stages with dispatcher.
func NewProcessor(dispatcher *server.Dispatcher) (*Processor, error) {
	if dispatcher == nil {
		return nil, errors.NewArgumentNilError("dispatcher")
	}
	return &Processor{dispatcher: dispatcher}, nil
}

// Process runs the stages of tx:
//
//   - authorization: validate, authenticate, then sign-in or challenge
//   - token: validate, authenticate (code and refresh grants), then sign-in or challenge
//   - userinfo: validate, authenticate, then userinfo or challenge
//   - introspection and revocation: validate, authenticate, handle
//   - logout: validate, authenticate, sign-out
//   - configuration and cryptography: handle
//
// Handler failures and cancellation are returned; requests received on an
// unknown endpoint fail with a not_supported error.
func (p *Processor) Process(ctx context.Context, tx *server.Transaction) error {
	if tx == nil {
		return errors.NewArgumentNilError("transaction")
	}
	if tx.Options == nil {
		return errors.NewArgumentNilError("options")
	}
	if tx.Request == nil {
		tx.Request = &protocol.Request{}
	}
	if tx.Response == nil {
		tx.Response = protocol.NewResponse()
	}

	p.log(tx).Debug("processing transaction")

	switch tx.EndpointType {
	case server.EndpointAuthorization:
		return p.processAuthorization(ctx, tx)
	case server.EndpointToken:
		return p.processToken(ctx, tx)
	case server.EndpointUserinfo:
		return p.processUserinfo(ctx, tx)
	case server.EndpointIntrospection:
		return p.processIntrospection(ctx, tx)
	case server.EndpointRevocation:
		return p.processRevocation(ctx, tx)
	case server.EndpointLogout:
		return p.processLogout(ctx, tx)
	case server.EndpointConfiguration:
		_, _, err := runStage(ctx, p, tx, server.NewHandleConfigurationRequestContext)
		return err
	case server.EndpointCryptography:
		_, _, err := runStage(ctx, p, tx, server.NewHandleCryptographyRequestContext)
		return err
	default:
		return errors.NewNotSupportedError("The request cannot be processed on the "+tx.EndpointType.String()+" endpoint.", nil)
	}
}

func (p *Processor) processAuthorization(ctx context.Context, tx *server.Transaction) error {
	vctx, ok, err := runStage(ctx, p, tx, server.NewValidateAuthorizationRequestContext)
	if err != nil || !ok {
		return err
	}
	if vctx.RedirectURI != "" {
		tx.SetProperty(PropertyRedirectURI, vctx.RedirectURI)
	}

	principal, ok, err := p.authenticate(ctx, tx)
	if err != nil || !ok {
		return err
	}
	if principal == nil {
		return p.challenge(ctx, tx)
	}
	return p.signIn(ctx, tx)
}

func (p *Processor) processToken(ctx context.Context, tx *server.Transaction) error {
	if _, ok, err := runStage(ctx, p, tx, server.NewValidateTokenRequestContext); err != nil || !ok {
		return err
	}

	var principal *auth.Principal
	switch tx.Request.GrantType() {
	case protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken:
		var ok bool
		var err error
		principal, ok, err = p.authenticate(ctx, tx)
		if err != nil || !ok {
			return err
		}
	default:
		principal = grantPrincipal(ctx, tx)
		tx.AmbientPrincipal = principal
	}

	if principal == nil {
		return p.challenge(ctx, tx)
	}
	return p.signIn(ctx, tx)
}

func (p *Processor) processUserinfo(ctx context.Context, tx *server.Transaction) error {
	if _, ok, err := runStage(ctx, p, tx, server.NewValidateUserinfoRequestContext); err != nil || !ok {
		return err
	}
	principal, ok, err := p.authenticate(ctx, tx)
	if err != nil || !ok {
		return err
	}
	if principal == nil {
		return p.challenge(ctx, tx)
	}
	_, _, err = runStage(ctx, p, tx, server.NewHandleUserinfoRequestContext)
	return err
}

func (p *Processor) processIntrospection(ctx context.Context, tx *server.Transaction) error {
	if _, ok, err := runStage(ctx, p, tx, server.NewValidateIntrospectionRequestContext); err != nil || !ok {
		return err
	}
	if _, ok, err := p.authenticate(ctx, tx); err != nil || !ok {
		return err
	}
	_, _, err := runStage(ctx, p, tx, server.NewHandleIntrospectionRequestContext)
	return err
}

func (p *Processor) processRevocation(ctx context.Context, tx *server.Transaction) error {
	if _, ok, err := runStage(ctx, p, tx, server.NewValidateRevocationRequestContext); err != nil || !ok {
		return err
	}
	if _, ok, err := p.authenticate(ctx, tx); err != nil || !ok {
		return err
	}
	_, _, err := runStage(ctx, p, tx, server.NewHandleRevocationRequestContext)
	return err
}

func (p *Processor) processLogout(ctx context.Context, tx *server.Transaction) error {
	if _, ok, err := runStage(ctx, p, tx, server.NewValidateLogoutRequestContext); err != nil || !ok {
		return err
	}
	if _, ok, err := p.authenticate(ctx, tx); err != nil || !ok {
		return err
	}
	_, _, err := runStage(ctx, p, tx, server.NewProcessSignOutContext)
	return err
}

// authenticate runs the authentication stage and replaces the ambient
// principal of tx with the one it extracted, which is nil when the handle was
// unknown or the principal expired.
func (p *Processor) authenticate(ctx context.Context, tx *server.Transaction) (*auth.Principal, bool, error) {
	actx, ok, err := runStage(ctx, p, tx, server.NewProcessAuthenticationContext)
	if err != nil || !ok {
		return nil, ok, err
	}
	tx.AmbientPrincipal = actx.Principal
	return actx.Principal, true, nil
}

func (p *Processor) signIn(ctx context.Context, tx *server.Transaction) error {
	_, _, err := runStage(ctx, p, tx, server.NewProcessSignInContext)
	return err
}

func (p *Processor) challenge(ctx context.Context, tx *server.Transaction) error {
	_, _, err := runStage(ctx, p, tx, server.NewProcessChallengeContext)
	return err
}

// runStage creates the context of a stage and dispatches it. ok is false when
// the stage was rejected; the error stage has then already run.
func runStage[T server.EventContext](
	ctx context.Context,
	p *Processor,
	tx *server.Transaction,
	newContext func(*server.Transaction) (T, error),
) (ectx T, ok bool, err error) {
	ectx, err = newContext(tx)
	if err != nil {
		return ectx, false, err
	}
	if err := p.dispatcher.Run(ctx, ectx); err != nil {
		return ectx, false, err
	}
	if !ectx.IsRejected() {
		return ectx, true, nil
	}
	return ectx, false, p.reportError(ctx, ectx)
}

// reportError runs the error stage for a rejected stage context.
func (p *Processor) reportError(ctx context.Context, rejected server.EventContext) error {
	p.log(rejected.Transaction()).Debug("transaction rejected",
		"stage", rejected.Type().String(),
		"error", rejected.Error(),
		"error_description", rejected.ErrorDescription(),
	)
	ectx, err := server.NewProcessErrorContextFrom(rejected)
	if err != nil {
		return err
	}
	return p.dispatcher.Run(ctx, ectx)
}

func (*Processor) log(tx *server.Transaction) *slog.Logger {
	if tx.Logger != nil {
		return tx.Logger
	}
	return logger.Get()
}

// grantPrincipal returns the principal of a token request whose grant does
// not carry one (client credentials, password): the principal attached by the
// transport, or for client credentials the client itself.
func grantPrincipal(ctx context.Context, tx *server.Transaction) *auth.Principal {
	if tx.AmbientPrincipal != nil {
		return tx.AmbientPrincipal
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok && p != nil {
		return p
	}
	clientID := tx.Request.ClientID()
	if tx.Request.GrantType() != protocol.GrantTypeClientCredentials || clientID == "" {
		return nil
	}
	p, err := auth.NewPrincipal(jwt.MapClaims{protocol.ClaimSubject: clientID})
	if err != nil {
		return nil
	}
	return p
}
