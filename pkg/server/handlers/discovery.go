// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"slices"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
)

type (
	configurationContext = server.HandleConfigurationRequestContext
	cryptographyContext  = server.HandleCryptographyRequestContext
)

// DiscoveryHandlers returns the handlers building the provider metadata and
// the JSON Web Key Set.
func DiscoveryHandlers() []*server.Descriptor {
	return []*server.Descriptor{
		AttachIssuerDescriptor,
		AttachEndpointsDescriptor,
		AttachGrantTypesDescriptor,
		AttachResponseTypesDescriptor,
		AttachResponseModesDescriptor,
		AttachScopesDescriptor,
		AttachClaimsDescriptor,
		AttachCodeChallengeMethodsDescriptor,
		AttachSigningAlgorithmsDescriptor,
		AttachSigningKeysDescriptor,
	}
}

// setMetadata records a metadata entry on the context and the response.
func setMetadata(ectx *configurationContext, name string, value any) {
	if ectx.Metadata == nil {
		ectx.Metadata = make(map[string]any)
	}
	ectx.Metadata[name] = value
	ectx.Response().Set(name, value)
}

func configurationDescriptor(name string, i int, h func(*configurationContext)) *server.Descriptor {
	return server.NewDescriptor[*configurationContext](name).
		UseHandlerFunc(func(_ context.Context, ectx *configurationContext) error {
			if ectx == nil {
				return errors.NewArgumentNilError("context")
			}
			h(ectx)
			return nil
		}).
		SetOrder(order(i)).
		MustBuild()
}

// Provider metadata handlers.
var (
	// AttachIssuerDescriptor attaches the issuer identifier.
	AttachIssuerDescriptor = configurationDescriptor("AttachIssuer", 0, func(ectx *configurationContext) {
		setMetadata(ectx, protocol.MetadataIssuer, ectx.Options().Issuer)
	})

	// AttachEndpointsDescriptor attaches the absolute URLs of the endpoints
	// and the supported client authentication methods.
	AttachEndpointsDescriptor = configurationDescriptor("AttachEndpoints", 1, func(ectx *configurationContext) {
		opts := ectx.Options()
		endpoints := []struct{ name, uri string }{
			{protocol.MetadataAuthorizationEndpoint, opts.AuthorizationEndpoint},
			{protocol.MetadataTokenEndpoint, opts.TokenEndpoint},
			{protocol.MetadataUserinfoEndpoint, opts.UserinfoEndpoint},
			{protocol.MetadataIntrospectionEndpoint, opts.IntrospectionEndpoint},
			{protocol.MetadataRevocationEndpoint, opts.RevocationEndpoint},
			{protocol.MetadataEndSessionEndpoint, opts.LogoutEndpoint},
			{protocol.MetadataJWKSURI, opts.JWKSEndpoint},
		}
		for _, e := range endpoints {
			if resolved := opts.ResolveEndpoint(e.uri); resolved != "" {
				setMetadata(ectx, e.name, resolved)
			}
		}
		setMetadata(ectx, protocol.MetadataTokenEndpointAuthMethodsSupported,
			[]string{"client_secret_post", "none"})
	})

	// AttachGrantTypesDescriptor attaches grant_types_supported.
	AttachGrantTypesDescriptor = configurationDescriptor("AttachGrantTypes", 2, func(ectx *configurationContext) {
		setMetadata(ectx, protocol.MetadataGrantTypesSupported, slices.Clone(ectx.Options().GrantTypes))
	})

	// AttachResponseTypesDescriptor attaches response_types_supported.
	AttachResponseTypesDescriptor = configurationDescriptor("AttachResponseTypes", 3, func(ectx *configurationContext) {
		setMetadata(ectx, protocol.MetadataResponseTypesSupported, slices.Clone(ectx.Options().ResponseTypes))
	})

	// AttachResponseModesDescriptor attaches response_modes_supported.
	AttachResponseModesDescriptor = configurationDescriptor("AttachResponseModes", 4, func(ectx *configurationContext) {
		setMetadata(ectx, protocol.MetadataResponseModesSupported, slices.Clone(ectx.Options().ResponseModes))
	})

	// AttachScopesDescriptor attaches scopes_supported.
	AttachScopesDescriptor = configurationDescriptor("AttachScopes", 5, func(ectx *configurationContext) {
		setMetadata(ectx, protocol.MetadataScopesSupported, slices.Clone(ectx.Options().Scopes))
	})

	// AttachClaimsDescriptor attaches claims_supported and subject_types_supported.
	AttachClaimsDescriptor = configurationDescriptor("AttachClaims", 6, func(ectx *configurationContext) {
		setMetadata(ectx, protocol.MetadataClaimsSupported, slices.Clone(ectx.Options().Claims))
		setMetadata(ectx, protocol.MetadataSubjectTypesSupported, []string{"public"})
	})

	// AttachCodeChallengeMethodsDescriptor attaches code_challenge_methods_supported.
	AttachCodeChallengeMethodsDescriptor = configurationDescriptor("AttachCodeChallengeMethods", 7, func(ectx *configurationContext) {
		setMetadata(ectx, protocol.MetadataCodeChallengeMethodsSupported, slices.Clone(ectx.Options().CodeChallengeMethods))
	})

	// AttachSigningAlgorithmsDescriptor attaches id_token_signing_alg_values_supported.
	// Without signing keys RS256 is advertised, as required by OIDC Core section 15.1.
	AttachSigningAlgorithmsDescriptor = configurationDescriptor("AttachSigningAlgorithms", 8, func(ectx *configurationContext) {
		algs := ectx.Options().SigningAlgorithms()
		if len(algs) == 0 {
			algs = []string{string(jose.RS256)}
		}
		setMetadata(ectx, protocol.MetadataIDTokenSigningAlgValuesSupported, algs)
	})
)

// AttachSigningKeys publishes the public halves of the signing keys.
type AttachSigningKeys struct{}

// AttachSigningKeysDescriptor registers AttachSigningKeys.
var AttachSigningKeysDescriptor = server.NewDescriptor[*cryptographyContext]("AttachSigningKeys").
	UseHandler(AttachSigningKeys{}).
	SetOrder(order(0)).
	MustBuild()

// Handle implements server.Handler.
func (AttachSigningKeys) Handle(_ context.Context, ectx *cryptographyContext) error {
	if ectx == nil {
		return errors.NewArgumentNilError("context")
	}

	for _, key := range ectx.Options().SigningKeys {
		public := key.Public()
		if !public.Valid() {
			ectx.Logger().Warn("skipping signing key without a public half", "kid", key.KeyID)
			continue
		}
		public.Use = "sig"
		ectx.Keys.Keys = append(ectx.Keys.Keys, public)
	}

	keys := ectx.Keys.Keys
	if keys == nil {
		keys = []jose.JSONWebKey{}
	}
	ectx.Response().Set(protocol.MetadataKeys, keys)
	return nil
}
