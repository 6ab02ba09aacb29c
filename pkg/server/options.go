// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	"github.com/stacklok/toolhive-oidc/pkg/logger"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
)

// MinRSAKeyBits is the minimum required size for RSA keys in bits.
// 2048 bits is required per NIST SP 800-57 recommendations.
const MinRSAKeyBits = 2048

// Default lifetimes applied by ApplyDefaults.
const (
	DefaultAuthorizationCodeLifetime = 10 * time.Minute
	DefaultAccessTokenLifetime       = time.Hour
	DefaultRefreshTokenLifetime      = 7 * 24 * time.Hour
)

// Default endpoint paths, resolved against the issuer.
const (
	DefaultAuthorizationEndpoint = "/oauth/authorize"
	DefaultTokenEndpoint         = "/oauth/token"
	DefaultUserinfoEndpoint      = "/oauth/userinfo"
	DefaultIntrospectionEndpoint = "/oauth/introspect"
	DefaultRevocationEndpoint    = "/oauth/revoke"
	DefaultLogoutEndpoint        = "/oauth/logout"
	DefaultJWKSEndpoint          = "/.well-known/jwks.json"
)

// SessionLookup resolves the principal attached to an opaque handle
// (session cookie, authorization code, access or refresh token).
type SessionLookup interface {
	GetSession(ctx context.Context, handle string) (*auth.Principal, error)
}

// TokenIssuer issues the tokens returned by a sign-in. usage is one of the
// protocol token type names (authorization_code, access_token, refresh_token).
type TokenIssuer interface {
	IssueToken(ctx context.Context, usage string, principal *auth.Principal, lifetime time.Duration) (string, error)
}

// TokenRevoker invalidates a previously issued token. It reports whether a
// token was actually removed.
type TokenRevoker interface {
	RevokeToken(ctx context.Context, token string) (bool, error)
}

// Options is the immutable configuration snapshot shared by every transaction
// of a server. It must not be modified once the first transaction is created.
type Options struct {
	// Issuer is the issuer identifier (absolute URL, no query or fragment).
	Issuer string

	// Endpoint URIs, absolute or relative to the issuer.
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	IntrospectionEndpoint string
	RevocationEndpoint    string
	LogoutEndpoint        string
	JWKSEndpoint          string

	// Supported protocol values advertised by discovery and enforced by validation.
	GrantTypes           []string
	ResponseTypes        []string
	ResponseModes        []string
	Scopes               []string
	Claims               []string
	CodeChallengeMethods []string

	// SigningKeys are the private keys whose public halves are published by
	// the cryptography endpoint.
	SigningKeys []jose.JSONWebKey

	AuthorizationCodeLifetime time.Duration
	AccessTokenLifetime       time.Duration
	RefreshTokenLifetime      time.Duration

	// EnableDegradedMode disables every handler that requires a client store.
	EnableDegradedMode bool

	// IgnoreEndpointPermissions skips the per-client grant and response type checks.
	IgnoreEndpointPermissions bool

	// IgnoreScopePermissions skips the per-client scope checks.
	IgnoreScopePermissions bool

	// DisableScopeValidation accepts scopes that are not listed in Scopes.
	DisableScopeValidation bool

	// RequireProofKeyForCodeExchange rejects authorization requests without a code_challenge.
	RequireProofKeyForCodeExchange bool

	// AcceptAnonymousClients allows token, introspection and revocation
	// requests without client_id.
	AcceptAnonymousClients bool

	Clients  fosite.ClientManager
	Sessions SessionLookup
	Tokens   TokenIssuer
	Revoker  TokenRevoker

	// PostLogoutRedirectURIs is the allow list for post_logout_redirect_uri.
	// An empty list accepts any absolute URI.
	PostLogoutRedirectURIs []string

	// Handlers are appended to the default handlers when building the catalog.
	Handlers []*Descriptor

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// ApplyDefaults fills unset lifetimes, endpoints and supported values.
func (o *Options) ApplyDefaults() {
	logger.Debugw("applying default values to server options")

	if o.AuthorizationCodeLifetime == 0 {
		o.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if o.AccessTokenLifetime == 0 {
		o.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if o.RefreshTokenLifetime == 0 {
		o.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}

	setDefault(&o.AuthorizationEndpoint, DefaultAuthorizationEndpoint)
	setDefault(&o.TokenEndpoint, DefaultTokenEndpoint)
	setDefault(&o.UserinfoEndpoint, DefaultUserinfoEndpoint)
	setDefault(&o.IntrospectionEndpoint, DefaultIntrospectionEndpoint)
	setDefault(&o.RevocationEndpoint, DefaultRevocationEndpoint)
	setDefault(&o.LogoutEndpoint, DefaultLogoutEndpoint)
	setDefault(&o.JWKSEndpoint, DefaultJWKSEndpoint)

	if len(o.GrantTypes) == 0 {
		o.GrantTypes = []string{protocol.GrantTypeAuthorizationCode, protocol.GrantTypeRefreshToken}
	}
	if len(o.ResponseTypes) == 0 {
		o.ResponseTypes = []string{protocol.ResponseTypeCode}
	}
	if len(o.ResponseModes) == 0 {
		o.ResponseModes = []string{protocol.ResponseModeQuery, protocol.ResponseModeFragment, protocol.ResponseModeFormPost}
	}
	if len(o.Scopes) == 0 {
		o.Scopes = []string{protocol.ScopeOpenID, protocol.ScopeOfflineAccess}
	}
	if len(o.Claims) == 0 {
		o.Claims = []string{
			protocol.ClaimSubject, protocol.ClaimIssuer, protocol.ClaimAudience,
			protocol.ClaimExpiresAt, protocol.ClaimIssuedAt,
		}
	}
	if len(o.CodeChallengeMethods) == 0 {
		o.CodeChallengeMethods = []string{protocol.CodeChallengeMethodS256}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks that the options are consistent.
func (o *Options) Validate() error {
	logger.Debugw("validating server options", "issuer", o.Issuer)

	if o.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	issuer, err := url.Parse(o.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer: %w", err)
	}
	if !issuer.IsAbs() || issuer.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %s", o.Issuer)
	}
	if issuer.RawQuery != "" || issuer.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment: %s", o.Issuer)
	}

	if o.AuthorizationCodeLifetime <= 0 || o.AccessTokenLifetime <= 0 || o.RefreshTokenLifetime <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}

	if !o.EnableDegradedMode && o.Clients == nil {
		return fmt.Errorf("a client store is required unless degraded mode is enabled")
	}

	for _, method := range o.CodeChallengeMethods {
		if method != protocol.CodeChallengeMethodS256 && method != protocol.CodeChallengeMethodPlain {
			return fmt.Errorf("unsupported code challenge method: %s", method)
		}
	}
	if o.RequireProofKeyForCodeExchange && len(o.CodeChallengeMethods) == 0 {
		return fmt.Errorf("proof key for code exchange requires at least one code challenge method")
	}

	for i := range o.SigningKeys {
		if err := validateSigningKey(&o.SigningKeys[i]); err != nil {
			return fmt.Errorf("signing key %d: %w", i, err)
		}
	}

	for _, uri := range o.PostLogoutRedirectURIs {
		if !isAbsoluteURI(uri) {
			return fmt.Errorf("post logout redirect uri must be absolute: %s", uri)
		}
	}

	for i, d := range o.Handlers {
		if d == nil {
			return fmt.Errorf("handler %d is nil", i)
		}
	}

	logger.Debugw("server options validation passed",
		"issuer", o.Issuer,
		"signingKeyCount", len(o.SigningKeys),
		"customHandlerCount", len(o.Handlers),
		"degradedMode", o.EnableDegradedMode,
	)
	return nil
}

// validateSigningKey checks a signing key has an identifier, an algorithm
// and a private key matching that algorithm.
func validateSigningKey(k *jose.JSONWebKey) error {
	if k.KeyID == "" {
		return fmt.Errorf("key ID is required")
	}
	if k.Algorithm == "" {
		return fmt.Errorf("algorithm is required")
	}
	if k.Key == nil {
		return fmt.Errorf("key is required")
	}

	switch jose.SignatureAlgorithm(k.Algorithm) {
	case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
		rsaKey, ok := k.Key.(*rsa.PrivateKey)
		if !ok {
			return fmt.Errorf("RSA algorithm requires *rsa.PrivateKey, got %T", k.Key)
		}
		if rsaKey.N.BitLen() < MinRSAKeyBits {
			return fmt.Errorf("RSA key must be at least %d bits, got %d", MinRSAKeyBits, rsaKey.N.BitLen())
		}
	case jose.ES256, jose.ES384, jose.ES512:
		ecdsaKey, ok := k.Key.(*ecdsa.PrivateKey)
		if !ok {
			return fmt.Errorf("ECDSA algorithm requires *ecdsa.PrivateKey, got %T", k.Key)
		}
		expectedCurves := map[jose.SignatureAlgorithm]string{
			jose.ES256: "P-256",
			jose.ES384: "P-384",
			jose.ES512: "P-521",
		}
		expectedCurve := expectedCurves[jose.SignatureAlgorithm(k.Algorithm)]
		if ecdsaKey.Curve.Params().Name != expectedCurve {
			return fmt.Errorf("algorithm %s requires curve %s, got %s",
				k.Algorithm, expectedCurve, ecdsaKey.Curve.Params().Name)
		}
	case jose.EdDSA:
		if _, ok := k.Key.(ed25519.PrivateKey); !ok {
			return fmt.Errorf("EdDSA algorithm requires ed25519.PrivateKey, got %T", k.Key)
		}
	default:
		return fmt.Errorf("unsupported algorithm: %s", k.Algorithm)
	}

	return nil
}

// SigningAlgorithms returns the distinct algorithms of the signing keys.
func (o *Options) SigningAlgorithms() []string {
	var algs []string
	for _, k := range o.SigningKeys {
		if !slices.Contains(algs, k.Algorithm) {
			algs = append(algs, k.Algorithm)
		}
	}
	return algs
}

// CurrentTime returns the configured clock reading.
func (o *Options) CurrentTime() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// ResolveEndpoint resolves an endpoint URI against the issuer.
func (o *Options) ResolveEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	ref, err := url.Parse(endpoint)
	if err != nil || ref.IsAbs() {
		return endpoint
	}
	base, err := url.Parse(o.Issuer)
	if err != nil {
		return endpoint
	}
	return base.JoinPath(ref.Path).String()
}

// isAbsoluteURI reports whether uri is an absolute URI without a fragment.
func isAbsoluteURI(uri string) bool {
	u, err := url.Parse(uri)
	return err == nil && u.IsAbs() && u.Fragment == ""
}
