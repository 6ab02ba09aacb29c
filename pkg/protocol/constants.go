// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

// Parameter names used in requests and responses.
const (
	ParamAccessToken           = "access_token"
	ParamActive                = "active"
	ParamClientID              = "client_id"
	ParamClientSecret          = "client_secret"
	ParamCode                  = "code"
	ParamCodeChallenge         = "code_challenge"
	ParamCodeChallengeMethod   = "code_challenge_method"
	ParamCodeVerifier          = "code_verifier"
	ParamError                 = "error"
	ParamErrorDescription      = "error_description"
	ParamErrorURI              = "error_uri"
	ParamExpiresIn             = "expires_in"
	ParamGrantType             = "grant_type"
	ParamIDTokenHint           = "id_token_hint"
	ParamNonce                 = "nonce"
	ParamPassword              = "password"
	ParamPostLogoutRedirectURI = "post_logout_redirect_uri"
	ParamPrompt                = "prompt"
	ParamRedirectURI           = "redirect_uri"
	ParamRefreshToken          = "refresh_token"
	ParamRequest               = "request"
	ParamRequestURI            = "request_uri"
	ParamResponseMode          = "response_mode"
	ParamResponseType          = "response_type"
	ParamScope                 = "scope"
	ParamState                 = "state"
	ParamToken                 = "token"
	ParamTokenType             = "token_type"
	ParamTokenTypeHint         = "token_type_hint"
	ParamUsername              = "username"
)

// Error codes defined by RFC 6749, RFC 6750, RFC 7009 and OpenID Connect Core.
const (
	ErrorAccessDenied            = "access_denied"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidScope            = "invalid_scope"
	ErrorInvalidToken            = "invalid_token"
	ErrorRequestNotSupported     = "request_not_supported"
	ErrorRequestURINotSupported  = "request_uri_not_supported"
	ErrorServerError             = "server_error"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorUnsupportedTokenType    = "unsupported_token_type"
)

// Grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeImplicit          = "implicit"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
)

// Response types.
const (
	ResponseTypeCode    = "code"
	ResponseTypeIDToken = "id_token"
	ResponseTypeNone    = "none"
	ResponseTypeToken   = "token"
)

// Response modes.
const (
	ResponseModeFormPost = "form_post"
	ResponseModeFragment = "fragment"
	ResponseModeQuery    = "query"
)

// Prompt values.
const (
	PromptConsent       = "consent"
	PromptLogin         = "login"
	PromptNone          = "none"
	PromptSelectAccount = "select_account"
)

// Scopes.
const (
	ScopeAddress       = "address"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
	ScopeOpenID        = "openid"
	ScopePhone         = "phone"
	ScopeProfile       = "profile"
)

// Token type hints (RFC 7009, RFC 7662).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Token types.
const (
	TokenTypeBearer = "Bearer"
)

// PKCE code challenge methods (RFC 7636).
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// Claim names.
const (
	ClaimAudience            = "aud"
	ClaimAuthorizedParty     = "azp"
	ClaimClientID            = "client_id"
	ClaimCodeChallenge       = "code_challenge"
	ClaimCodeChallengeMethod = "code_challenge_method"
	ClaimEmail               = "email"
	ClaimExpiresAt           = "exp"
	ClaimIssuedAt            = "iat"
	ClaimIssuer              = "iss"
	ClaimName                = "name"
	ClaimNonce               = "nonce"
	ClaimRedirectURI         = "redirect_uri"
	ClaimScope               = "scope"
	ClaimSubject             = "sub"
	ClaimTokenUsage          = "token_usage"
)

// Provider metadata names (OpenID Connect Discovery 1.0, RFC 8414).
const (
	MetadataAuthorizationEndpoint             = "authorization_endpoint"
	MetadataClaimsSupported                   = "claims_supported"
	MetadataCodeChallengeMethodsSupported     = "code_challenge_methods_supported"
	MetadataEndSessionEndpoint                = "end_session_endpoint"
	MetadataGrantTypesSupported               = "grant_types_supported"
	MetadataIDTokenSigningAlgValuesSupported  = "id_token_signing_alg_values_supported"
	MetadataIntrospectionEndpoint             = "introspection_endpoint"
	MetadataIssuer                            = "issuer"
	MetadataJWKSURI                           = "jwks_uri"
	MetadataKeys                              = "keys"
	MetadataResponseModesSupported            = "response_modes_supported"
	MetadataResponseTypesSupported            = "response_types_supported"
	MetadataRevocationEndpoint                = "revocation_endpoint"
	MetadataScopesSupported                   = "scopes_supported"
	MetadataSubjectTypesSupported             = "subject_types_supported"
	MetadataTokenEndpoint                     = "token_endpoint"
	MetadataTokenEndpointAuthMethodsSupported = "token_endpoint_auth_methods_supported"
	MetadataUserinfoEndpoint                  = "userinfo_endpoint"
)

// Token usages recorded in the token_usage claim of issued tokens.
const (
	TokenUsageAccessToken       = "access_token"
	TokenUsageAuthorizationCode = "authorization_code"
	TokenUsageRefreshToken      = "refresh_token"
)
