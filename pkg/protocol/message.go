// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol models the OAuth 2.0 / OpenID Connect messages exchanged with
// the server pipeline and the protocol constants they carry.
package protocol

import (
	"encoding/json"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/ory/fosite"
)

// Message is a set of named protocol parameters. Values are strings, string
// slices or arbitrary JSON-serializable values (for metadata documents).
//
// The zero value is an empty message ready to use.
type Message struct {
	parameters map[string]any
}

// NewMessage creates a message holding a copy of the given parameters.
func NewMessage(parameters map[string]any) *Message {
	m := &Message{}
	for name, value := range parameters {
		m.Set(name, value)
	}
	return m
}

// Get returns the raw value of a parameter.
func (m *Message) Get(name string) (any, bool) {
	if m == nil || m.parameters == nil {
		return nil, false
	}
	value, ok := m.parameters[name]
	return value, ok
}

// GetString returns a parameter as a string. Multi-valued parameters return
// their first value; non-string values return "".
func (m *Message) GetString(name string) string {
	value, ok := m.Get(name)
	if !ok {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// GetStrings returns every value of a parameter.
func (m *Message) GetStrings(name string) []string {
	value, ok := m.Get(name)
	if !ok {
		return nil
	}
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return slices.Clone(v)
	}
	return nil
}

// Set assigns a parameter. Setting a nil value removes the parameter.
func (m *Message) Set(name string, value any) {
	if value == nil {
		m.Remove(name)
		return
	}
	if m.parameters == nil {
		m.parameters = make(map[string]any)
	}
	if v, ok := value.([]string); ok {
		value = slices.Clone(v)
	}
	m.parameters[name] = value
}

// Remove deletes a parameter.
func (m *Message) Remove(name string) {
	if m.parameters != nil {
		delete(m.parameters, name)
	}
}

// Has reports whether a parameter is present with a non-empty value.
func (m *Message) Has(name string) bool {
	value, ok := m.Get(name)
	if !ok {
		return false
	}
	switch v := value.(type) {
	case string:
		return v != ""
	case []string:
		return len(v) > 0
	}
	return true
}

// Names returns the parameter names in lexical order.
func (m *Message) Names() []string {
	if m == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(m.parameters))
}

// Len returns the number of parameters.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.parameters)
}

// Parameters returns a shallow copy of the parameters.
func (m *Message) Parameters() map[string]any {
	if m == nil || m.parameters == nil {
		return map[string]any{}
	}
	return maps.Clone(m.parameters)
}

// MarshalJSON serializes the message as a flat JSON object.
func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Parameters())
}

// Request is an inbound protocol request.
type Request struct {
	Message
}

// NewRequest creates a request from form or query values. Single values are
// stored as strings, repeated values as string slices.
func NewRequest(values url.Values) *Request {
	r := &Request{}
	for name, vals := range values {
		switch len(vals) {
		case 0:
		case 1:
			r.Set(name, vals[0])
		default:
			r.Set(name, vals)
		}
	}
	return r
}

// AccessToken returns the access_token parameter.
func (r *Request) AccessToken() string { return r.GetString(ParamAccessToken) }

// ClientID returns the client_id parameter.
func (r *Request) ClientID() string { return r.GetString(ParamClientID) }

// ClientSecret returns the client_secret parameter.
func (r *Request) ClientSecret() string { return r.GetString(ParamClientSecret) }

// Code returns the code parameter.
func (r *Request) Code() string { return r.GetString(ParamCode) }

// CodeChallenge returns the code_challenge parameter.
func (r *Request) CodeChallenge() string { return r.GetString(ParamCodeChallenge) }

// CodeChallengeMethod returns the code_challenge_method parameter.
func (r *Request) CodeChallengeMethod() string { return r.GetString(ParamCodeChallengeMethod) }

// CodeVerifier returns the code_verifier parameter.
func (r *Request) CodeVerifier() string { return r.GetString(ParamCodeVerifier) }

// GrantType returns the grant_type parameter.
func (r *Request) GrantType() string { return r.GetString(ParamGrantType) }

// Nonce returns the nonce parameter.
func (r *Request) Nonce() string { return r.GetString(ParamNonce) }

// Password returns the password parameter.
func (r *Request) Password() string { return r.GetString(ParamPassword) }

// PostLogoutRedirectURI returns the post_logout_redirect_uri parameter.
func (r *Request) PostLogoutRedirectURI() string { return r.GetString(ParamPostLogoutRedirectURI) }

// Prompt returns the prompt parameter.
func (r *Request) Prompt() string { return r.GetString(ParamPrompt) }

// RedirectURI returns the redirect_uri parameter.
func (r *Request) RedirectURI() string { return r.GetString(ParamRedirectURI) }

// RefreshToken returns the refresh_token parameter.
func (r *Request) RefreshToken() string { return r.GetString(ParamRefreshToken) }

// RequestObject returns the request parameter (OIDC request object).
func (r *Request) RequestObject() string { return r.GetString(ParamRequest) }

// RequestURI returns the request_uri parameter.
func (r *Request) RequestURI() string { return r.GetString(ParamRequestURI) }

// ResponseMode returns the response_mode parameter.
func (r *Request) ResponseMode() string { return r.GetString(ParamResponseMode) }

// ResponseType returns the raw response_type parameter.
func (r *Request) ResponseType() string { return r.GetString(ParamResponseType) }

// Scope returns the raw scope parameter.
func (r *Request) Scope() string { return r.GetString(ParamScope) }

// State returns the state parameter.
func (r *Request) State() string { return r.GetString(ParamState) }

// Token returns the token parameter (introspection and revocation).
func (r *Request) Token() string { return r.GetString(ParamToken) }

// TokenTypeHint returns the token_type_hint parameter.
func (r *Request) TokenTypeHint() string { return r.GetString(ParamTokenTypeHint) }

// Username returns the username parameter.
func (r *Request) Username() string { return r.GetString(ParamUsername) }

// Scopes returns the space-separated scope parameter as a set.
func (r *Request) Scopes() fosite.Arguments {
	return fosite.Arguments(strings.Fields(r.Scope()))
}

// HasScope reports whether the scope parameter contains the given scope.
func (r *Request) HasScope(scope string) bool {
	return r.Scopes().Has(scope)
}

// ResponseTypes returns the space-separated response_type parameter as a set.
func (r *Request) ResponseTypes() fosite.Arguments {
	return fosite.Arguments(strings.Fields(r.ResponseType()))
}

// Prompts returns the space-separated prompt parameter as a set.
func (r *Request) Prompts() fosite.Arguments {
	return fosite.Arguments(strings.Fields(r.Prompt()))
}

// IsAuthorizationCodeFlow reports whether response_type is exactly "code".
func (r *Request) IsAuthorizationCodeFlow() bool {
	return r.ResponseTypes().ExactOne(ResponseTypeCode)
}

// IsNoneFlow reports whether response_type is exactly "none".
func (r *Request) IsNoneFlow() bool {
	return r.ResponseTypes().ExactOne(ResponseTypeNone)
}

// IsImplicitFlow reports whether the response types select the implicit flow
// ("id_token", "token" or "id_token token").
func (r *Request) IsImplicitFlow() bool {
	types := r.ResponseTypes()
	if len(types) == 0 || types.Has(ResponseTypeCode) || types.Has(ResponseTypeNone) {
		return false
	}
	for _, t := range types {
		if t != ResponseTypeIDToken && t != ResponseTypeToken {
			return false
		}
	}
	return true
}

// IsHybridFlow reports whether the response types combine "code" with
// "id_token" and/or "token".
func (r *Request) IsHybridFlow() bool {
	types := r.ResponseTypes()
	if !types.Has(ResponseTypeCode) || len(types) < 2 {
		return false
	}
	for _, t := range types {
		if t != ResponseTypeCode && t != ResponseTypeIDToken && t != ResponseTypeToken {
			return false
		}
	}
	return true
}

// Response is an outbound protocol response.
type Response struct {
	Message
}

// NewResponse creates an empty response.
func NewResponse() *Response {
	return &Response{}
}

// ErrorCode returns the error parameter.
func (r *Response) ErrorCode() string { return r.GetString(ParamError) }

// ErrorDescription returns the error_description parameter.
func (r *Response) ErrorDescription() string { return r.GetString(ParamErrorDescription) }

// ErrorURI returns the error_uri parameter.
func (r *Response) ErrorURI() string { return r.GetString(ParamErrorURI) }

// HasError reports whether an error code was already attached.
func (r *Response) HasError() bool { return r.Has(ParamError) }

// SetError attaches an error triple. Empty values remove the parameter.
func (r *Response) SetError(code, description, uri string) {
	r.setOptional(ParamError, code)
	r.setOptional(ParamErrorDescription, description)
	r.setOptional(ParamErrorURI, uri)
}

func (r *Response) setOptional(name, value string) {
	if value == "" {
		r.Remove(name)
		return
	}
	r.Set(name, value)
}
