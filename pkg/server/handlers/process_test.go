// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	thverrors "github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
	"github.com/stacklok/toolhive-oidc/pkg/storage/mocks"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func TestResolveAmbientPrincipal(t *testing.T) {
	t.Parallel()

	t.Run("principal of the transport", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		p := testPrincipal(t, nil)
		ectx, err := server.NewProcessAuthenticationContext(env.transaction(t, server.EndpointAuthorization, nil))
		require.NoError(t, err)

		require.NoError(t, ResolveAmbientPrincipal{}.Handle(auth.WithPrincipal(context.Background(), p), ectx))
		assert.Same(t, p, ectx.Transaction().AmbientPrincipal)
	})

	t.Run("principal of the transport is ignored where a handle is presented", func(t *testing.T) {
		t.Parallel()

		for _, endpoint := range []server.EndpointType{
			server.EndpointToken,
			server.EndpointUserinfo,
			server.EndpointIntrospection,
			server.EndpointRevocation,
		} {
			env := newTestEnv(t)
			tx := env.transaction(t, endpoint, url.Values{
				protocol.ParamGrantType:   {protocol.GrantTypeAuthorizationCode},
				protocol.ParamCode:        {"unknown"},
				protocol.ParamAccessToken: {"unknown"},
				protocol.ParamToken:       {"unknown"},
			})
			ectx, err := server.NewProcessAuthenticationContext(tx)
			require.NoError(t, err)

			mallory := testPrincipal(t, map[string]any{protocol.ClaimSubject: "mallory"})
			require.NoError(t, ResolveAmbientPrincipal{}.Handle(auth.WithPrincipal(context.Background(), mallory), ectx))
			assert.Nil(t, tx.AmbientPrincipal, endpoint.String())
		}
	})

	t.Run("existing ambient principal is kept", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		existing := testPrincipal(t, nil)
		tx := env.transaction(t, server.EndpointAuthorization, nil)
		tx.AmbientPrincipal = existing
		ectx, err := server.NewProcessAuthenticationContext(tx)
		require.NoError(t, err)

		other := testPrincipal(t, map[string]any{protocol.ClaimSubject: "bob"})
		require.NoError(t, ResolveAmbientPrincipal{}.Handle(auth.WithPrincipal(context.Background(), other), ectx))
		assert.Same(t, existing, tx.AmbientPrincipal)
	})

	tests := []struct {
		name     string
		endpoint server.EndpointType
		usage    string
		values   func(handle string) url.Values
		session  bool
		resolved bool
	}{
		{
			name:     "authorization code",
			endpoint: server.EndpointToken,
			usage:    protocol.TokenUsageAuthorizationCode,
			values: func(h string) url.Values {
				return url.Values{protocol.ParamGrantType: {protocol.GrantTypeAuthorizationCode}, protocol.ParamCode: {h}}
			},
			resolved: true,
		},
		{
			name:     "refresh token presented as code",
			endpoint: server.EndpointToken,
			usage:    protocol.TokenUsageRefreshToken,
			values: func(h string) url.Values {
				return url.Values{protocol.ParamGrantType: {protocol.GrantTypeAuthorizationCode}, protocol.ParamCode: {h}}
			},
		},
		{
			name:     "refresh token",
			endpoint: server.EndpointToken,
			usage:    protocol.TokenUsageRefreshToken,
			values: func(h string) url.Values {
				return url.Values{protocol.ParamGrantType: {protocol.GrantTypeRefreshToken}, protocol.ParamRefreshToken: {h}}
			},
			resolved: true,
		},
		{
			name:     "access token on userinfo",
			endpoint: server.EndpointUserinfo,
			usage:    protocol.TokenUsageAccessToken,
			values:   func(h string) url.Values { return url.Values{protocol.ParamAccessToken: {h}} },
			resolved: true,
		},
		{
			name:     "authorization code on userinfo",
			endpoint: server.EndpointUserinfo,
			usage:    protocol.TokenUsageAuthorizationCode,
			values:   func(h string) url.Values { return url.Values{protocol.ParamAccessToken: {h}} },
		},
		{
			name:     "refresh token on introspection",
			endpoint: server.EndpointIntrospection,
			usage:    protocol.TokenUsageRefreshToken,
			values:   func(h string) url.Values { return url.Values{protocol.ParamToken: {h}} },
			resolved: true,
		},
		{
			name:     "session on authorization",
			endpoint: server.EndpointAuthorization,
			values:   func(string) url.Values { return nil },
			session:  true,
			resolved: true,
		},
		{
			name:     "access token used as session",
			endpoint: server.EndpointLogout,
			usage:    protocol.TokenUsageAccessToken,
			values:   func(string) url.Values { return nil },
			session:  true,
		},
		{
			name:     "unknown handle",
			endpoint: server.EndpointUserinfo,
			values:   func(string) url.Values { return url.Values{protocol.ParamAccessToken: {"unknown"}} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			p := testPrincipal(t, nil)
			var handle string
			if tt.usage != "" {
				handle = env.storePrincipal(t, tt.usage, p)
			} else {
				handle = "session-handle"
				require.NoError(t, env.store.StoreSession(context.Background(), handle, p, time.Hour))
			}

			tx := env.transaction(t, tt.endpoint, tt.values(handle))
			if tt.session {
				tx.SessionHandle = handle
			}
			ectx, err := server.NewProcessAuthenticationContext(tx)
			require.NoError(t, err)

			require.NoError(t, ResolveAmbientPrincipal{}.Handle(context.Background(), ectx))
			if tt.resolved {
				require.NotNil(t, tx.AmbientPrincipal)
				assert.Equal(t, "alice", tx.AmbientPrincipal.Subject)
			} else {
				assert.Nil(t, tx.AmbientPrincipal)
			}
		})
	}
}

func TestResolveAmbientPrincipal_StoreFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	sessions := mocks.NewMockSessionStore(ctrl)
	failure := errors.New("redis unavailable")
	sessions.EXPECT().GetSession(gomock.Any(), "at").Return(nil, failure)

	env := newTestEnv(t, func(o *server.Options) { o.Sessions = sessions })
	ectx, err := server.NewProcessAuthenticationContext(env.transaction(t, server.EndpointUserinfo,
		url.Values{protocol.ParamAccessToken: {"at"}}))
	require.NoError(t, err)

	err = ResolveAmbientPrincipal{}.Handle(context.Background(), ectx)
	require.ErrorIs(t, err, failure)
}

func TestProcessAuthentication(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := float64(now.Add(time.Minute).Unix())
	past := float64(now.Add(-time.Minute).Unix())

	codeRequest := func(extra url.Values) url.Values {
		v := url.Values{
			protocol.ParamGrantType:   {protocol.GrantTypeAuthorizationCode},
			protocol.ParamCode:        {"code"},
			protocol.ParamClientID:    {testClientID},
			protocol.ParamRedirectURI: {testRedirectURI},
		}
		for k, vals := range extra {
			v[k] = vals
		}
		return v
	}
	codeClaims := func(extra map[string]any) map[string]any {
		c := map[string]any{
			protocol.ClaimAuthorizedParty: testClientID,
			protocol.ClaimRedirectURI:     testRedirectURI,
			protocol.ClaimExpiresAt:       future,
		}
		for k, v := range extra {
			c[k] = v
		}
		return c
	}

	tests := []struct {
		name          string
		endpoint      server.EndpointType
		values        url.Values
		claims        map[string]any
		noPrincipal   bool
		want          *rejection
		wantPrincipal bool
	}{
		{
			name:          "valid authorization code",
			endpoint:      server.EndpointToken,
			values:        codeRequest(nil),
			claims:        codeClaims(nil),
			wantPrincipal: true,
		},
		{
			name:     "expired authorization code",
			endpoint: server.EndpointToken,
			values:   codeRequest(nil),
			claims:   codeClaims(map[string]any{protocol.ClaimExpiresAt: past}),
			want:     &rejection{protocol.ErrorInvalidGrant, "The specified authorization code is no longer valid."},
		},
		{
			name:     "expired refresh token",
			endpoint: server.EndpointToken,
			values: url.Values{
				protocol.ParamGrantType:    {protocol.GrantTypeRefreshToken},
				protocol.ParamRefreshToken: {"rt"},
				protocol.ParamClientID:     {testClientID},
			},
			claims: codeClaims(map[string]any{protocol.ClaimExpiresAt: past}),
			want:   &rejection{protocol.ErrorInvalidGrant, "The specified refresh token is no longer valid."},
		},
		{
			name:     "expired access token on userinfo",
			endpoint: server.EndpointUserinfo,
			values:   url.Values{protocol.ParamAccessToken: {"at"}},
			claims:   map[string]any{protocol.ClaimExpiresAt: past},
			want:     &rejection{protocol.ErrorInvalidToken, "The specified access token is no longer valid."},
		},
		{
			name:     "expired token on introspection is dropped",
			endpoint: server.EndpointIntrospection,
			values:   url.Values{protocol.ParamToken: {"at"}},
			claims:   map[string]any{protocol.ClaimExpiresAt: past},
		},
		{
			name:     "code of another client",
			endpoint: server.EndpointToken,
			values:   codeRequest(url.Values{protocol.ParamClientID: {testPublicID}}),
			claims:   codeClaims(nil),
			want:     &rejection{protocol.ErrorInvalidGrant, "The specified authorization code cannot be used by this client application."},
		},
		{
			name:     "refresh token of another client",
			endpoint: server.EndpointToken,
			values: url.Values{
				protocol.ParamGrantType:    {protocol.GrantTypeRefreshToken},
				protocol.ParamRefreshToken: {"rt"},
				protocol.ParamClientID:     {testPublicID},
			},
			claims: codeClaims(nil),
			want:   &rejection{protocol.ErrorInvalidGrant, "The specified refresh token cannot be used by this client application."},
		},
		{
			name:     "missing redirect_uri",
			endpoint: server.EndpointToken,
			values:   codeRequest(url.Values{protocol.ParamRedirectURI: nil}),
			claims:   codeClaims(nil),
			want:     &rejection{protocol.ErrorInvalidRequest, "The mandatory 'redirect_uri' parameter is missing."},
		},
		{
			name:     "different redirect_uri",
			endpoint: server.EndpointToken,
			values:   codeRequest(url.Values{protocol.ParamRedirectURI: {"https://app.example.com/other"}}),
			claims:   codeClaims(nil),
			want: &rejection{protocol.ErrorInvalidGrant,
				"The specified 'redirect_uri' parameter doesn't match the client redirection endpoint the authorization code was initially sent to."},
		},
		{
			name:     "uncalled for code_verifier",
			endpoint: server.EndpointToken,
			values:   codeRequest(url.Values{protocol.ParamCodeVerifier: {testVerifier}}),
			claims:   codeClaims(nil),
			want:     &rejection{protocol.ErrorInvalidRequest, "The 'code_verifier' parameter is uncalled for in this request."},
		},
		{
			name:     "missing code_verifier",
			endpoint: server.EndpointToken,
			values:   codeRequest(nil),
			claims: codeClaims(map[string]any{
				protocol.ClaimCodeChallenge:       computeCodeChallenge(testVerifier, protocol.CodeChallengeMethodS256),
				protocol.ClaimCodeChallengeMethod: protocol.CodeChallengeMethodS256,
			}),
			want: &rejection{protocol.ErrorInvalidRequest, "The mandatory 'code_verifier' parameter is missing."},
		},
		{
			name:     "wrong code_verifier",
			endpoint: server.EndpointToken,
			values:   codeRequest(url.Values{protocol.ParamCodeVerifier: {testVerifier + "x"}}),
			claims: codeClaims(map[string]any{
				protocol.ClaimCodeChallenge:       computeCodeChallenge(testVerifier, protocol.CodeChallengeMethodS256),
				protocol.ClaimCodeChallengeMethod: protocol.CodeChallengeMethodS256,
			}),
			want: &rejection{protocol.ErrorInvalidGrant, "The specified 'code_verifier' parameter is invalid."},
		},
		{
			name:     "valid code_verifier",
			endpoint: server.EndpointToken,
			values:   codeRequest(url.Values{protocol.ParamCodeVerifier: {testVerifier}}),
			claims: codeClaims(map[string]any{
				protocol.ClaimCodeChallenge:       computeCodeChallenge(testVerifier, protocol.CodeChallengeMethodS256),
				protocol.ClaimCodeChallengeMethod: protocol.CodeChallengeMethodS256,
			}),
			wantPrincipal: true,
		},
		{
			name:        "no principal on authorization",
			endpoint:    server.EndpointAuthorization,
			noPrincipal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, func(o *server.Options) { o.Now = func() time.Time { return now } })
			tx := env.transaction(t, tt.endpoint, tt.values)
			if !tt.noPrincipal {
				tx.AmbientPrincipal = testPrincipal(t, tt.claims)
			}
			ectx, err := server.NewProcessAuthenticationContext(tx)
			require.NoError(t, err)

			require.NoError(t, env.run(t, ectx))
			assertRejection(t, ectx, tt.want)
			if tt.want == nil {
				assert.Equal(t, tt.wantPrincipal, ectx.Principal != nil)
			}
		})
	}
}

func TestValidateAuthenticationDemand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint server.EndpointType
		grant    string
		wantErr  bool
	}{
		{name: "authorization", endpoint: server.EndpointAuthorization},
		{name: "logout", endpoint: server.EndpointLogout},
		{name: "userinfo", endpoint: server.EndpointUserinfo},
		{name: "introspection", endpoint: server.EndpointIntrospection},
		{name: "revocation", endpoint: server.EndpointRevocation},
		{name: "code grant", endpoint: server.EndpointToken, grant: protocol.GrantTypeAuthorizationCode},
		{name: "refresh grant", endpoint: server.EndpointToken, grant: protocol.GrantTypeRefreshToken},
		{name: "client credentials grant", endpoint: server.EndpointToken, grant: protocol.GrantTypeClientCredentials, wantErr: true},
		{name: "password grant", endpoint: server.EndpointToken, grant: protocol.GrantTypePassword, wantErr: true},
		{name: "configuration", endpoint: server.EndpointConfiguration, wantErr: true},
		{name: "cryptography", endpoint: server.EndpointCryptography, wantErr: true},
		{name: "unknown", endpoint: server.EndpointUnknown, wantErr: true},
	}

	for _, tt := range tests {
		for _, withPrincipal := range []bool{true, false} {
			name := tt.name + "/without principal"
			if withPrincipal {
				name = tt.name + "/with principal"
			}
			t.Run(name, func(t *testing.T) {
				t.Parallel()

				env := newTestEnv(t)
				tx := env.transaction(t, tt.endpoint, url.Values{protocol.ParamGrantType: {tt.grant}})
				var ambient *auth.Principal
				if withPrincipal {
					ambient = testPrincipal(t, nil)
				}
				tx.AmbientPrincipal = ambient
				ectx, err := server.NewProcessAuthenticationContext(tx)
				require.NoError(t, err)

				err = ValidateAuthenticationDemand{}.Handle(context.Background(), ectx)
				if tt.wantErr {
					require.Error(t, err)
					var e *thverrors.Error
					require.ErrorAs(t, err, &e)
					assert.Equal(t, thverrors.ErrNotSupported, e.Type)
					assert.Equal(t, "No identity cannot be extracted from this request.", e.Message)
					assert.Nil(t, ectx.Principal)
					return
				}
				require.NoError(t, err)
				assert.Same(t, ambient, ectx.Principal)
				assert.False(t, ectx.IsRejected())
			})
		}
	}
}

func TestProcessChallenge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		endpoint  server.EndpointType
		preset    bool
		wantCode  string
		wantDesc  string
		wantState bool
	}{
		{
			name:      "authorization",
			endpoint:  server.EndpointAuthorization,
			wantCode:  protocol.ErrorAccessDenied,
			wantDesc:  "The authorization was denied by the resource owner.",
			wantState: true,
		},
		{
			name:     "token",
			endpoint: server.EndpointToken,
			wantCode: protocol.ErrorInvalidGrant,
			wantDesc: "The token request was rejected by the authorization server.",
		},
		{
			name:     "userinfo",
			endpoint: server.EndpointUserinfo,
			wantCode: protocol.ErrorInvalidToken,
			wantDesc: "The access token is not valid or cannot be used to retrieve user information.",
		},
		{
			name:      "error set by an earlier handler on authorization",
			endpoint:  server.EndpointAuthorization,
			preset:    true,
			wantCode:  protocol.ErrorInvalidRequest,
			wantDesc:  "custom",
			wantState: true,
		},
		{
			name:     "error set by an earlier handler on token",
			endpoint: server.EndpointToken,
			preset:   true,
			wantCode: protocol.ErrorInvalidRequest,
			wantDesc: "custom",
		},
		{
			name:     "error set by an earlier handler on userinfo",
			endpoint: server.EndpointUserinfo,
			preset:   true,
			wantCode: protocol.ErrorInvalidRequest,
			wantDesc: "custom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			tx := env.transaction(t, tt.endpoint, url.Values{protocol.ParamState: {"xyz"}})
			if tt.preset {
				tx.Response.SetError(protocol.ErrorInvalidRequest, "custom", "")
			}
			ectx, err := server.NewProcessChallengeContext(tx)
			require.NoError(t, err)

			require.NoError(t, env.run(t, ectx))
			assert.Equal(t, tt.wantCode, ectx.Response().ErrorCode())
			assert.Equal(t, tt.wantDesc, ectx.Response().ErrorDescription())
			assert.Equal(t, tt.wantState, ectx.Response().Has(protocol.ParamState))
		})
	}

	unsupported := []server.EndpointType{
		server.EndpointUnknown,
		server.EndpointConfiguration,
		server.EndpointCryptography,
		server.EndpointIntrospection,
		server.EndpointLogout,
		server.EndpointRevocation,
	}
	for _, endpoint := range unsupported {
		for _, preset := range []bool{false, true} {
			name := "unsupported " + endpoint.String()
			if preset {
				name += " with error set"
			}
			t.Run(name, func(t *testing.T) {
				t.Parallel()

				env := newTestEnv(t)
				tx := env.transaction(t, endpoint, nil)
				if preset {
					tx.Response.SetError(protocol.ErrorInvalidRequest, "preset", "")
				}
				ectx, err := server.NewProcessChallengeContext(tx)
				require.NoError(t, err)

				err = env.run(t, ectx)
				require.Error(t, err)
				var e *thverrors.Error
				require.ErrorAs(t, err, &e)
				assert.Equal(t, thverrors.ErrNotSupported, e.Type)
				assert.Equal(t, "An OpenID Connect response cannot be returned from this endpoint.", e.Message)
				if preset {
					assert.Equal(t, "preset", ectx.Response().ErrorDescription())
				} else {
					assert.False(t, ectx.Response().HasError())
				}
			})
		}
	}
}

func TestProcessSignIn_AuthorizationCodeFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	challenge := computeCodeChallenge(testVerifier, protocol.CodeChallengeMethodS256)

	tx := env.transaction(t, server.EndpointAuthorization, url.Values{
		protocol.ParamClientID:            {testClientID},
		protocol.ParamRedirectURI:         {testRedirectURI},
		protocol.ParamResponseType:        {protocol.ResponseTypeCode},
		protocol.ParamScope:               {"openid offline_access"},
		protocol.ParamState:               {"xyz"},
		protocol.ParamNonce:               {"n-0S6"},
		protocol.ParamCodeChallenge:       {challenge},
		protocol.ParamCodeChallengeMethod: {protocol.CodeChallengeMethodS256},
	})
	tx.AmbientPrincipal = testPrincipal(t, map[string]any{protocol.ClaimName: "Alice"})
	ectx, err := server.NewProcessSignInContext(tx)
	require.NoError(t, err)

	require.NoError(t, env.run(t, ectx))
	require.False(t, ectx.IsRejected())
	require.NotEmpty(t, ectx.AuthorizationCode)
	assert.Empty(t, ectx.AccessToken)
	assert.Empty(t, ectx.RefreshToken)

	assert.Equal(t, ectx.AuthorizationCode, ectx.Response().GetString(protocol.ParamCode))
	assert.Equal(t, "xyz", ectx.Response().GetString(protocol.ParamState))
	assert.False(t, ectx.Response().Has(protocol.ParamAccessToken))

	stored, err := env.store.GetSession(context.Background(), ectx.AuthorizationCode)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Subject)
	assert.Equal(t, protocol.TokenUsageAuthorizationCode, stored.Claim(protocol.ClaimTokenUsage))
	assert.Equal(t, testClientID, stored.Presenter())
	assert.Equal(t, testRedirectURI, stored.Claim(protocol.ClaimRedirectURI))
	assert.Equal(t, "n-0S6", stored.Claim(protocol.ClaimNonce))
	assert.Equal(t, challenge, stored.Claim(protocol.ClaimCodeChallenge))
	assert.Equal(t, protocol.CodeChallengeMethodS256, stored.Claim(protocol.ClaimCodeChallengeMethod))
	assert.ElementsMatch(t, []string{protocol.ScopeOpenID, protocol.ScopeOfflineAccess}, stored.Scopes)
	_, hasExp := stored.ExpiresAt()
	assert.True(t, hasExp)
}

func TestProcessSignIn_CodeExchange(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	code := env.storePrincipal(t, protocol.TokenUsageAuthorizationCode, testPrincipal(t, map[string]any{
		protocol.ClaimAuthorizedParty: testClientID,
		protocol.ClaimScope:           "openid offline_access",
		protocol.ClaimRedirectURI:     testRedirectURI,
		protocol.ClaimNonce:           "n-0S6",
	}))
	codePrincipal, err := env.store.GetSession(context.Background(), code)
	require.NoError(t, err)

	exchange := func() *server.ProcessSignInContext {
		tx := env.transaction(t, server.EndpointToken, url.Values{
			protocol.ParamGrantType:   {protocol.GrantTypeAuthorizationCode},
			protocol.ParamCode:        {code},
			protocol.ParamClientID:    {testClientID},
			protocol.ParamRedirectURI: {testRedirectURI},
		})
		tx.AmbientPrincipal = codePrincipal
		ectx, err := server.NewProcessSignInContext(tx)
		require.NoError(t, err)
		require.NoError(t, env.run(t, ectx))
		return ectx
	}

	ectx := exchange()
	require.False(t, ectx.IsRejected())
	require.NotEmpty(t, ectx.AccessToken)
	require.NotEmpty(t, ectx.RefreshToken)
	assert.Empty(t, ectx.AuthorizationCode)

	resp := ectx.Response()
	assert.Equal(t, ectx.AccessToken, resp.GetString(protocol.ParamAccessToken))
	assert.Equal(t, ectx.RefreshToken, resp.GetString(protocol.ParamRefreshToken))
	assert.Equal(t, protocol.TokenTypeBearer, resp.GetString(protocol.ParamTokenType))
	expiresIn, ok := resp.Get(protocol.ParamExpiresIn)
	require.True(t, ok)
	assert.Equal(t, int64(env.opts.AccessTokenLifetime.Seconds()), expiresIn)
	assert.Equal(t, "openid offline_access", resp.GetString(protocol.ParamScope))
	assert.False(t, resp.Has(protocol.ParamState))

	access, err := env.store.GetSession(context.Background(), ectx.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, protocol.TokenUsageAccessToken, access.Claim(protocol.ClaimTokenUsage))
	assert.Equal(t, testClientID, access.Presenter())
	assert.Empty(t, access.Claim(protocol.ClaimRedirectURI))
	assert.Empty(t, access.Claim(protocol.ClaimNonce))
	assert.Equal(t, testIssuer, access.Claim(protocol.ClaimIssuer))

	// the code was redeemed by the first exchange
	_, err = env.store.GetSession(context.Background(), code)
	require.Error(t, err)

	replay := exchange()
	assertRejection(t, replay, &rejection{protocol.ErrorInvalidGrant, "The specified authorization code has already been redeemed."})
	assert.Empty(t, replay.AccessToken)
}

func TestAttachGrantedScopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		endpoint  server.EndpointType
		values    url.Values
		principal []string
		want      []string
		reject    bool
	}{
		{
			name:     "authorization grants the requested scopes",
			endpoint: server.EndpointAuthorization,
			values:   url.Values{protocol.ParamScope: {"openid profile"}},
			want:     []string{"openid", "profile"},
		},
		{
			name:      "authorization narrowed by the principal",
			endpoint:  server.EndpointAuthorization,
			values:    url.Values{protocol.ParamScope: {"openid profile email"}},
			principal: []string{"openid", "email"},
			want:      []string{"openid", "email"},
		},
		{
			name:      "code grant keeps the code scopes",
			endpoint:  server.EndpointToken,
			values:    url.Values{protocol.ParamGrantType: {protocol.GrantTypeAuthorizationCode}},
			principal: []string{"openid", "offline_access"},
			want:      []string{"openid", "offline_access"},
		},
		{
			name:      "refresh grant without scope",
			endpoint:  server.EndpointToken,
			values:    url.Values{protocol.ParamGrantType: {protocol.GrantTypeRefreshToken}},
			principal: []string{"openid", "offline_access"},
			want:      []string{"openid", "offline_access"},
		},
		{
			name:      "refresh grant narrowing",
			endpoint:  server.EndpointToken,
			values:    url.Values{protocol.ParamGrantType: {protocol.GrantTypeRefreshToken}, protocol.ParamScope: {"openid"}},
			principal: []string{"openid", "offline_access"},
			want:      []string{"openid"},
		},
		{
			name:      "refresh grant widening",
			endpoint:  server.EndpointToken,
			values:    url.Values{protocol.ParamGrantType: {protocol.GrantTypeRefreshToken}, protocol.ParamScope: {"openid profile"}},
			principal: []string{"openid", "offline_access"},
			reject:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			tx := env.transaction(t, tt.endpoint, tt.values)
			claims := map[string]any{}
			if tt.principal != nil {
				claims[protocol.ClaimScope] = tt.principal
			}
			original := testPrincipal(t, claims)
			tx.AmbientPrincipal = original
			ectx, err := server.NewProcessSignInContext(tx)
			require.NoError(t, err)

			require.NoError(t, AttachGrantedScopes{}.Handle(context.Background(), ectx))
			if tt.reject {
				assertRejection(t, ectx, &rejection{protocol.ErrorInvalidScope,
					"The specified 'scope' parameter exceeds the scopes granted by the resource owner."})
				return
			}
			assert.Equal(t, tt.want, ectx.Principal.Scopes)
			assert.NotSame(t, original, ectx.Principal)
			assert.Equal(t, tt.principal, original.Scopes, "the ambient principal is not modified")
		})
	}
}

func TestProcessSignIn_Demand(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	tx := env.transaction(t, server.EndpointUserinfo, nil)
	tx.AmbientPrincipal = testPrincipal(t, nil)
	ectx, err := server.NewProcessSignInContext(tx)
	require.NoError(t, err)

	err = env.run(t, ectx)
	var e *thverrors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, thverrors.ErrNotSupported, e.Type)
	assert.Equal(t, "A sign-in response cannot be returned from this endpoint.", e.Message)

	tx = env.transaction(t, server.EndpointToken, url.Values{protocol.ParamGrantType: {protocol.GrantTypeClientCredentials}})
	tx.AmbientPrincipal = &auth.Principal{}
	ectx, err = server.NewProcessSignInContext(tx)
	require.NoError(t, err)

	err = env.run(t, ectx)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, thverrors.ErrInvalidArgument, e.Type)
	assert.Equal(t, "The specified principal doesn't contain any subject claim.", e.Message)
}

func TestProcessSignIn_ClientCredentials(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tx := env.transaction(t, server.EndpointToken, url.Values{
		protocol.ParamGrantType: {protocol.GrantTypeClientCredentials},
		protocol.ParamClientID:  {testClientID},
		protocol.ParamScope:     {"offline_access"},
	})
	tx.AmbientPrincipal = testPrincipal(t, map[string]any{protocol.ClaimSubject: testClientID})
	ectx, err := server.NewProcessSignInContext(tx)
	require.NoError(t, err)

	require.NoError(t, env.run(t, ectx))
	assert.NotEmpty(t, ectx.AccessToken)
	assert.Empty(t, ectx.RefreshToken, "client credentials never yield a refresh token")
}

func TestProcessSignOut(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tx := env.transaction(t, server.EndpointLogout, url.Values{
		protocol.ParamPostLogoutRedirectURI: {"https://app.example.com/bye"},
		protocol.ParamState:                 {"xyz"},
	})
	ectx, err := server.NewProcessSignOutContext(tx)
	require.NoError(t, err)

	require.NoError(t, env.run(t, ectx))
	assert.Equal(t, "https://app.example.com/bye", ectx.Response().GetString(protocol.ParamPostLogoutRedirectURI))
	assert.Equal(t, "xyz", ectx.Response().GetString(protocol.ParamState))

	ectx, err = server.NewProcessSignOutContext(env.transaction(t, server.EndpointToken, nil))
	require.NoError(t, err)
	err = env.run(t, ectx)
	var e *thverrors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "A sign-out response cannot be returned from this endpoint.", e.Message)
}

func TestProcessError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		endpoint  server.EndpointType
		preset    bool
		code      string
		wantCode  string
		wantDesc  string
		wantState bool
	}{
		{
			name:      "authorization error with state",
			endpoint:  server.EndpointAuthorization,
			code:      protocol.ErrorInvalidScope,
			wantCode:  protocol.ErrorInvalidScope,
			wantDesc:  "description",
			wantState: true,
		},
		{
			name:     "token error without state",
			endpoint: server.EndpointToken,
			code:     protocol.ErrorInvalidGrant,
			wantCode: protocol.ErrorInvalidGrant,
			wantDesc: "description",
		},
		{
			name:     "existing response error is kept",
			endpoint: server.EndpointToken,
			preset:   true,
			code:     protocol.ErrorInvalidGrant,
			wantCode: protocol.ErrorServerError,
			wantDesc: "preset",
		},
		{
			name:      "empty code",
			endpoint:  server.EndpointLogout,
			wantState: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			tx := env.transaction(t, tt.endpoint, url.Values{protocol.ParamState: {"xyz"}})
			if tt.preset {
				tx.Response.SetError(protocol.ErrorServerError, "preset", "")
			}
			ectx, err := server.NewProcessErrorContext(tx)
			require.NoError(t, err)
			if tt.code != "" {
				ectx.SetError(tt.code, "description", "")
			}

			require.NoError(t, env.run(t, ectx))
			assert.False(t, ectx.IsRejected())
			assert.Equal(t, tt.wantCode, ectx.Response().ErrorCode())
			assert.Equal(t, tt.wantDesc, ectx.Response().ErrorDescription())
			assert.Equal(t, tt.wantState, ectx.Response().Has(protocol.ParamState))
		})
	}
}

func TestVerifyCodeChallenge(t *testing.T) {
	t.Parallel()

	s256 := computeCodeChallenge(testVerifier, protocol.CodeChallengeMethodS256)
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", s256)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
	}{
		{name: "S256", verifier: testVerifier, challenge: s256, method: protocol.CodeChallengeMethodS256, want: true},
		{name: "plain", verifier: testVerifier, challenge: testVerifier, method: protocol.CodeChallengeMethodPlain, want: true},
		{name: "empty method is plain", verifier: testVerifier, challenge: testVerifier, want: true},
		{name: "S256 mismatch", verifier: testVerifier, challenge: testVerifier, method: protocol.CodeChallengeMethodS256},
		{name: "unknown method", verifier: testVerifier, challenge: testVerifier, method: "S512"},
		{name: "verifier too short", verifier: "short", challenge: "short"},
		{name: "verifier with invalid characters", verifier: testVerifier[:42] + "!", challenge: testVerifier[:42] + "!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, verifyCodeChallenge(tt.verifier, tt.challenge, tt.method))
		})
	}
}
