// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	thverrors "github.com/stacklok/toolhive-oidc/pkg/errors"
	"github.com/stacklok/toolhive-oidc/pkg/logger"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
	"github.com/stacklok/toolhive-oidc/pkg/server/handlers"
	"github.com/stacklok/toolhive-oidc/pkg/storage"
)

const (
	testIssuer       = "https://issuer.example.com"
	testClientID     = "web-app"
	testClientSecret = "s3cr3t"
	testRedirectURI  = "https://app.example.com/callback"
	testVerifier     = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type testEnv struct {
	opts      *server.Options
	processor *Processor
}

func newTestEnv(t *testing.T, extra ...*server.Descriptor) *testEnv {
	t.Helper()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	hashed, err := bcrypt.GenerateFromPassword([]byte(testClientSecret), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.RegisterClient(context.Background(), &fosite.DefaultClient{
		ID:           testClientID,
		Secret:       hashed,
		RedirectURIs: []string{testRedirectURI},
		GrantTypes: []string{
			protocol.GrantTypeAuthorizationCode,
			protocol.GrantTypeRefreshToken,
			protocol.GrantTypeClientCredentials,
		},
		ResponseTypes: []string{protocol.ResponseTypeCode},
		Scopes:        []string{protocol.ScopeOpenID, protocol.ScopeOfflineAccess, protocol.ScopeProfile},
	}))

	issuer := storage.NewReferenceTokenIssuer(store)
	opts := &server.Options{
		Issuer: testIssuer,
		GrantTypes: []string{
			protocol.GrantTypeAuthorizationCode,
			protocol.GrantTypeRefreshToken,
			protocol.GrantTypeClientCredentials,
		},
		Scopes:   []string{protocol.ScopeOpenID, protocol.ScopeOfflineAccess, protocol.ScopeProfile},
		Clients:  store,
		Sessions: store,
		Tokens:   issuer,
		Revoker:  issuer,
		Handlers: extra,
	}
	opts.ApplyDefaults()
	require.NoError(t, opts.Validate())

	catalog, err := handlers.NewCatalog(opts)
	require.NoError(t, err)
	dispatcher, err := server.NewDispatcher(catalog, server.WithLogger(logger.Discard()))
	require.NoError(t, err)
	processor, err := NewProcessor(dispatcher)
	require.NoError(t, err)

	return &testEnv{opts: opts, processor: processor}
}

// process runs a transaction received on endpoint and returns it.
func (e *testEnv) process(ctx context.Context, t *testing.T, endpoint server.EndpointType, values url.Values) *server.Transaction {
	t.Helper()
	tx, err := server.NewTransaction(e.opts, endpoint, protocol.NewRequest(values))
	require.NoError(t, err)
	tx.Logger = logger.Discard()
	require.NoError(t, e.processor.Process(ctx, tx))
	return tx
}

func alice(t *testing.T) *auth.Principal {
	t.Helper()
	p, err := auth.NewPrincipal(map[string]any{
		protocol.ClaimSubject: "alice",
		protocol.ClaimName:    "Alice",
	})
	require.NoError(t, err)
	return p
}

func clientAuth(values url.Values) url.Values {
	values.Set(protocol.ParamClientID, testClientID)
	values.Set(protocol.ParamClientSecret, testClientSecret)
	return values
}

func TestNewProcessor_NilDispatcher(t *testing.T) {
	t.Parallel()

	_, err := NewProcessor(nil)
	require.Error(t, err)
	assert.True(t, thverrors.IsInvalidArgument(err))
}

func TestProcess_InvalidTransactions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	err := env.processor.Process(context.Background(), nil)
	assert.True(t, thverrors.IsInvalidArgument(err))

	err = env.processor.Process(context.Background(), &server.Transaction{EndpointType: server.EndpointToken})
	assert.True(t, thverrors.IsInvalidArgument(err))

	tx, err := server.NewTransaction(env.opts, server.EndpointUnknown, nil)
	require.NoError(t, err)
	err = env.processor.Process(context.Background(), tx)
	assert.True(t, thverrors.IsNotSupported(err))
}

func TestProcess_AuthorizationCodeFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := auth.WithPrincipal(context.Background(), alice(t))

	authz := env.process(ctx, t, server.EndpointAuthorization, url.Values{
		protocol.ParamClientID:            {testClientID},
		protocol.ParamRedirectURI:         {testRedirectURI},
		protocol.ParamResponseType:        {protocol.ResponseTypeCode},
		protocol.ParamScope:               {"openid offline_access profile"},
		protocol.ParamState:               {"xyz"},
		protocol.ParamCodeChallenge:       {oauth2.S256ChallengeFromVerifier(testVerifier)},
		protocol.ParamCodeChallengeMethod: {protocol.CodeChallengeMethodS256},
	})
	require.False(t, authz.Response.HasError(), authz.Response.ErrorDescription())
	code := authz.Response.GetString(protocol.ParamCode)
	require.NotEmpty(t, code)
	assert.Equal(t, "xyz", authz.Response.GetString(protocol.ParamState))
	redirectURI, ok := authz.Property(PropertyRedirectURI)
	require.True(t, ok)
	assert.Equal(t, testRedirectURI, redirectURI)

	token := env.process(context.Background(), t, server.EndpointToken, clientAuth(url.Values{
		protocol.ParamGrantType:    {protocol.GrantTypeAuthorizationCode},
		protocol.ParamCode:         {code},
		protocol.ParamRedirectURI:  {testRedirectURI},
		protocol.ParamCodeVerifier: {testVerifier},
	}))
	require.False(t, token.Response.HasError(), token.Response.ErrorDescription())
	accessToken := token.Response.GetString(protocol.ParamAccessToken)
	refreshToken := token.Response.GetString(protocol.ParamRefreshToken)
	require.NotEmpty(t, accessToken)
	require.NotEmpty(t, refreshToken)
	assert.Equal(t, protocol.TokenTypeBearer, token.Response.GetString(protocol.ParamTokenType))

	replay := env.process(context.Background(), t, server.EndpointToken, clientAuth(url.Values{
		protocol.ParamGrantType:    {protocol.GrantTypeAuthorizationCode},
		protocol.ParamCode:         {code},
		protocol.ParamRedirectURI:  {testRedirectURI},
		protocol.ParamCodeVerifier: {testVerifier},
	}))
	assert.Equal(t, protocol.ErrorInvalidGrant, replay.Response.ErrorCode())
	assert.Empty(t, replay.Response.GetString(protocol.ParamAccessToken))

	refreshed := env.process(context.Background(), t, server.EndpointToken, clientAuth(url.Values{
		protocol.ParamGrantType:    {protocol.GrantTypeRefreshToken},
		protocol.ParamRefreshToken: {refreshToken},
		protocol.ParamScope:        {"openid profile"},
	}))
	require.False(t, refreshed.Response.HasError(), refreshed.Response.ErrorDescription())
	assert.NotEmpty(t, refreshed.Response.GetString(protocol.ParamAccessToken))
	assert.Equal(t, "openid profile", refreshed.Response.GetString(protocol.ParamScope))
	assert.Empty(t, refreshed.Response.GetString(protocol.ParamRefreshToken), "offline_access was not requested")

	userinfo := env.process(context.Background(), t, server.EndpointUserinfo, url.Values{
		protocol.ParamAccessToken: {accessToken},
	})
	require.False(t, userinfo.Response.HasError(), userinfo.Response.ErrorDescription())
	assert.Equal(t, "alice", userinfo.Response.GetString(protocol.ClaimSubject))
	assert.Equal(t, "Alice", userinfo.Response.GetString(protocol.ClaimName))
	assert.Equal(t, testClientID, userinfo.Response.GetString(protocol.ClaimAudience))

	introspection := env.process(context.Background(), t, server.EndpointIntrospection, clientAuth(url.Values{
		protocol.ParamToken: {accessToken},
	}))
	active, _ := introspection.Response.Get(protocol.ParamActive)
	assert.Equal(t, true, active)
	assert.Equal(t, "alice", introspection.Response.GetString(protocol.ClaimSubject))

	revocation := env.process(context.Background(), t, server.EndpointRevocation, clientAuth(url.Values{
		protocol.ParamToken: {accessToken},
	}))
	assert.False(t, revocation.Response.HasError())

	revoked := env.process(context.Background(), t, server.EndpointUserinfo, url.Values{
		protocol.ParamAccessToken: {accessToken},
	})
	assert.Equal(t, protocol.ErrorInvalidToken, revoked.Response.ErrorCode())
	assert.False(t, revoked.Response.Has(protocol.ClaimSubject))
}

func TestProcess_Authorization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		values        url.Values
		principal     bool
		wantCode      string
		wantDesc      string
		wantCodeParam bool
		wantRedirect  string
	}{
		{
			name: "rejected request",
			values: url.Values{
				protocol.ParamClientID:    {testClientID},
				protocol.ParamRedirectURI: {testRedirectURI},
				protocol.ParamState:       {"xyz"},
			},
			principal: true,
			wantCode:  protocol.ErrorInvalidRequest,
			wantDesc:  "The mandatory 'response_type' parameter is missing.",
		},
		{
			name: "no principal",
			values: url.Values{
				protocol.ParamClientID:     {testClientID},
				protocol.ParamRedirectURI:  {testRedirectURI},
				protocol.ParamResponseType: {protocol.ResponseTypeCode},
				protocol.ParamState:        {"xyz"},
			},
			wantCode:     protocol.ErrorAccessDenied,
			wantDesc:     "The authorization was denied by the resource owner.",
			wantRedirect: testRedirectURI,
		},
		{
			name: "inferred redirect_uri",
			values: url.Values{
				protocol.ParamClientID:     {testClientID},
				protocol.ParamResponseType: {protocol.ResponseTypeCode},
				protocol.ParamState:        {"xyz"},
			},
			principal:     true,
			wantCodeParam: true,
			wantRedirect:  testRedirectURI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			ctx := context.Background()
			if tt.principal {
				ctx = auth.WithPrincipal(ctx, alice(t))
			}

			tx := env.process(ctx, t, server.EndpointAuthorization, tt.values)
			assert.Equal(t, tt.wantCode, tx.Response.ErrorCode())
			assert.Equal(t, tt.wantDesc, tx.Response.ErrorDescription())
			assert.Equal(t, "xyz", tx.Response.GetString(protocol.ParamState))
			assert.Equal(t, tt.wantCodeParam, tx.Response.Has(protocol.ParamCode))

			redirectURI, ok := tx.Property(PropertyRedirectURI)
			if tt.wantRedirect == "" {
				assert.False(t, ok)
				return
			}
			assert.Equal(t, tt.wantRedirect, redirectURI)
		})
	}
}

func TestProcess_ClientCredentials(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tx := env.process(context.Background(), t, server.EndpointToken, clientAuth(url.Values{
		protocol.ParamGrantType: {protocol.GrantTypeClientCredentials},
	}))

	require.False(t, tx.Response.HasError(), tx.Response.ErrorDescription())
	assert.NotEmpty(t, tx.Response.GetString(protocol.ParamAccessToken))
	assert.False(t, tx.Response.Has(protocol.ParamRefreshToken))
	require.NotNil(t, tx.AmbientPrincipal)
	assert.Equal(t, testClientID, tx.AmbientPrincipal.Subject)
}

func TestProcess_Logout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	tx := env.process(context.Background(), t, server.EndpointLogout, url.Values{
		protocol.ParamPostLogoutRedirectURI: {"https://app.example.com/bye"},
		protocol.ParamState:                 {"xyz"},
	})

	assert.False(t, tx.Response.HasError())
	assert.Equal(t, "https://app.example.com/bye", tx.Response.GetString(protocol.ParamPostLogoutRedirectURI))
	assert.Equal(t, "xyz", tx.Response.GetString(protocol.ParamState))
}

func TestProcess_Discovery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	configuration := env.process(context.Background(), t, server.EndpointConfiguration, nil)
	assert.Equal(t, testIssuer, configuration.Response.GetString(protocol.MetadataIssuer))
	assert.Equal(t, testIssuer+"/oauth/token", configuration.Response.GetString(protocol.MetadataTokenEndpoint))

	cryptography := env.process(context.Background(), t, server.EndpointCryptography, nil)
	assert.True(t, cryptography.Response.Has(protocol.MetadataKeys))
}

func TestProcess_Failures(t *testing.T) {
	t.Parallel()

	failure := errors.New("boom")
	failing := server.NewDescriptor[*server.ValidateTokenRequestContext]("Fail").
		UseHandlerFunc(func(context.Context, *server.ValidateTokenRequestContext) error { return failure }).
		SetOrder(0).
		MustBuild()

	t.Run("handler failure", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, failing)
		tx, err := server.NewTransaction(env.opts, server.EndpointToken, protocol.NewRequest(clientAuth(url.Values{
			protocol.ParamGrantType: {protocol.GrantTypeClientCredentials},
		})))
		require.NoError(t, err)

		err = env.processor.Process(context.Background(), tx)
		require.ErrorIs(t, err, failure)
		assert.False(t, tx.Response.Has(protocol.ParamAccessToken))
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tx, err := server.NewTransaction(env.opts, server.EndpointConfiguration, nil)
		require.NoError(t, err)

		err = env.processor.Process(ctx, tx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestProcess_TransportPrincipalDoesNotReplacePresentedHandles(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	authz := env.process(auth.WithPrincipal(context.Background(), alice(t)), t, server.EndpointAuthorization, url.Values{
		protocol.ParamClientID:            {testClientID},
		protocol.ParamRedirectURI:         {testRedirectURI},
		protocol.ParamResponseType:        {protocol.ResponseTypeCode},
		protocol.ParamScope:               {"openid"},
		protocol.ParamCodeChallenge:       {oauth2.S256ChallengeFromVerifier(testVerifier)},
		protocol.ParamCodeChallengeMethod: {protocol.CodeChallengeMethodS256},
	})
	require.False(t, authz.Response.HasError(), authz.Response.ErrorDescription())
	code := authz.Response.GetString(protocol.ParamCode)
	require.NotEmpty(t, code)

	mallory, err := auth.NewPrincipal(map[string]any{protocol.ClaimSubject: "mallory"})
	require.NoError(t, err)
	malloryCtx := auth.WithPrincipal(context.Background(), mallory)

	// The code is still bound to its PKCE challenge.
	stolen := env.process(malloryCtx, t, server.EndpointToken, clientAuth(url.Values{
		protocol.ParamGrantType:   {protocol.GrantTypeAuthorizationCode},
		protocol.ParamCode:        {code},
		protocol.ParamRedirectURI: {testRedirectURI},
	}))
	assert.True(t, stolen.Response.HasError())
	assert.Empty(t, stolen.Response.GetString(protocol.ParamAccessToken))

	// The rejected request did not redeem the code.
	token := env.process(malloryCtx, t, server.EndpointToken, clientAuth(url.Values{
		protocol.ParamGrantType:    {protocol.GrantTypeAuthorizationCode},
		protocol.ParamCode:         {code},
		protocol.ParamRedirectURI:  {testRedirectURI},
		protocol.ParamCodeVerifier: {testVerifier},
	}))
	require.False(t, token.Response.HasError(), token.Response.ErrorDescription())
	accessToken := token.Response.GetString(protocol.ParamAccessToken)
	require.NotEmpty(t, accessToken)
	require.NotNil(t, token.AmbientPrincipal)
	assert.Equal(t, "alice", token.AmbientPrincipal.Subject)

	tests := []struct {
		name     string
		endpoint server.EndpointType
		values   url.Values
		wantSub  string
		wantCode string
	}{
		{
			name:     "userinfo with an access token",
			endpoint: server.EndpointUserinfo,
			values:   url.Values{protocol.ParamAccessToken: {accessToken}},
			wantSub:  "alice",
		},
		{
			name:     "userinfo with an unknown access token",
			endpoint: server.EndpointUserinfo,
			values:   url.Values{protocol.ParamAccessToken: {"bogus"}},
			wantCode: protocol.ErrorInvalidToken,
		},
		{
			name:     "introspection of an access token",
			endpoint: server.EndpointIntrospection,
			values:   clientAuth(url.Values{protocol.ParamToken: {accessToken}}),
			wantSub:  "alice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tx := env.process(malloryCtx, t, tt.endpoint, tt.values)
			assert.Equal(t, tt.wantCode, tx.Response.ErrorCode())
			assert.Equal(t, tt.wantSub, tx.Response.GetString(protocol.ClaimSubject))
		})
	}
}
