// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/stacklok/toolhive-core/logging"
	"github.com/stacklok/toolhive-oidc/pkg/config"
	"github.com/stacklok/toolhive-oidc/pkg/logger"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
	"github.com/stacklok/toolhive-oidc/pkg/server/handlers"
	"github.com/stacklok/toolhive-oidc/pkg/versions"
)

func TestParseParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  []string
		want    url.Values
		wantErr bool
	}{
		{
			name:   "empty",
			params: nil,
			want:   url.Values{},
		},
		{
			name:   "repeated names accumulate",
			params: []string{"scope=openid", "scope=profile", "state=a=b"},
			want:   url.Values{"scope": {"openid", "profile"}, "state": {"a=b"}},
		},
		{
			name:   "empty value",
			params: []string{"nonce="},
			want:   url.Values{"nonce": {""}},
		},
		{
			name:    "missing separator",
			params:  []string{"grant_type"},
			wantErr: true,
		},
		{
			name:    "missing name",
			params:  []string{"=value"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseParams(tt.params)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderCatalog(t *testing.T) {
	t.Parallel()

	catalog, err := handlers.NewCatalog(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, renderCatalog(&buf, catalog, []server.ContextType{server.ContextTypeValidateTokenRequest}))

	out := buf.String()
	assert.Contains(t, out, server.ContextTypeValidateTokenRequest.String())
	for _, d := range catalog.Descriptors(server.ContextTypeValidateTokenRequest) {
		assert.Contains(t, out, d.Name())
	}
	assert.NotContains(t, out, server.ContextTypeProcessSignIn.String())
}

func TestCatalogCmd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{
			name: "all stages",
			args: nil,
			want: server.ContextTypeProcessSignIn.String(),
		},
		{
			name: "single stage",
			args: []string{"--stage", "processchallenge"},
			want: server.ContextTypeProcessChallenge.String(),
		},
		{
			name:    "unknown stage",
			args:    []string{"--stage", "nope"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			cmd := newCatalogCmd()
			cmd.SetOut(&buf)
			cmd.SetErr(&buf)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Issuer: "https://issuer.example.com",
		GrantTypes: []string{
			protocol.GrantTypeAuthorizationCode,
			protocol.GrantTypeRefreshToken,
			protocol.GrantTypeClientCredentials,
		},
		Clients: []config.ClientConfig{{
			ID:         "svc",
			Secret:     "s3cr3t",
			GrantTypes: []string{protocol.GrantTypeClientCredentials},
		}},
		Storage: config.StorageConfig{Type: "memory"},
	}
}

func TestProcessRequest(t *testing.T) {
	t.Parallel()

	t.Run("client credentials", func(t *testing.T) {
		t.Parallel()

		tx, err := processRequest(context.Background(), testConfig(), processFlags{
			endpoint: "token",
			params: []string{
				"grant_type=client_credentials",
				"client_id=svc",
				"client_secret=s3cr3t",
			},
		})
		require.NoError(t, err)
		require.False(t, tx.Response.HasError(), tx.Response.ErrorDescription())
		assert.NotEmpty(t, tx.Response.GetString(protocol.ParamAccessToken))
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()

		tx, err := processRequest(context.Background(), testConfig(), processFlags{
			endpoint: "token",
			params: []string{
				"grant_type=client_credentials",
				"client_id=svc",
				"client_secret=wrong",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, protocol.ErrorInvalidClient, tx.Response.ErrorCode())
	})

	t.Run("discovery", func(t *testing.T) {
		t.Parallel()

		tx, err := processRequest(context.Background(), testConfig(), processFlags{endpoint: "configuration"})
		require.NoError(t, err)
		assert.Equal(t, "https://issuer.example.com", tx.Response.GetString(protocol.MetadataIssuer))
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()

		_, err := processRequest(context.Background(), testConfig(), processFlags{endpoint: "nope"})
		require.Error(t, err)

		_, err = processRequest(context.Background(), testConfig(), processFlags{
			endpoint: "token",
			params:   []string{"bad"},
		})
		require.Error(t, err)

		_, err = processRequest(context.Background(), &config.Config{}, processFlags{endpoint: "token"})
		require.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}

func TestRouteTelemetryLogs(t *testing.T) { //nolint:paralleltest // mutates the global logger and otel handlers
	var buf bytes.Buffer
	prev := logger.Get()
	logger.Set(logging.New(logging.WithOutput(&buf), logging.WithLevel(slog.LevelDebug)))
	t.Cleanup(func() { logger.Set(prev) })

	routeTelemetryLogs()
	otel.Handle(errors.New("exporter unreachable"))

	assert.Contains(t, buf.String(), "opentelemetry error")
	assert.Contains(t, buf.String(), "exporter unreachable")
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "text", want: "thv-oidc " + versions.GetVersionInfo().Version},
		{name: "json", args: []string{"--json"}, want: `"go_version"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			cmd := newVersionCmd()
			cmd.SetOut(&buf)
			cmd.SetArgs(tt.args)

			require.NoError(t, cmd.Execute())
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}
