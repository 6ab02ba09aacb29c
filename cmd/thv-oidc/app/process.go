// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-oidc/pkg/auth"
	"github.com/stacklok/toolhive-oidc/pkg/config"
	"github.com/stacklok/toolhive-oidc/pkg/logger"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
	"github.com/stacklok/toolhive-oidc/pkg/server"
	"github.com/stacklok/toolhive-oidc/pkg/server/flow"
	"github.com/stacklok/toolhive-oidc/pkg/server/handlers"
)

type processFlags struct {
	endpoint         string
	params           []string
	principalSubject string
	sessionHandle    string
}

func newProcessCmd() *cobra.Command {
	var flags processFlags
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run a single protocol request through the handler pipeline",
		Long: `Build a transaction from the flags and the configuration file, run it through
the handler pipeline and print the resulting response as JSON.

Example:
  thv-oidc process -c server.yaml --endpoint token \
    --param grant_type=client_credentials --param client_id=svc --param client_secret=s3cr3t`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}

			tx, err := processRequest(cmd.Context(), cfg, flags)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tx.Response)
		},
	}

	cmd.Flags().StringVar(&flags.endpoint, "endpoint", "", "Endpoint receiving the request (authorization, token, userinfo, ...)")
	cmd.Flags().StringArrayVar(&flags.params, "param", nil, "Request parameter as name=value (repeatable)")
	cmd.Flags().StringVar(&flags.principalSubject, "principal-subject", "",
		"Subject of the principal attached by the transport (authorization and logout endpoints)")
	cmd.Flags().StringVar(&flags.sessionHandle, "session", "", "Session handle attached by the transport")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

// processRequest runs one transaction against the server described by cfg.
func processRequest(ctx context.Context, cfg *config.Config, flags processFlags) (*server.Transaction, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, err := server.ParseEndpointType(flags.endpoint)
	if err != nil {
		return nil, err
	}
	values, err := parseParams(flags.params)
	if err != nil {
		return nil, err
	}

	opts, store, err := cfg.ToOptions(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("failed to close storage", "error", err)
		}
	}()

	catalog, err := handlers.NewCatalog(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build the handler catalog: %w", err)
	}
	dispatcher, err := server.NewDispatcher(catalog, server.WithLogger(logger.Get()))
	if err != nil {
		return nil, err
	}
	processor, err := flow.NewProcessor(dispatcher)
	if err != nil {
		return nil, err
	}

	tx, err := server.NewTransaction(opts, endpoint, protocol.NewRequest(values))
	if err != nil {
		return nil, err
	}
	tx.SessionHandle = flags.sessionHandle

	if flags.principalSubject != "" {
		principal, err := auth.NewPrincipal(map[string]any{protocol.ClaimSubject: flags.principalSubject})
		if err != nil {
			return nil, err
		}
		ctx = auth.WithPrincipal(ctx, principal)
	}

	if err := processor.Process(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// parseParams converts name=value pairs into request values. Repeated names
// accumulate.
func parseParams(params []string) (url.Values, error) {
	values := url.Values{}
	for _, param := range params {
		name, value, ok := strings.Cut(param, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", param)
		}
		values.Add(name, value)
	}
	return values, nil
}
