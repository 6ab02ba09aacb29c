// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-oidc/pkg/logger"
	"github.com/stacklok/toolhive-oidc/pkg/protocol"
)

func testOptions() *Options {
	opts := &Options{
		Issuer:             "https://issuer.example.com",
		EnableDegradedMode: true,
	}
	opts.ApplyDefaults()
	return opts
}

func newTestTransaction(t *testing.T, endpoint EndpointType, values url.Values) *Transaction {
	t.Helper()
	tx, err := NewTransaction(testOptions(), endpoint, protocol.NewRequest(values))
	require.NoError(t, err)
	tx.Logger = logger.Discard()
	return tx
}
