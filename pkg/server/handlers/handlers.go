// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/toolhive-oidc/pkg/server"
	"github.com/stacklok/toolhive-oidc/pkg/storage"
)

// DefaultHandlers returns every built-in descriptor in declaration order.
func DefaultHandlers() []*server.Descriptor {
	return slices.Concat(
		AuthorizationHandlers(),
		ExchangeHandlers(),
		IntrospectionHandlers(),
		RevocationHandlers(),
		UserinfoHandlers(),
		LogoutHandlers(),
		DiscoveryHandlers(),
		ProcessHandlers(),
	)
}

// NewCatalog builds the catalog of a server: the default handlers followed by
// the custom handlers of opts.
func NewCatalog(opts *server.Options) (*server.Catalog, error) {
	descriptors := DefaultHandlers()
	if opts != nil {
		descriptors = append(descriptors, opts.Handlers...)
	}
	return server.NewCatalog(descriptors...)
}

// order returns the order of the i-th built-in handler of a stage.
func order(i int) int {
	return server.OrderBase + i*server.OrderStep
}

// isNotFound reports whether err means the looked up entity does not exist.
func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrExpired) ||
		errors.Is(err, fosite.ErrNotFound)
}

// lookupClient loads a client from the client store. found is false when the
// client is not registered.
func lookupClient(ctx context.Context, opts *server.Options, clientID string) (client fosite.Client, found bool, err error) {
	client, err = opts.Clients.GetClient(ctx, clientID)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load client %q: %w", clientID, err)
	}
	return client, true, nil
}

// verifyClientSecret compares secret with the bcrypt hash registered for client.
func verifyClientSecret(client fosite.Client, secret string) bool {
	hashed := client.GetHashedSecret()
	if len(hashed) == 0 || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hashed, []byte(secret)) == nil
}

// invalidAbsoluteURI returns the reason uri is not an absolute URL without
// fragment, or "" when it is.
func invalidAbsoluteURI(parameter, uri string) string {
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Sprintf("The '%s' parameter must be a valid absolute URL.", parameter)
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return fmt.Sprintf("The '%s' parameter must not include a fragment.", parameter)
	}
	return ""
}

// matchesCombination reports whether requested equals one of the space
// separated combinations, regardless of order.
func matchesCombination(combinations []string, requested fosite.Arguments) bool {
	for _, combination := range combinations {
		if fosite.Arguments(strings.Fields(combination)).Matches(requested...) {
			return true
		}
	}
	return false
}
