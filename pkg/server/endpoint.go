// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"strings"
)

// EndpointType identifies the protocol endpoint a transaction was received on.
// It is assigned by the transport before the first stage runs.
type EndpointType int

// Endpoint types.
const (
	EndpointUnknown EndpointType = iota
	EndpointAuthorization
	EndpointToken
	EndpointUserinfo
	EndpointIntrospection
	EndpointRevocation
	EndpointLogout
	EndpointConfiguration
	EndpointCryptography
)

var endpointNames = [...]string{
	EndpointUnknown:       "unknown",
	EndpointAuthorization: "authorization",
	EndpointToken:         "token",
	EndpointUserinfo:      "userinfo",
	EndpointIntrospection: "introspection",
	EndpointRevocation:    "revocation",
	EndpointLogout:        "logout",
	EndpointConfiguration: "configuration",
	EndpointCryptography:  "cryptography",
}

// String returns the lower-case endpoint name.
func (e EndpointType) String() string {
	if e < 0 || int(e) >= len(endpointNames) {
		return fmt.Sprintf("EndpointType(%d)", int(e))
	}
	return endpointNames[e]
}

// EndpointTypes returns every known endpoint type, Unknown included.
func EndpointTypes() []EndpointType {
	types := make([]EndpointType, len(endpointNames))
	for i := range endpointNames {
		types[i] = EndpointType(i)
	}
	return types
}

// ParseEndpointType parses an endpoint name case-insensitively.
func ParseEndpointType(name string) (EndpointType, error) {
	for i, n := range endpointNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return EndpointType(i), nil
		}
	}
	return EndpointUnknown, fmt.Errorf("unknown endpoint type %q", name)
}
