// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"strings"
)

// ContextType identifies the pipeline stage an event context belongs to.
// Catalog partitions are keyed by context type.
type ContextType int

// Context types, one per event context.
const (
	ContextTypeUnknown ContextType = iota
	ContextTypeValidateAuthorizationRequest
	ContextTypeValidateTokenRequest
	ContextTypeValidateIntrospectionRequest
	ContextTypeValidateRevocationRequest
	ContextTypeValidateUserinfoRequest
	ContextTypeValidateLogoutRequest
	ContextTypeHandleConfigurationRequest
	ContextTypeHandleCryptographyRequest
	ContextTypeHandleUserinfoRequest
	ContextTypeHandleIntrospectionRequest
	ContextTypeHandleRevocationRequest
	ContextTypeProcessAuthentication
	ContextTypeProcessChallenge
	ContextTypeProcessSignIn
	ContextTypeProcessSignOut
	ContextTypeProcessError
)

var contextTypeNames = [...]string{
	ContextTypeUnknown:                      "Unknown",
	ContextTypeValidateAuthorizationRequest: "ValidateAuthorizationRequest",
	ContextTypeValidateTokenRequest:         "ValidateTokenRequest",
	ContextTypeValidateIntrospectionRequest: "ValidateIntrospectionRequest",
	ContextTypeValidateRevocationRequest:    "ValidateRevocationRequest",
	ContextTypeValidateUserinfoRequest:      "ValidateUserinfoRequest",
	ContextTypeValidateLogoutRequest:        "ValidateLogoutRequest",
	ContextTypeHandleConfigurationRequest:   "HandleConfigurationRequest",
	ContextTypeHandleCryptographyRequest:    "HandleCryptographyRequest",
	ContextTypeHandleUserinfoRequest:        "HandleUserinfoRequest",
	ContextTypeHandleIntrospectionRequest:   "HandleIntrospectionRequest",
	ContextTypeHandleRevocationRequest:      "HandleRevocationRequest",
	ContextTypeProcessAuthentication:        "ProcessAuthentication",
	ContextTypeProcessChallenge:             "ProcessChallenge",
	ContextTypeProcessSignIn:                "ProcessSignIn",
	ContextTypeProcessSignOut:               "ProcessSignOut",
	ContextTypeProcessError:                 "ProcessError",
}

// String returns the stage name.
func (c ContextType) String() string {
	if c < 0 || int(c) >= len(contextTypeNames) {
		return fmt.Sprintf("ContextType(%d)", int(c))
	}
	return contextTypeNames[c]
}

// IsKnown reports whether c is one of the defined stages (Unknown excluded).
func (c ContextType) IsKnown() bool {
	return c > ContextTypeUnknown && int(c) < len(contextTypeNames)
}

// ContextTypes returns every defined stage in declaration order.
func ContextTypes() []ContextType {
	types := make([]ContextType, 0, len(contextTypeNames)-1)
	for i := 1; i < len(contextTypeNames); i++ {
		types = append(types, ContextType(i))
	}
	return types
}

// ParseContextType parses a stage name case-insensitively.
func ParseContextType(name string) (ContextType, error) {
	for _, c := range ContextTypes() {
		if strings.EqualFold(c.String(), strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return ContextTypeUnknown, fmt.Errorf("unknown context type %q", name)
}
