// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed errors used by the OIDC server pipeline to
// signal contract violations and unsupported operations.
//
// Protocol rejections (invalid_request, invalid_grant, ...) are not represented
// here: they are recorded on the event context and serialized by the transport.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrNotSupported is returned when an operation is not supported in the
	// current pipeline stage or for the current endpoint
	ErrNotSupported = "not_supported"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Param is the name of the offending parameter, if any
	Param string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewArgumentNilError creates an invalid argument error for a nil parameter.
func NewArgumentNilError(param string) *Error {
	return &Error{
		Type:    ErrInvalidArgument,
		Message: fmt.Sprintf("%s cannot be nil", param),
		Param:   param,
	}
}

// NewNotSupportedError creates a new not supported error
func NewNotSupportedError(message string, cause error) *Error {
	return NewError(ErrNotSupported, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return hasType(err, ErrInvalidArgument)
}

// IsNotSupported checks if the error is a not supported error
func IsNotSupported(err error) bool {
	return hasType(err, ErrNotSupported)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return hasType(err, ErrInternal)
}

func hasType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}
