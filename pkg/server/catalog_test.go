// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
)

func signInDescriptor(name string, order int) *Descriptor {
	return NewDescriptor[*ProcessSignInContext](name).
		UseHandlerFunc(noopSignIn).
		SetOrder(order).
		MustBuild()
}

func challengeDescriptor(name string, order int) *Descriptor {
	return NewDescriptor[*ProcessChallengeContext](name).
		UseHandlerFunc(func(context.Context, *ProcessChallengeContext) error { return nil }).
		SetOrder(order).
		MustBuild()
}

func descriptorNames(ds []*Descriptor) []string {
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name()
	}
	return names
}

func TestNewCatalog_SortsStablyByOrder(t *testing.T) {
	t.Parallel()

	c, err := NewCatalog(
		signInDescriptor("c", 30),
		signInDescriptor("a1", 10),
		challengeDescriptor("x", 5),
		signInDescriptor("b1", 20),
		signInDescriptor("a2", 10),
		signInDescriptor("b2", 20),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2", "b1", "b2", "c"}, descriptorNames(c.Descriptors(ContextTypeProcessSignIn)))
	assert.Equal(t, []string{"x"}, descriptorNames(c.Descriptors(ContextTypeProcessChallenge)))
	assert.Empty(t, c.Descriptors(ContextTypeProcessError))

	assert.Equal(t, 5, c.Count(ContextTypeProcessSignIn))
	assert.Equal(t, 0, c.Count(ContextTypeProcessSignOut))
	assert.Equal(t, 6, c.Len())
	assert.Equal(t, []ContextType{ContextTypeProcessChallenge, ContextTypeProcessSignIn}, c.ContextTypes())
	assert.Equal(t, []string{"c", "a1", "x", "b1", "a2", "b2"}, descriptorNames(c.All()))
}

func TestNewCatalog_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		descriptors []*Descriptor
	}{
		{"nil descriptor", []*Descriptor{signInDescriptor("a", 0), nil}},
		{"unknown context type", []*Descriptor{{name: "bogus", contextType: ContextTypeUnknown}}},
		{"duplicate name in stage", []*Descriptor{signInDescriptor("a", 0), signInDescriptor("a", 1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := NewCatalog(tt.descriptors...)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.True(t, errors.IsInvalidArgument(err))
		})
	}
}

func TestNewCatalog_SameNameDifferentStages(t *testing.T) {
	t.Parallel()

	c, err := NewCatalog(signInDescriptor("shared", 0), challengeDescriptor("shared", 0))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
}

func TestCatalog_DescriptorsIsACopy(t *testing.T) {
	t.Parallel()

	c := MustNewCatalog(signInDescriptor("a", 0), signInDescriptor("b", 1))

	ds := c.Descriptors(ContextTypeProcessSignIn)
	ds[0], ds[1] = ds[1], ds[0]

	assert.Equal(t, []string{"a", "b"}, descriptorNames(c.Descriptors(ContextTypeProcessSignIn)))
}

func TestCatalog_With(t *testing.T) {
	t.Parallel()

	base := MustNewCatalog(signInDescriptor("a", 10), signInDescriptor("c", 30))

	extended, err := base.With(signInDescriptor("b", 20))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, descriptorNames(extended.Descriptors(ContextTypeProcessSignIn)))
	assert.Equal(t, 2, base.Len(), "the original catalog is unchanged")

	_, err = base.With(signInDescriptor("a", 0))
	assert.True(t, errors.IsInvalidArgument(err))
}

func TestMustNewCatalog_Panics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { MustNewCatalog(nil) })
}
