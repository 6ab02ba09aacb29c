// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
)

// Catalog is the immutable set of descriptors, partitioned by stage and
// sorted by order. Descriptors with equal orders keep their declaration order.
// A catalog is safe for concurrent reads.
type Catalog struct {
	all        []*Descriptor
	partitions map[ContextType][]*Descriptor
}

// NewCatalog validates and indexes descriptors. It fails on nil descriptors,
// descriptors for unknown stages and duplicate names within a stage.
func NewCatalog(descriptors ...*Descriptor) (*Catalog, error) {
	c := &Catalog{
		all:        make([]*Descriptor, 0, len(descriptors)),
		partitions: make(map[ContextType][]*Descriptor),
	}

	names := make(map[ContextType]map[string]struct{})
	for i, d := range descriptors {
		if d == nil {
			return nil, errors.NewInvalidArgumentError(fmt.Sprintf("descriptor %d is nil", i), nil)
		}
		if !d.ContextType().IsKnown() {
			return nil, errors.NewInvalidArgumentError(
				fmt.Sprintf("descriptor %s targets unknown context type %s", d.Name(), d.ContextType()), nil)
		}
		if names[d.ContextType()] == nil {
			names[d.ContextType()] = make(map[string]struct{})
		}
		if _, dup := names[d.ContextType()][d.Name()]; dup {
			return nil, errors.NewInvalidArgumentError(
				fmt.Sprintf("duplicate descriptor %s for %s", d.Name(), d.ContextType()), nil)
		}
		names[d.ContextType()][d.Name()] = struct{}{}

		c.all = append(c.all, d)
		c.partitions[d.ContextType()] = append(c.partitions[d.ContextType()], d)
	}

	for _, partition := range c.partitions {
		slices.SortStableFunc(partition, func(a, b *Descriptor) int {
			return cmp.Compare(a.Order(), b.Order())
		})
	}

	return c, nil
}

// MustNewCatalog is like NewCatalog but panics on error.
func MustNewCatalog(descriptors ...*Descriptor) *Catalog {
	c, err := NewCatalog(descriptors...)
	if err != nil {
		panic(err)
	}
	return c
}

// Descriptors returns the descriptors of a stage in execution order.
func (c *Catalog) Descriptors(t ContextType) []*Descriptor {
	return slices.Clone(c.partitions[t])
}

// Count returns the number of descriptors registered for a stage.
func (c *Catalog) Count(t ContextType) int {
	return len(c.partitions[t])
}

// Len returns the total number of descriptors.
func (c *Catalog) Len() int {
	return len(c.all)
}

// ContextTypes returns the stages that have at least one descriptor.
func (c *Catalog) ContextTypes() []ContextType {
	return slices.Sorted(maps.Keys(c.partitions))
}

// All returns every descriptor in declaration order.
func (c *Catalog) All() []*Descriptor {
	return slices.Clone(c.all)
}

// With returns a new catalog holding the descriptors of c followed by extra.
func (c *Catalog) With(extra ...*Descriptor) (*Catalog, error) {
	return NewCatalog(slices.Concat(c.all, extra)...)
}
