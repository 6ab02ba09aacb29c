// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
)

// Order anchors. Built-in handlers are spaced by OrderStep from OrderBase so
// custom handlers can be inserted between them.
const (
	OrderBase = math.MinInt32 + 100_000
	OrderStep = 1_000
)

// Handler processes one stage context.
type Handler[T EventContext] interface {
	Handle(ctx context.Context, ectx T) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T EventContext] func(ctx context.Context, ectx T) error

// Handle calls f(ctx, ectx).
func (f HandlerFunc[T]) Handle(ctx context.Context, ectx T) error {
	return f(ctx, ectx)
}

// Descriptor is the immutable registration of a handler: the stage it runs
// in, its order and the filters gating it.
type Descriptor struct {
	name        string
	contextType ContextType
	order       int
	filters     []Filter
	invoke      func(ctx context.Context, ectx EventContext) error
}

// Name returns the unique name of the handler within its stage.
func (d *Descriptor) Name() string { return d.name }

// ContextType returns the stage the handler runs in.
func (d *Descriptor) ContextType() ContextType { return d.contextType }

// Order returns the position of the handler; lower runs first.
func (d *Descriptor) Order() int { return d.order }

// Filters returns a copy of the filters gating the handler.
func (d *Descriptor) Filters() []Filter { return slices.Clone(d.filters) }

// FilterNames returns the names of the filters, in evaluation order.
func (d *Descriptor) FilterNames() []string {
	names := make([]string, len(d.filters))
	for i, f := range d.filters {
		names[i] = f.Name()
	}
	return names
}

// String returns "<stage>/<name>".
func (d *Descriptor) String() string {
	return d.contextType.String() + "/" + d.name
}

// Invoke runs the handler. The context must be of the descriptor's stage.
func (d *Descriptor) Invoke(ctx context.Context, ectx EventContext) error {
	if isNilContext(ectx) {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Type() != d.contextType {
		return errors.NewInvalidArgumentError(
			fmt.Sprintf("handler %s expects a %s context, got %s", d.name, d.contextType, ectx.Type()), nil)
	}
	return d.invoke(ctx, ectx)
}

// DescriptorBuilder builds a Descriptor for contexts of type T.
type DescriptorBuilder[T EventContext] struct {
	name    string
	handler Handler[T]
	order   int
	filters []Filter
}

// NewDescriptor starts building a descriptor named name for T contexts.
func NewDescriptor[T EventContext](name string) *DescriptorBuilder[T] {
	return &DescriptorBuilder[T]{name: name}
}

// UseHandler sets the handler.
func (b *DescriptorBuilder[T]) UseHandler(h Handler[T]) *DescriptorBuilder[T] {
	b.handler = h
	return b
}

// UseHandlerFunc sets a function as the handler.
func (b *DescriptorBuilder[T]) UseHandlerFunc(f func(ctx context.Context, ectx T) error) *DescriptorBuilder[T] {
	if f == nil {
		b.handler = nil
		return b
	}
	b.handler = HandlerFunc[T](f)
	return b
}

// SetOrder sets the order.
func (b *DescriptorBuilder[T]) SetOrder(order int) *DescriptorBuilder[T] {
	b.order = order
	return b
}

// AddFilter appends filters, evaluated in the order they are added.
func (b *DescriptorBuilder[T]) AddFilter(filters ...Filter) *DescriptorBuilder[T] {
	b.filters = append(b.filters, filters...)
	return b
}

// Build validates and returns the descriptor.
func (b *DescriptorBuilder[T]) Build() (*Descriptor, error) {
	if b.name == "" {
		return nil, errors.NewInvalidArgumentError("descriptor name cannot be empty", nil)
	}
	if b.handler == nil || isNilValue(b.handler) {
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("descriptor %s has no handler", b.name), nil)
	}

	var zero T
	if any(zero) == nil {
		return nil, errors.NewInvalidArgumentError(
			fmt.Sprintf("descriptor %s must target a concrete context type", b.name), nil)
	}
	contextType := zero.Type()
	if !contextType.IsKnown() {
		return nil, errors.NewInvalidArgumentError(
			fmt.Sprintf("descriptor %s targets unknown context type %s", b.name, contextType), nil)
	}

	for i, f := range b.filters {
		if f == nil || isNilValue(f) {
			return nil, errors.NewInvalidArgumentError(fmt.Sprintf("descriptor %s has a nil filter at %d", b.name, i), nil)
		}
	}

	name, handler := b.name, b.handler
	return &Descriptor{
		name:        name,
		contextType: contextType,
		order:       b.order,
		filters:     slices.Clone(b.filters),
		invoke: func(ctx context.Context, ectx EventContext) error {
			typed, ok := ectx.(T)
			if !ok {
				return errors.NewInvalidArgumentError(
					fmt.Sprintf("handler %s cannot process %T", name, ectx), nil)
			}
			return handler.Handle(ctx, typed)
		},
	}, nil
}

// MustBuild is like Build but panics on error. It is meant for package-level
// descriptor declarations.
func (b *DescriptorBuilder[T]) MustBuild() *Descriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}

// isNilContext reports whether ectx is nil or a typed nil pointer.
func isNilContext(ectx EventContext) bool {
	return ectx == nil || isNilValue(ectx)
}

func isNilValue(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
