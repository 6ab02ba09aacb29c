// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/toolhive-oidc/pkg/errors"
)

// Dispatcher runs the handlers of a catalog against stage contexts.
// A Dispatcher is safe for concurrent use; each Run works on its own context.
type Dispatcher struct {
	catalog        *Catalog
	logger         *slog.Logger
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	telemetry      *dispatchTelemetry
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used when a transaction carries none.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithMeterProvider sets the meter provider. Defaults to a noop provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(d *Dispatcher) {
		d.meterProvider = mp
	}
}

// WithTracerProvider sets the tracer provider. Defaults to a noop provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.tracerProvider = tp
	}
}

// NewDispatcher creates a dispatcher for catalog.
func NewDispatcher(catalog *Catalog, opts ...Option) (*Dispatcher, error) {
	if catalog == nil {
		return nil, errors.NewArgumentNilError("catalog")
	}

	d := &Dispatcher{
		catalog:        catalog,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(d)
	}

	t, err := newDispatchTelemetry(d.meterProvider, d.tracerProvider)
	if err != nil {
		return nil, err
	}
	d.telemetry = t

	return d, nil
}

// Catalog returns the catalog the dispatcher runs.
func (d *Dispatcher) Catalog() *Catalog { return d.catalog }

// Run invokes, in order, every handler registered for the stage of ectx whose
// filters admit it. It stops after the first handler that rejects the
// context, marks it handled or skipped, or returns an error. Handler errors
// are returned unchanged. If ctx is cancelled no further handler is started
// and the returned error wraps ctx.Err().
func (d *Dispatcher) Run(ctx context.Context, ectx EventContext) (retErr error) {
	if isNilContext(ectx) {
		return errors.NewArgumentNilError("context")
	}
	if ectx.Transaction() == nil {
		return errors.NewArgumentNilError("transaction")
	}

	descriptors := d.catalog.Descriptors(ectx.Type())
	log := ectx.Logger()
	if ectx.Transaction().Logger == nil && d.logger != nil {
		log = d.logger
	}
	log = log.With(slog.String("stage", ectx.Type().String()))

	ctx, run := d.telemetry.start(ctx, ectx, len(descriptors))
	defer func() { run.finish(retErr) }()

	for _, desc := range descriptors {
		if ectx.IsTerminal() {
			return nil
		}

		if err := ctx.Err(); err != nil {
			run.outcome = outcomeCancelled
			log.Warn("stage cancelled", "next_handler", desc.Name(), "error", err)
			return fmt.Errorf("%s cancelled before %s: %w", ectx.Type(), desc.Name(), err)
		}

		active, err := d.isActive(ctx, desc, ectx)
		if err != nil {
			log.Error("handler filter failed", "handler", desc.Name(), "error", err)
			return err
		}
		if !active {
			log.Debug("handler filtered out", "handler", desc.Name())
			continue
		}

		log.Debug("invoking handler", "handler", desc.Name(), "order", desc.Order())
		run.invoked(desc)

		if err := desc.Invoke(ctx, ectx); err != nil {
			log.Error("handler failed", "handler", desc.Name(), "error", err)
			return err
		}

		switch {
		case ectx.IsRejected():
			run.rejected(desc, ectx.Error())
			log.Debug("stage rejected",
				"handler", desc.Name(),
				"error", ectx.Error(),
				"error_description", ectx.ErrorDescription(),
			)
			return nil
		case ectx.IsRequestHandled():
			run.outcome = outcomeHandled
			log.Debug("request handled", "handler", desc.Name())
			return nil
		case ectx.IsRequestSkipped():
			run.outcome = outcomeSkipped
			log.Debug("request skipped", "handler", desc.Name())
			return nil
		}
	}

	return nil
}

// isActive evaluates the filters of desc; all of them must admit the handler.
func (*Dispatcher) isActive(ctx context.Context, desc *Descriptor, ectx EventContext) (bool, error) {
	for _, f := range desc.filters {
		active, err := f.IsActive(ctx, ectx)
		if err != nil {
			return false, fmt.Errorf("filter %s of %s: %w", f.Name(), desc.Name(), err)
		}
		if !active {
			return false, nil
		}
	}
	return true, nil
}
