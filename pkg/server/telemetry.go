// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/stacklok/toolhive-oidc/pkg/server"
)

// Attribute keys recorded on dispatch spans and metrics.
var (
	attrStage        = attribute.Key("oidc.stage")
	attrEndpoint     = attribute.Key("oidc.endpoint")
	attrHandler      = attribute.Key("oidc.handler")
	attrHandlerCount = attribute.Key("oidc.handler_count")
	attrOutcome      = attribute.Key("oidc.outcome")
	attrErrorCode    = attribute.Key("oidc.error")
	attrErrorType    = attribute.Key("error.type")
)

// Stage outcomes.
const (
	outcomeCompleted = "completed"
	outcomeRejected  = "rejected"
	outcomeHandled   = "handled"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
)

// dispatchTelemetry records a span per stage run, a counter per handler
// invocation and per rejection, and the stage duration.
type dispatchTelemetry struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	rejections  metric.Int64Counter
	duration    metric.Float64Histogram
}

func newDispatchTelemetry(meterProvider metric.MeterProvider, tracerProvider trace.TracerProvider) (*dispatchTelemetry, error) {
	meter := meterProvider.Meter(instrumentationName)

	invocations, err := meter.Int64Counter(
		"thv_oidc_handler_invocations",
		metric.WithDescription("Total number of handler invocations per stage"))
	if err != nil {
		return nil, fmt.Errorf("failed to create handler invocations counter: %w", err)
	}
	rejections, err := meter.Int64Counter(
		"thv_oidc_stage_rejections",
		metric.WithDescription("Total number of stage rejections per error code"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stage rejections counter: %w", err)
	}
	duration, err := meter.Float64Histogram(
		"thv_oidc_stage_duration",
		metric.WithDescription("Duration of stage dispatch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}

	return &dispatchTelemetry{
		tracer:      tracerProvider.Tracer(instrumentationName),
		invocations: invocations,
		rejections:  rejections,
		duration:    duration,
	}, nil
}

// stageRun tracks a single stage dispatch.
type stageRun struct {
	t       *dispatchTelemetry
	ctx     context.Context
	span    trace.Span
	attrs   []attribute.KeyValue
	start   time.Time
	outcome string
}

// start opens the span of a stage run. The returned context carries the span.
func (t *dispatchTelemetry) start(ctx context.Context, ectx EventContext, handlerCount int) (context.Context, *stageRun) {
	attrs := []attribute.KeyValue{
		attrStage.String(ectx.Type().String()),
		attrEndpoint.String(ectx.EndpointType().String()),
	}

	ctx, span := t.tracer.Start(ctx, "dispatch "+ectx.Type().String(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
		trace.WithAttributes(attrHandlerCount.Int(handlerCount)),
	)

	return ctx, &stageRun{
		t:       t,
		ctx:     ctx,
		span:    span,
		attrs:   attrs,
		start:   time.Now(),
		outcome: outcomeCompleted,
	}
}

// invoked records a handler invocation.
func (r *stageRun) invoked(d *Descriptor) {
	attrs := append([]attribute.KeyValue{attrHandler.String(d.Name())}, r.attrs...)
	r.t.invocations.Add(r.ctx, 1, metric.WithAttributes(attrs...))
	r.span.AddEvent("handler", trace.WithAttributes(attrHandler.String(d.Name())))
}

// rejected records the rejection of the stage by a handler.
func (r *stageRun) rejected(d *Descriptor, errorCode string) {
	r.outcome = outcomeRejected
	attrs := append([]attribute.KeyValue{attrHandler.String(d.Name()), attrErrorCode.String(errorCode)}, r.attrs...)
	r.t.rejections.Add(r.ctx, 1, metric.WithAttributes(attrs...))
	r.span.SetAttributes(attrHandler.String(d.Name()), attrErrorCode.String(errorCode))
}

// finish records the duration and ends the span. err is the error returned by the dispatch.
func (r *stageRun) finish(err error) {
	if err != nil {
		if r.outcome != outcomeCancelled {
			r.outcome = outcomeError
		}
		r.span.RecordError(err)
		r.span.SetAttributes(attrErrorType.String(fmt.Sprintf("%T", err)))
		r.span.SetStatus(codes.Error, err.Error())
	}
	r.span.SetAttributes(attrOutcome.String(r.outcome))

	attrs := append([]attribute.KeyValue{attrOutcome.String(r.outcome)}, r.attrs...)
	r.t.duration.Record(r.ctx, time.Since(r.start).Seconds(), metric.WithAttributes(attrs...))
	r.span.End()
}
