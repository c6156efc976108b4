// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const snapshotTracerName = "snapstate.snapshot"

// Span attribute keys.
const (
	attrSnapshotID   = attribute.Key("snapshot.id")
	attrParentID     = attribute.Key("snapshot.parent_id")
	attrKind         = attribute.Key("snapshot.kind")
	attrModified     = attribute.Key("snapshot.modified")
	attrConflict     = attribute.Key("snapshot.conflict")
	attrObjectType   = attribute.Key("snapshot.object_type")
	eventApplyFailed = "apply_conflict"
)

// applyAttrs describes one apply on its span.
type applyAttrs struct {
	id       int64
	parentID int64 // 0 for a top-level snapshot
	kind     string
	modified int
}

// Tracer records one span per apply, with an event for the object that
// made it conflict. A disabled Tracer hands out noop spans.
//
// Safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer returns a Tracer on the global TracerProvider. A nil logger
// uses slog.Default().
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(snapshotTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartApply starts the span for an apply. The caller must pass the span
// to EndApply.
func (t *Tracer) StartApply(ctx context.Context, a applyAttrs) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	attrs := []attribute.KeyValue{
		attrSnapshotID.Int64(a.id),
		attrKind.String(a.kind),
		attrModified.Int(a.modified),
	}
	if a.parentID != 0 {
		attrs = append(attrs, attrParentID.Int64(a.parentID))
	}
	return t.tracer.Start(ctx, "snapshot.apply",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndApply sets the span status from the apply outcome and ends it. A
// conflict is an error status without a recorded error.
func (t *Tracer) EndApply(span trace.Span, result ApplyResult, err error) {
	if span == nil {
		return
	}
	defer span.End()

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !result.Succeeded():
		span.SetAttributes(attrConflict.Bool(true))
		span.SetStatus(codes.Error, "apply conflict")
	default:
		span.SetStatus(codes.Ok, "")
	}
}

// RecordConflict notes on the current span that obj could not be merged.
func (t *Tracer) RecordConflict(ctx context.Context, id int64, obj Object) {
	objectType := fmt.Sprintf("%T", obj)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent(eventApplyFailed, trace.WithAttributes(
			attrSnapshotID.Int64(id),
			attrObjectType.String(objectType),
		))
	}

	LoggerWithTrace(ctx, t.logger).DebugContext(ctx, "apply conflict",
		slog.Int64("snapshot_id", id),
		slog.String("object_type", objectType),
	)
}

// LoggerWithTrace returns logger with the trace_id and span_id of ctx, or
// logger itself when ctx carries no span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
