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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRecordingRuntime returns a runtime whose apply spans go to a recorder.
func newRecordingRuntime(t *testing.T) (*Runtime, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	cfg := DefaultConfig()
	cfg.Logger = discardLogger()
	rt := NewRuntime(&cfg)
	rt.tracer = &Tracer{tracer: tp.Tracer("test"), logger: cfg.Logger, enabled: true}
	return rt, sr
}

func TestNewTracer(t *testing.T) {
	t.Run("nil logger uses default", func(t *testing.T) {
		tracer := NewTracer(nil, true)
		if tracer == nil {
			t.Fatal("NewTracer returned nil")
		}
		if tracer.logger == nil {
			t.Error("logger should default to slog.Default()")
		}
	})

	t.Run("disabled returns noop spans", func(t *testing.T) {
		tracer := NewTracer(discardLogger(), false)
		ctx, span := tracer.StartApply(context.Background(), applyAttrs{id: 7, kind: "top", modified: 1})
		if span.SpanContext().IsValid() {
			t.Error("disabled tracer should return an invalid span context")
		}
		if ctx != context.Background() {
			t.Error("disabled tracer should not change the context")
		}
		tracer.EndApply(span, Success, nil)
	})
}

func TestTracer_ApplySpan(t *testing.T) {
	rt, sr := newRecordingRuntime(t)
	ctx := WithRuntime(context.Background(), rt)

	s, err := TakeMutableSnapshot(ctx, nil, nil)
	if err != nil {
		t.Fatalf("TakeMutableSnapshot failed: %v", err)
	}
	defer s.Dispose()

	result, err := s.Apply(ctx)
	if err != nil || !result.Succeeded() {
		t.Fatalf("Apply() = %v, %v; want success", result, err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "snapshot.apply" {
		t.Errorf("span name = %s, want snapshot.apply", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("span status = %v, want Ok", span.Status().Code)
	}

	found := false
	for _, attr := range span.Attributes() {
		if attr.Key == "snapshot.kind" && attr.Value.AsString() == "top" {
			found = true
		}
	}
	if !found {
		t.Error("span should carry snapshot.kind=top")
	}
}

func TestTracer_ConflictSpan(t *testing.T) {
	rt, sr := newRecordingRuntime(t)
	ctx := WithRuntime(context.Background(), rt)

	obj := newTestObject(ctx, 0)
	s1, _ := TakeMutableSnapshot(ctx, nil, nil)
	defer s1.Dispose()
	s2, _ := TakeMutableSnapshot(ctx, nil, nil)
	defer s2.Dispose()

	for i, s := range []MutableSnapshot{s1, s2} {
		if err := obj.setIn(s, i+1); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if result, _ := s1.Apply(ctx); !result.Succeeded() {
		t.Fatal("first apply should succeed")
	}
	if result, _ := s2.Apply(ctx); result.Succeeded() {
		t.Fatal("second apply should conflict")
	}

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	conflict := spans[1]
	if conflict.Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", conflict.Status().Code)
	}
	events := conflict.Events()
	if len(events) != 1 || events[0].Name != "apply_conflict" {
		t.Fatalf("expected one apply_conflict event, got %v", events)
	}
	if got := attrValue(events[0].Attributes, "snapshot.object_type"); got != "*snapshot.testObject" {
		t.Errorf("object_type = %q, want *snapshot.testObject", got)
	}
}

func TestTracer_NestedApplySpan(t *testing.T) {
	rt, sr := newRecordingRuntime(t)
	ctx := WithRuntime(context.Background(), rt)

	parent, err := TakeMutableSnapshot(ctx, nil, nil)
	if err != nil {
		t.Fatalf("TakeMutableSnapshot failed: %v", err)
	}
	defer parent.Dispose()
	child, err := parent.TakeNestedMutableSnapshot(nil, nil)
	if err != nil {
		t.Fatalf("TakeNestedMutableSnapshot failed: %v", err)
	}
	defer child.Dispose()

	// Apply moves the parent to a new id.
	parentID := parent.ID()
	if result, err := child.Apply(ctx); err != nil || !result.Succeeded() {
		t.Fatalf("Apply() = %v, %v; want success", result, err)
	}
	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := attrValue(spans[0].Attributes(), "snapshot.kind"); got != "nested" {
		t.Errorf("kind = %q, want nested", got)
	}
	if got := attrValue(spans[0].Attributes(), "snapshot.parent_id"); got != fmt.Sprint(parentID) {
		t.Errorf("parent_id = %q, want %d", got, parentID)
	}
}

func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.Emit()
		}
	}
	return ""
}

func TestTracer_EndApplyWithError(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())

	tracer := &Tracer{tracer: tp.Tracer("test"), logger: discardLogger(), enabled: true}
	_, span := tracer.StartApply(context.Background(), applyAttrs{id: 3, parentID: 2, kind: "nested"})
	tracer.EndApply(span, ApplyResult{}, errors.New("boom"))

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status().Code)
	}
	if spans[0].Status().Description != "boom" {
		t.Errorf("span description = %q, want boom", spans[0].Status().Description)
	}
}

func TestTracer_EndApplyNilSpan(t *testing.T) {
	tracer := NewTracer(discardLogger(), true)
	// Should not panic
	tracer.EndApply(nil, Success, nil)
}

func TestLoggerWithTrace(t *testing.T) {
	logger := discardLogger()

	t.Run("no span returns same logger", func(t *testing.T) {
		if got := LoggerWithTrace(context.Background(), logger); got != logger {
			t.Error("expected the logger unchanged")
		}
	})

	t.Run("span adds trace fields", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer tp.Shutdown(context.Background())
		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		if got := LoggerWithTrace(ctx, logger); got == logger {
			t.Error("expected a derived logger")
		}
	})
}
