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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for snapshot metrics.
var meter = otel.Meter("snapstate.snapshot")

// Metric instruments for snapshot operations.
var (
	takenTotal         metric.Int64Counter
	applyTotal         metric.Int64Counter
	applyDuration      metric.Float64Histogram
	abandonTotal       metric.Int64Counter
	recordTotal        metric.Int64Counter
	mergeTotal         metric.Int64Counter
	globalAdvanceTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded at all. A Runtime
// with Config.Metrics false skips recording regardless.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// Record sources for snapshot_record_total.
const (
	recordRecycled  = "recycled"
	recordAllocated = "allocated"
)

// Merge outcomes for snapshot_merge_total.
const (
	mergeKeptApplied = "applied"
	mergeKeptCurrent = "current"
	mergeNewRecord   = "merged"
	mergeConflict    = "conflict"
)

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		takenTotal, err = meter.Int64Counter(
			"snapshot_taken_total",
			metric.WithDescription("Total number of snapshots taken"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		applyTotal, err = meter.Int64Counter(
			"snapshot_apply_total",
			metric.WithDescription("Total number of snapshot apply operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		applyDuration, err = meter.Float64Histogram(
			"snapshot_apply_duration_seconds",
			metric.WithDescription("Duration of snapshot apply operations in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		abandonTotal, err = meter.Int64Counter(
			"snapshot_abandon_total",
			metric.WithDescription("Total number of mutable snapshots disposed without applying"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordTotal, err = meter.Int64Counter(
			"snapshot_record_total",
			metric.WithDescription("Total number of records produced for writes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		mergeTotal, err = meter.Int64Counter(
			"snapshot_merge_total",
			metric.WithDescription("Total number of concurrent changes resolved during apply"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		globalAdvanceTotal, err = meter.Int64Counter(
			"snapshot_global_advance_total",
			metric.WithDescription("Total number of global snapshot advances"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func (rt *Runtime) metricsOn() bool {
	if !rt.config.Metrics || !metricsEnabled.Load() {
		return false
	}
	return initMetrics() == nil
}

// countTaken records a new snapshot of the given kind.
func (rt *Runtime) countTaken(kind string) {
	if !rt.metricsOn() {
		return
	}
	takenTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// recordApply records an apply outcome and its duration.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - kind: "top" or "nested".
//   - result: "success", "conflict" or "error".
//   - duration: Time spent in Apply.
func (rt *Runtime) recordApply(ctx context.Context, kind, result string, duration time.Duration) {
	if !rt.metricsOn() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	)
	applyTotal.Add(ctx, 1, attrs)
	applyDuration.Record(ctx, duration.Seconds(), attrs)
}

func (rt *Runtime) countAbandon() {
	if !rt.metricsOn() {
		return
	}
	abandonTotal.Add(context.Background(), 1)
}

// countRecord is called under the runtime lock; the instruments do not
// call back into the runtime.
func (rt *Runtime) countRecord(source string) {
	if !rt.metricsOn() {
		return
	}
	recordTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", source),
	))
}

func (rt *Runtime) countMerge(outcome string) {
	if !rt.metricsOn() {
		return
	}
	mergeTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func (rt *Runtime) countGlobalAdvance() {
	if !rt.metricsOn() {
		return
	}
	globalAdvanceTotal.Add(context.Background(), 1)
}
