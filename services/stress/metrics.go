// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "snapstate"
	stressSubsystem  = "stress"
)

// Outcome labels for TransactionsTotal.
const (
	OutcomeApplied  = "applied"
	OutcomeConflict = "conflict"
	OutcomeGaveUp   = "gave_up"
	OutcomeError    = "error"
)

// Metrics holds the Prometheus metrics for stress runs.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// TransactionsTotal counts transaction attempts by outcome.
	// Labels: outcome (applied, conflict, gave_up, error)
	TransactionsTotal *prometheus.CounterVec

	// ApplyDurationSeconds measures the time to apply one snapshot.
	// Labels: outcome
	ApplyDurationSeconds *prometheus.HistogramVec

	// RetriesPerTransaction measures how many retries a transaction took.
	RetriesPerTransaction prometheus.Histogram

	// ActiveWorkers tracks workers still running.
	ActiveWorkers prometheus.Gauge

	// ObservedCounter is the latest counter value seen by the progress
	// stream.
	ObservedCounter prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg.
//
// # Limitations
//
//   - Panics if reg already holds metrics with the same names.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: stressSubsystem,
				Name:      "transactions_total",
				Help:      "Transaction attempts by outcome",
			},
			[]string{"outcome"},
		),

		ApplyDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: stressSubsystem,
				Name:      "apply_duration_seconds",
				Help:      "Time to apply a mutable snapshot in seconds",
				Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"outcome"},
		),

		RetriesPerTransaction: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: stressSubsystem,
				Name:      "retries_per_transaction",
				Help:      "Retries needed before a transaction applied or gave up",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
			},
		),

		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: stressSubsystem,
				Name:      "active_workers",
				Help:      "Number of workers still running",
			},
		),

		ObservedCounter: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: stressSubsystem,
				Name:      "observed_counter",
				Help:      "Latest shared counter value seen by the progress stream",
			},
		),
	}
}
