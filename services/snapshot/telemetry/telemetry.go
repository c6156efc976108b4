// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Exporter names a trace or metric exporter.
type Exporter string

const (
	ExporterNone       Exporter = "none"
	ExporterStdout     Exporter = "stdout"
	ExporterOTLP       Exporter = "otlp"
	ExporterPrometheus Exporter = "prometheus"
)

// Config selects where snapshot spans and metrics go.
type Config struct {
	// Service and Version become the service.name and service.version
	// resource attributes.
	Service string
	Version string

	// Traces is otlp, stdout or none.
	Traces Exporter

	// Metrics is prometheus, stdout or none.
	Metrics Exporter

	// OTLPEndpoint is host:port of an OTLP gRPC receiver. Plaintext
	// unless OTLPSecure is set.
	OTLPEndpoint string
	OTLPSecure   bool
}

// DefaultConfig exports metrics for Prometheus scraping and drops traces.
func DefaultConfig() Config {
	return Config{
		Service:      "snapstate",
		Version:      "dev",
		Traces:       ExporterNone,
		Metrics:      ExporterPrometheus,
		OTLPEndpoint: "localhost:4317",
	}
}

// Validate checks the exporter names.
func (c Config) Validate() error {
	switch c.Traces {
	case ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("%w for traces: %q", ErrUnknownExporter, c.Traces)
	}
	switch c.Metrics {
	case ExporterNone, ExporterStdout, ExporterPrometheus:
	default:
		return fmt.Errorf("%w for metrics: %q", ErrUnknownExporter, c.Metrics)
	}
	return nil
}

// Init installs the global TracerProvider and MeterProvider the snapshot
// runtime records into.
//
// # Outputs
//
//   - shutdown: Flushes and stops the installed providers. Must be called.
//   - error: ErrNilContext, or ErrUnknownExporter wrapped with the name.
//
// # Thread Safety
//
// Call once at program startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var stops []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.Service),
		attribute.String("service.version", cfg.Version),
	)

	if cfg.Traces != ExporterNone {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if cfg.Metrics != ExporterNone {
		mp, err := newMeterProvider(cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*trace.TracerProvider, error) {
	var (
		exporter trace.SpanExporter
		err      error
	)
	if cfg.Traces == ExporterOTLP {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if !cfg.OTLPSecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Traces, err)
	}

	// Every apply is a span; a stress run is short enough to keep them all.
	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	), nil
}

var (
	metricsHandlerMu sync.RWMutex
	metricsHandler   http.Handler
)

// MetricsHandler serves the snapshot runtime's otel metrics in Prometheus
// format. It is nil unless Init selected the Prometheus exporter.
func MetricsHandler() http.Handler {
	metricsHandlerMu.RLock()
	defer metricsHandlerMu.RUnlock()
	return metricsHandler
}

func newMeterProvider(cfg Config, res *resource.Resource) (*metric.MeterProvider, error) {
	var reader metric.Reader
	if cfg.Metrics == ExporterPrometheus {
		// Registers with the default prometheus registry.
		exporter, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		reader = exporter

		metricsHandlerMu.Lock()
		metricsHandler = promhttp.Handler()
		metricsHandlerMu.Unlock()
	} else {
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		reader = metric.NewPeriodicReader(exporter)
	}
	return metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader)), nil
}
