// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/snapstate/pkg/ux"
	"github.com/AleutianAI/snapstate/services/snapshot/telemetry"
	"github.com/AleutianAI/snapstate/services/stress"
	"github.com/AleutianAI/snapstate/services/stress/history"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run concurrent transactions and verify the result",
		Long: `Starts the configured number of workers, each applying transactions that
update a shared counter, log, member set and progress map. With contention
enabled every transaction also claims a shared slot, so overlapping
transactions conflict and are retried.`,
		Args: cobra.NoArgs,
		RunE: runStress,
	}

	runConfigPath    string
	runWorkers       int
	runIterations    int
	runMaxRetries    int
	runRate          float64
	runNoContention  bool
	runMetricsAddr   string
	runTraceExporter string
	runMetricExport  string
	runOTLPEndpoint  string
)

func init() {
	f := runCmd.Flags()
	f.StringVar(&runConfigPath, "config", "", "YAML config file")
	f.IntVar(&runWorkers, "workers", 0, "Concurrent workers (overrides config)")
	f.IntVar(&runIterations, "iterations", 0, "Transactions per worker (overrides config)")
	f.IntVar(&runMaxRetries, "max-retries", 0, "Retries per conflicting transaction (overrides config)")
	f.Float64Var(&runRate, "rate", 0, "Transactions per second across workers; 0 is unlimited (overrides config)")
	f.BoolVar(&runNoContention, "no-contention", false, "Skip the contended slot so every transaction merges")
	f.StringVar(&runMetricsAddr, "metrics-addr", "", "Serve /status and /metrics on this address during the run")
	f.StringVar(&runTraceExporter, "trace-exporter", "", "Trace exporter: otlp, stdout or none")
	f.StringVar(&runMetricExport, "metric-exporter", "", "OpenTelemetry metric exporter: prometheus, stdout or none")
	f.StringVar(&runOTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC receiver for --trace-exporter otlp")
	rootCmd.AddCommand(runCmd)
}

// runConfig loads the config file and applies flags that were set.
func runConfig(cmd *cobra.Command) (stress.Config, error) {
	cfg, err := stress.LoadConfig(runConfigPath)
	if err != nil {
		return stress.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = runWorkers
	}
	if flags.Changed("iterations") {
		cfg.Iterations = runIterations
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = runMaxRetries
	}
	if flags.Changed("rate") {
		cfg.RatePerSecond = runRate
	}
	if runNoContention {
		cfg.Contention = false
	}
	return cfg, cfg.Validate()
}

func runStress(cmd *cobra.Command, _ []string) error {
	cfg, err := runConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := telemetry.DefaultConfig()
	tcfg.Service = "snapstress"
	tcfg.Version = version
	if runTraceExporter != "" {
		tcfg.Traces = telemetry.Exporter(runTraceExporter)
	}
	if runMetricExport != "" {
		tcfg.Metrics = telemetry.Exporter(runMetricExport)
	}
	if runOTLPEndpoint != "" {
		tcfg.OTLPEndpoint = runOTLPEndpoint
	}
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := stress.NewMetrics(reg)

	runner, err := stress.NewRunner(cfg, metrics, logger.Slog())
	if err != nil {
		return err
	}

	if runMetricsAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		server := stress.NewStatusServer(runMetricsAddr, reg, runner.Status, telemetry.MetricsHandler(), logger.Slog())
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	progressDone := make(chan struct{})
	go reportProgress(runner, int64(cfg.Workers*cfg.Iterations), progressDone)

	summary, runErr := runner.Run(ctx)
	close(progressDone)

	if historyDir != "" {
		if err := saveRun(summary); err != nil {
			ux.Warning(cmd.ErrOrStderr(), err.Error())
		}
	}

	ux.Summary(cmd.OutOrStdout(), "Stress run", summaryFields(summary))
	if runErr != nil {
		return runErr
	}
	ux.Success(cmd.OutOrStdout(), fmt.Sprintf("verified %d applied transactions", summary.Applied))
	return nil
}

// reportProgress prints a progress bar to stderr until done is closed.
func reportProgress(runner *stress.Runner, total int64, done <-chan struct{}) {
	if ux.GetPersonality() == ux.PersonalityMachine {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st := runner.Status()
			finished := st.Applied + st.GaveUp
			fmt.Fprintf(os.Stderr, "\r%s", ux.ProgressBar(int(finished), int(total), 30))
		}
	}
}

func openHistory() (*history.Store, error) {
	cfg := history.DefaultConfig(expandHome(historyDir))
	cfg.Logger = logger.Slog().With(slog.String("component", "history"))
	return history.Open(cfg)
}

func saveRun(summary stress.Summary) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Save(summary)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func summaryFields(s stress.Summary) []ux.Field {
	fields := []ux.Field{
		{Label: "Run ID", Value: s.RunID},
		{Label: "Started", Value: s.StartedAt.Format(time.RFC3339)},
		{Label: "Duration", Value: s.Duration.Round(time.Millisecond).String()},
		{Label: "Workers", Value: strconv.Itoa(s.Workers)},
		{Label: "Iterations", Value: strconv.Itoa(s.Iterations)},
		{Label: "Applied", Value: strconv.FormatInt(s.Applied, 10)},
		{Label: "Conflicts", Value: strconv.FormatInt(s.Conflicts, 10)},
		{Label: "Gave up", Value: strconv.FormatInt(s.GaveUp, 10)},
		{Label: "Counter", Value: strconv.FormatInt(s.Counter, 10)},
		{Label: "Open snapshots", Value: strconv.Itoa(s.OpenSnapshots)},
		{Label: "Verified", Value: strconv.FormatBool(s.Verified)},
	}
	if len(s.ChainLengths) > 0 {
		fields = append(fields, ux.Field{Label: "Chain lengths", Value: formatChains(s.ChainLengths)})
	}
	if s.Failure != "" {
		fields = append(fields, ux.Field{Label: "Failure", Value: s.Failure})
	}
	return fields
}

func formatChains(chains map[string]int) string {
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s:%d", name, chains[name])
	}
	return strings.Join(parts, ",")
}
