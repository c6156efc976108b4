// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command snapstress runs concurrent writers against a snapshot runtime and
// keeps a history of the runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/snapstate/pkg/logging"
	"github.com/AleutianAI/snapstate/pkg/ux"
)

var (
	rootCmd = &cobra.Command{
		Use:   "snapstress",
		Short: "Stress and inspect the snapshot state runtime",
		Long: `snapstress drives concurrent transactions against an isolated snapshot
runtime, verifies that every applied change survived, and records each run.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	logLevel   string
	logJSON    bool
	logDir     string
	historyDir string

	logger *logging.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs to stderr as JSON")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Also write JSON logs to this directory")
	rootCmd.PersistentFlags().StringVar(&historyDir, "history-dir", defaultHistoryDir(), "Run history directory; empty disables history")
}

func defaultHistoryDir() string {
	if dir := os.Getenv("SNAPSTATE_HISTORY_DIR"); dir != "" {
		return dir
	}
	return "~/.snapstate/history"
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger = logging.New(logging.Config{
		Level:   level,
		JSON:    logJSON,
		LogDir:  logDir,
		Service: "snapstress",
	})
	logger.Install()
	ux.InitPersonality()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ux.Error(os.Stderr, fmt.Sprint(err))
		os.Exit(1)
	}
}
