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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/snapstate/pkg/ux"
	"github.com/AleutianAI/snapstate/pkg/validation"
)

var errNoHistory = errors.New("history is disabled; set --history-dir")

var (
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
	}
	historyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runHistoryList,
	}
	historyShowCmd = &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}

	historyLimit int
	historyJSON  bool
)

func init() {
	historyListCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum runs to list; 0 lists all")
	historyCmd.PersistentFlags().BoolVar(&historyJSON, "json", false, "Print JSON")
	historyCmd.AddCommand(historyListCmd, historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	if historyDir == "" {
		return errNoHistory
	}
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		ux.Warning(out, "no runs recorded")
		return nil
	}
	for _, run := range runs {
		status := ux.IconSuccess
		if !run.Verified {
			status = ux.IconError
		}
		if ux.GetPersonality() == ux.PersonalityMachine {
			fmt.Fprintf(out, "%s\t%s\t%d\t%d\t%t\n", run.RunID, run.StartedAt.Format("2006-01-02T15:04:05Z07:00"), run.Applied, run.Conflicts, run.Verified)
			continue
		}
		fmt.Fprintf(out, "%s %s  %s  applied=%d conflicts=%d\n",
			status.Render(), run.RunID, ux.Styles.Muted.Render(run.StartedAt.Format("2006-01-02 15:04:05")),
			run.Applied, run.Conflicts)
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	if historyDir == "" {
		return errNoHistory
	}
	runID, err := validation.SanitizeRunID(args[0])
	if err != nil {
		return err
	}
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Get(runID)
	if err != nil {
		return err
	}
	if historyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}
	ux.Summary(cmd.OutOrStdout(), "Run "+run.RunID, summaryFields(run))
	return nil
}
