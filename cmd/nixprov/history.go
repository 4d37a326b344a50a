// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nixprov/nixprov/internal/config"
	"github.com/nixprov/nixprov/internal/issue"
	"github.com/nixprov/nixprov/internal/store"
	"github.com/nixprov/nixprov/internal/ui"
)

func newHistoryCommand(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent provisioning runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistory(cmd.Context(), app, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultListLimit, "number of runs to show")

	return cmd
}

func runHistory(ctx context.Context, app *App, limit int) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	out := app.out(cfg)
	if !cfg.History.Enabled {
		out.Info("Run history is disabled (history.enabled: false)", ui.Options{NewLine: true, Style: ui.StyleWarning})
		return nil
	}

	path, err := config.HistoryPath(cfg, app.loadOptions())
	if err != nil {
		return err
	}
	st, err := app.OpenHistory(path)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("open run history").
			WithResource(path).
			WithIssue(issue.HistoryUnavailableId).
			Wrap(err).
			BuildError()
	}
	defer st.Close()

	runs, err := st.List(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		out.Info("No provisioning runs recorded yet", ui.Options{NewLine: true, Style: ui.StyleMuted})
		return nil
	}

	for _, r := range runs {
		style := ui.StyleSuccess
		if r.Error != "" {
			style = ui.StyleAttention
		}
		duration := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
		out.Info(fmt.Sprintf("%s  %s  %-8s %8s  %s",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.State, duration, changes(r)),
			ui.Options{NewLine: true, Style: style})
		if r.Error != "" {
			out.Info("    "+r.Error, ui.Options{NewLine: true, Style: ui.StyleMuted})
		}
	}
	return nil
}

func changes(r store.Run) string {
	var parts []string
	if r.ProvisionChanged {
		parts = append(parts, "provision")
	}
	if r.AggregatorChanged {
		parts = append(parts, "aggregator")
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, "+") + " updated"
}
