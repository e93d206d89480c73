package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoneshift/zoneshift/pkg/config"
	"github.com/zoneshift/zoneshift/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run history database",
	}
	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsPruneCommand())
	return cmd
}

// openHistory opens the run history database named by the scenario file.
func openHistory(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	path := cfg.Store.Path
	if path == "" {
		path = "zoneshift.db"
	}
	return stores.Open(cmd.Context(), path)
}

func newRunsListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Example: `  # Last 20 runs
  zoneshift runs list

  # Page through older runs
  zoneshift runs list --limit 50 --offset 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODE\tSTATE\tWARNINGS\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.Mode, r.State, r.Warnings, r.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its layers and warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			layers, err := store.LayerResults(ctx, run.ID)
			if err != nil {
				return err
			}
			warnings, err := store.Warnings(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), struct {
					Run      *stores.Run             `json:"run"`
					Layers   []*stores.LayerRecord   `json:"layers"`
					Warnings []*stores.WarningRecord `json:"warnings,omitempty"`
				}{run, layers, warnings})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: mode=%s state=%s started=%s\n",
				run.ID, run.Mode, run.State, run.StartedAt.Format(time.RFC3339))
			if run.Error != nil {
				fmt.Fprintf(out, "error: %s\n", *run.Error)
			}

			tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LAYER\tSTATUS\tPIXELS\tOUTPUT")
			for _, lr := range layers {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", lr.Key, lr.Status, lr.PixelsModified, lr.OutputPath)
			}
			tw.Flush()

			for _, w := range warnings {
				fmt.Fprintf(out, "warning [%s] %s\n", w.Code, w.Message)
			}
			return nil
		},
	}
	return cmd
}

func newRunsPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than a cutoff",
		Example: `  # Drop everything older than 30 days
  zoneshift runs prune --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneRuns(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff for pruning")
	return cmd
}
