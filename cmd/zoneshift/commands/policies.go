package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zoneshift/zoneshift/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List the admission policies in effect",
		Long: `List the policies the apply pipeline consults before mutating rasters:
the built-in set plus any .rego or .json policy files found in the
configured policy directory. File policies sharing a built-in's name
replace it.`,
		Example: `  # List policies for the default scenario
  zoneshift policies

  # Machine-readable listing
  zoneshift policies --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sc, err := loadScenario(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer sc.tel.Shutdown(ctx)

			eng, err := policy.NewEngine(sc.tel.Logger, policy.Limits{
				MaxPctMagnitude: sc.cfg.Policy.MaxPctMagnitude,
			})
			if err != nil {
				return err
			}
			if sc.cfg.Policy.Dir != "" {
				if err := eng.LoadDir(ctx, sc.cfg.Policy.Dir); err != nil {
					return err
				}
			}

			policies := eng.ListPolicies()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tDESCRIPTION")
			for _, p := range policies {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, p.Description)
			}
			return tw.Flush()
		},
	}
	return cmd
}
