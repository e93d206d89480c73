package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoneshift/zoneshift/pkg/config"
	"github.com/zoneshift/zoneshift/pkg/engine"
)

func newClassifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify the rule file into a processing mode",
		Long: `Classify the scenario's rule file into a single processing mode.

A rule set where every layer uses "replace" (or "none") runs in Replace
mode; all-"pct" rule sets run proportionally, either uniform or mixed with
"none" entries. Any mixture of "replace" and "pct" is rejected.`,
		Example: `  # Classify the default scenario
  zoneshift classify

  # Classify another scenario file as JSON
  zoneshift classify -c scenarios/green-roofs.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := loadScenario(cmd.Context(), cmd.Root().Version)
			if err != nil {
				return err
			}
			defer sc.tel.Shutdown(cmd.Context())

			mode, err := engine.Classify(sc.rules.Rules)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), struct {
					Mode  engine.ProcessingMode `json:"mode"`
					Rules engine.RuleMap        `json:"rules"`
				}{mode, sc.rules.Rules})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "mode: %s\n", mode)
			for _, line := range config.DescribeRules(sc.rules.Rules) {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", line)
			}
			return nil
		},
	}
	return cmd
}
