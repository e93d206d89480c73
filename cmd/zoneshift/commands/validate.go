package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zoneshift/zoneshift/pkg/engine"
	"github.com/zoneshift/zoneshift/pkg/geo"
	"github.com/zoneshift/zoneshift/pkg/policy"
)

// validateReport is the machine-readable pre-flight summary.
type validateReport struct {
	Mode          engine.ProcessingMode `json:"mode"`
	Zones         int                   `json:"zones"`
	Layers        []engine.LayerRef     `json:"layers"`
	MissingLayers []string              `json:"missing_layers,omitempty"`
	CrsMismatches []string              `json:"crs_mismatches,omitempty"`
	Violations    []policy.Violation    `json:"policy_violations,omitempty"`
	OK            bool                  `json:"ok"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Pre-flight a scenario without writing rasters",
		Long: `Run every check the apply pipeline performs before its first write:
rule classification, raster presence, CRS agreement between rasters and
the zone mask, per-zone attribute constraints for Replace mode, and the
configured admission policies. No output raster is produced.`,
		Example: `  # Pre-flight the default scenario
  zoneshift validate

  # Pre-flight with JSON output for CI
  zoneshift validate --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sc, err := loadScenario(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer sc.tel.Shutdown(ctx)
			logger := sc.tel.Logger

			mode, err := engine.Classify(sc.rules.Rules)
			if err != nil {
				return err
			}

			vector, err := geo.LoadVector(sc.cfg.Mask.Path, sc.cfg.Mask.Fields)
			if err != nil {
				return fmt.Errorf("loading zone mask %s: %w", sc.cfg.Mask.Path, err)
			}
			zones := engine.ZonesFrom(vector)

			store := geo.NewNetCDFStore()
			present, missing := resolveLayers(sc.cfg, sc.rules.Rules, store)

			report := validateReport{Mode: mode, Zones: len(zones), OK: true}
			report.Layers = append(report.Layers, present...)
			report.Layers = append(report.Layers, missing...)
			for _, m := range missing {
				report.MissingLayers = append(report.MissingLayers, string(m.Key))
			}

			for _, ref := range present {
				g, err := store.Read(ref.Path)
				if err != nil {
					return err
				}
				if !geo.CRSMatch(g.CRS, vector) {
					report.CrsMismatches = append(report.CrsMismatches, string(ref.Key))
					report.OK = false
				}
			}

			if mode == engine.ModeReplace && report.OK {
				// Declared rule keys, not just present rasters: a missing
				// fraction layer still counts toward the compositional sum.
				v := &engine.Validator{Tolerance: sc.cfg.SumTolerance}
				if err := v.Validate(zones, sc.rules.Rules.Keys()); err != nil {
					if !jsonOutput {
						return err
					}
					report.OK = false
					logger.Error().Err(err).Msg("attribute validation failed")
				}
			}

			if sc.cfg.Policy.Enabled {
				gate, err := buildGate(ctx, sc)
				if err != nil {
					return err
				}
				eng := gate.(*policy.Engine)
				plan := &engine.Plan{Mode: mode, Layers: report.Layers, Zones: zones}
				for i := range zones {
					plan.ZoneAttributes = append(plan.ZoneAttributes, zones[i].Attributes)
				}
				res, err := eng.Evaluate(ctx, plan)
				if err != nil {
					return err
				}
				report.Violations = res.Violations
				if !res.Allowed {
					report.OK = false
				}
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printValidateReport(cmd, &report)
			}
			if !report.OK {
				return fmt.Errorf("scenario validation failed")
			}
			return nil
		},
	}
	return cmd
}

func printValidateReport(cmd *cobra.Command, report *validateReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mode:   %s\n", report.Mode)
	fmt.Fprintf(out, "zones:  %d\n", report.Zones)
	fmt.Fprintf(out, "layers: %d (%d missing)\n", len(report.Layers), len(report.MissingLayers))
	if len(report.MissingLayers) > 0 {
		fmt.Fprintf(out, "  missing: %s\n", strings.Join(report.MissingLayers, ", "))
	}
	if len(report.CrsMismatches) > 0 {
		fmt.Fprintf(out, "  crs mismatch: %s\n", strings.Join(report.CrsMismatches, ", "))
	}
	for _, v := range report.Violations {
		fmt.Fprintf(out, "  policy %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
	}
	if report.OK {
		fmt.Fprintln(out, "ok")
	}
}
