package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoneshift/zoneshift/pkg/engine"
	"github.com/zoneshift/zoneshift/pkg/geo"
	"github.com/zoneshift/zoneshift/pkg/stores"
	"github.com/zoneshift/zoneshift/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run the scenario and write transformed rasters",
		Long: `Run the full scenario pipeline: classify the rule file, load the zone
mask and rasters, validate attributes and CRS, consult the admission
policies, transform every governed layer inside the zone footprints and
write the results to the output folder. Fraction groups are renormalized
to sum to one after percentage changes.

When the store is enabled in the scenario file, the run outcome is
recorded in the run history database.`,
		Example: `  # Apply the default scenario
  zoneshift apply

  # Apply a specific scenario with JSON output
  zoneshift apply -c scenarios/densify.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sc, err := loadScenario(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer sc.tel.Shutdown(context.WithoutCancel(ctx))
			startMetrics(ctx, sc)

			result, err := runScenario(ctx, sc)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				printRunResult(cmd, result)
			}
			if result.Failed() {
				return fmt.Errorf("run %s failed", result.ID)
			}
			return nil
		},
	}
	return cmd
}

// runScenario executes one scenario run end to end. It is shared between
// apply and the watch loop.
func runScenario(ctx context.Context, sc *scenario) (*engine.RunResult, error) {
	logger := sc.tel.Logger

	vector, err := geo.LoadVector(sc.cfg.Mask.Path, sc.cfg.Mask.Fields)
	if err != nil {
		return nil, fmt.Errorf("loading zone mask %s: %w", sc.cfg.Mask.Path, err)
	}
	logger.Info().Str("mask", sc.cfg.Mask.Path).Int("zones", len(vector.Features)).
		Msg("zone mask loaded")

	gate, err := buildGate(ctx, sc)
	if err != nil {
		return nil, err
	}

	orch := engine.NewOrchestrator(geo.NewNetCDFStore(), nil, gate, logger, sc.cfg.EngineOptions())

	ctx, span := sc.tel.Tracer.Start(ctx, "run.execute")
	defer span.End()

	sc.tel.Metrics.RecordRunStarted()
	result := orch.Run(ctx, sc.rules.Rules, vector)

	span.SetAttributes(
		telemetry.AttrRunID.String(result.ID),
		telemetry.AttrRunMode.String(string(result.Mode)),
	)
	if result.Err != nil {
		telemetry.RecordError(span, result.Err)
	} else {
		telemetry.RecordSuccess(span)
	}
	recordRun(sc.tel, result)

	if sc.cfg.Store.Enabled {
		if err := persistRun(ctx, sc.cfg.Store.Path, result); err != nil {
			logger.Error().Err(err).Msg("recording run history failed")
		}
	}
	return result, nil
}

// recordRun translates a finished run into metrics, trace status and bus
// events.
func recordRun(tel *telemetry.Telemetry, result *engine.RunResult) {
	duration := result.CompletedAt.Sub(result.StartedAt)
	tel.Metrics.RecordRunCompleted(string(result.State), duration)

	if result.Err != nil {
		tel.Metrics.RecordValidationFailure(string(engine.CodeOf(result.Err)))
		tel.Events.PublishRunFailed(result.ID, result.Err.Error())
		return
	}

	tel.Events.PublishRunStarted(result.ID, string(result.Mode), len(result.Layers))
	for _, lr := range result.Layers {
		switch lr.Status {
		case engine.LayerStatusSuccess:
			tel.Metrics.RecordLayer(string(lr.Key), lr.PixelsModified, duration, false)
			tel.Events.PublishLayerWritten(result.ID, string(lr.Key), lr.OutputPath, lr.PixelsModified)
		case engine.LayerStatusFailed:
			tel.Metrics.RecordLayer(string(lr.Key), 0, duration, true)
		default:
			tel.Events.PublishLayerSkipped(result.ID, string(lr.Key), lr.Message)
		}
	}
	for _, w := range result.Warnings {
		tel.Metrics.RecordWarning(string(w.Code))
		tel.Events.PublishWarning(result.ID, string(w.Code), string(w.Layer), w.Message)
	}
	tel.Events.PublishRunCompleted(result.ID, string(result.State), duration)
}

// persistRun stores the outcome in the run history database.
func persistRun(ctx context.Context, path string, result *engine.RunResult) error {
	store, err := stores.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RecordResult(ctx, result)
}

func printRunResult(cmd *cobra.Command, result *engine.RunResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: mode=%s state=%s duration=%s\n",
		result.ID, result.Mode, result.State,
		result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAYER\tSTATUS\tPIXELS\tOUTPUT")
	for _, lr := range result.Layers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", lr.Key, lr.Status, lr.PixelsModified, lr.OutputPath)
	}
	tw.Flush()

	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning [%s] %s\n", w.Code, w.Message)
	}
	if result.Err != nil {
		fmt.Fprintf(out, "error: %v\n", result.Err)
	}
}
