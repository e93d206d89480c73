package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/zoneshift/zoneshift/pkg/config"
	"github.com/zoneshift/zoneshift/pkg/engine"
	"github.com/zoneshift/zoneshift/pkg/policy"
	"github.com/zoneshift/zoneshift/pkg/telemetry"
)

// scenario bundles everything a command needs after the configuration is
// loaded: parsed config, telemetry stack and the declared rules.
type scenario struct {
	cfg   *config.Config
	tel   *telemetry.Telemetry
	rules *config.RuleFile
}

// loadScenario reads the scenario file, builds the telemetry stack from it
// and parses the rule file it names.
func loadScenario(ctx context.Context, version string) (*scenario, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(telemetryConfig(cfg, version))
	if err != nil {
		return nil, err
	}

	// Run progress events surface on the debug log.
	logger := tel.Logger
	tel.Events.Subscribe(func(e telemetry.Event) {
		logger.Debug().Str("event", e.Type).Str("run_id", e.RunID).Msg(e.Message)
	}, nil)

	rules, err := config.LoadRules(ctx, cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("loading rules from %s: %w", cfg.Rules, err)
	}

	return &scenario{cfg: cfg, tel: tel, rules: rules}, nil
}

// reloadScenario re-reads the scenario and rule files, reusing an existing
// telemetry stack. The watch loop uses it so the metrics endpoint survives
// across reloads.
func reloadScenario(ctx context.Context, tel *telemetry.Telemetry) (*scenario, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	rules, err := config.LoadRules(ctx, cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("loading rules from %s: %w", cfg.Rules, err)
	}
	return &scenario{cfg: cfg, tel: tel, rules: rules}, nil
}

// startMetrics serves the Prometheus endpoint in the background when the
// scenario configures one.
func startMetrics(ctx context.Context, sc *scenario) {
	if sc.cfg.Telemetry.MetricsAddr == "" {
		return
	}
	go func() {
		if err := sc.tel.Metrics.StartServer(ctx); err != nil {
			sc.tel.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// telemetryConfig maps the scenario telemetry section onto the telemetry
// package configuration. The --verbose flag overrides the configured level.
func telemetryConfig(cfg *config.Config, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.JSON = cfg.Telemetry.LogJSON
	if verbose {
		tc.Logging.Level = "debug"
	}
	if cfg.Telemetry.MetricsAddr != "" {
		tc.Metrics.Enabled = true
		tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddr
	}
	if cfg.Telemetry.Tracing != "" {
		tc.Tracing.Enabled = true
		tc.Tracing.Exporter = cfg.Telemetry.Tracing
		tc.Tracing.Endpoint = cfg.Telemetry.OTLPEndpoint
	}
	return tc
}

// buildGate constructs the policy gate when policies are enabled. A nil
// gate means the orchestrator skips the policy check.
func buildGate(ctx context.Context, sc *scenario) (engine.Gate, error) {
	if !sc.cfg.Policy.Enabled {
		return nil, nil
	}
	eng, err := policy.NewEngine(sc.tel.Logger, policy.Limits{
		MaxPctMagnitude: sc.cfg.Policy.MaxPctMagnitude,
	})
	if err != nil {
		return nil, fmt.Errorf("building policy engine: %w", err)
	}
	if sc.cfg.Policy.Dir != "" {
		if err := eng.LoadDir(ctx, sc.cfg.Policy.Dir); err != nil {
			return nil, fmt.Errorf("loading policies from %s: %w", sc.cfg.Policy.Dir, err)
		}
	}
	return eng, nil
}

// resolveLayers maps the declared rules onto on-disk raster paths the same
// way the orchestrator does, for pre-flight reporting.
func resolveLayers(cfg *config.Config, rules engine.RuleMap, store engine.RasterStore) (present, missing []engine.LayerRef) {
	ext := cfg.Data.RasterExt
	if ext == "" {
		ext = ".nc"
	}
	for _, key := range rules.Keys() {
		ref := engine.LayerRef{Key: key, Rule: rules[key]}
		dir := cfg.Data.UCPDir
		if key.IsFraction() {
			dir = cfg.Data.FractionsDir
		}
		path := filepath.Join(dir, string(key)+ext)
		if store.Exists(path) {
			ref.Path = path
			present = append(present, ref)
		} else {
			ref.Missing = true
			missing = append(missing, ref)
		}
	}
	return present, missing
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
