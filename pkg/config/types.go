package config

import (
	"time"

	"github.com/zoneshift/zoneshift/pkg/engine"
)

// Config is the top-level scenario configuration loaded from YAML.
type Config struct {
	// Mask configures the polygon zone mask.
	Mask MaskConfig `yaml:"mask" validate:"required"`

	// Rules is the path to the per-layer rule file (.json or .star).
	Rules string `yaml:"rules" validate:"required"`

	// Data configures the raster input and output folders.
	Data DataConfig `yaml:"data" validate:"required"`

	// Pct configures the proportional-change edge-case policies.
	Pct PctConfig `yaml:"pct"`

	// SumTolerance is the fraction-sum tolerance; zero means the engine
	// default.
	SumTolerance float64 `yaml:"sum_tolerance" validate:"gte=0"`

	// Parallelism bounds the layer worker pool; zero means sequential.
	Parallelism int `yaml:"parallelism" validate:"gte=0,lte=64"`

	// Store configures run history persistence.
	Store StoreConfig `yaml:"store"`

	// Policy configures plan admission policies.
	Policy PolicyConfig `yaml:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// MaskConfig locates the polygon zone mask and the attribute columns to
// read from it.
type MaskConfig struct {
	// Path is the vector file (.shp, .geojson or .json).
	Path string `yaml:"path" validate:"required"`

	// Fields are the attribute columns to extract. Empty means all columns
	// for formats that support it.
	Fields []string `yaml:"fields"`
}

// DataConfig locates the raster folders.
type DataConfig struct {
	// UCPDir holds the standalone parameter rasters.
	UCPDir string `yaml:"ucp_dir" validate:"required"`

	// FractionsDir holds the compositional fraction rasters.
	FractionsDir string `yaml:"fractions_dir" validate:"required"`

	// OutputDir receives the transformed rasters.
	OutputDir string `yaml:"output_dir" validate:"required"`

	// RasterExt is the raster file extension; default ".nc".
	RasterExt string `yaml:"raster_ext"`
}

// PctConfig selects the proportional-change edge-case policies.
type PctConfig struct {
	// ZeroHandling is "preserve" or "raise"; default "preserve".
	ZeroHandling string `yaml:"zero_handling" validate:"omitempty,oneof=preserve raise"`

	// OutOfBounds is "clip", "normalize" or "ignore"; default "clip".
	OutOfBounds string `yaml:"out_of_bounds" validate:"omitempty,oneof=clip normalize ignore"`

	// Lower and Upper bound the valid output range; both zero means [0, 1].
	Lower float64 `yaml:"lower"`
	Upper float64 `yaml:"upper" validate:"gtefield=Lower"`
}

// StoreConfig configures run history persistence.
type StoreConfig struct {
	// Enabled turns run history recording on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file; default "zoneshift.db" next to the
	// output folder.
	Path string `yaml:"path"`
}

// PolicyConfig configures plan admission policies.
type PolicyConfig struct {
	// Enabled turns policy evaluation on.
	Enabled bool `yaml:"enabled"`

	// Dir holds .rego policy files; empty means built-in policies only.
	Dir string `yaml:"dir"`

	// MaxPctMagnitude caps the absolute percentage change a zone attribute
	// may request; zero disables the built-in cap.
	MaxPctMagnitude float64 `yaml:"max_pct_magnitude" validate:"gte=0"`
}

// TelemetryConfig configures the observability stack.
type TelemetryConfig struct {
	// LogLevel is trace, debug, info, warn or error; default info.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	// LogJSON switches from console to JSON log output.
	LogJSON bool `yaml:"log_json"`

	// MetricsAddr exposes Prometheus metrics when non-empty
	// (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// Tracing selects the trace exporter: "", "stdout" or "otlp".
	Tracing string `yaml:"tracing" validate:"omitempty,oneof=stdout otlp"`

	// OTLPEndpoint is the OTLP gRPC collector address when Tracing is
	// "otlp".
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// RuleFile is a parsed per-layer rule set together with its provenance.
type RuleFile struct {
	// Rules maps layer keys to their declared rule kinds.
	Rules engine.RuleMap

	// Source is the file the rules were read from.
	Source string

	// LoadedAt is when the file was parsed.
	LoadedAt time.Time
}

// EngineOptions converts the configuration into engine run options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		UCPDir:       c.Data.UCPDir,
		FractionsDir: c.Data.FractionsDir,
		OutputDir:    c.Data.OutputDir,
		RasterExt:    c.Data.RasterExt,
		Pct: engine.PctOptions{
			ZeroHandling: engine.ZeroHandling(c.Pct.ZeroHandling),
			OutOfBounds:  engine.OutOfBounds(c.Pct.OutOfBounds),
			Lower:        c.Pct.Lower,
			Upper:        c.Pct.Upper,
		},
		SumTolerance: c.SumTolerance,
		Parallelism:  c.Parallelism,
	}
}
