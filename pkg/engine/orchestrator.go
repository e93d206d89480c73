package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ctessum/geom"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoneshift/zoneshift/pkg/geo"
)

// RasterStore is the raster I/O collaborator the orchestrator depends on.
type RasterStore interface {
	Read(path string) (*geo.Grid, error)
	Write(path string, g *geo.Grid) error
	Exists(path string) bool
}

// MaskBuilder converts a zone's polygon into a boolean pixel mask aligned
// to a raster's grid.
type MaskBuilder interface {
	MaskFor(p geom.Polygonal, ny, nx int, tr geo.Transform) geo.Mask
}

// GridMasker is the default MaskBuilder, backed by the geo scanline
// rasterizer.
type GridMasker struct{}

// MaskFor implements MaskBuilder.
func (GridMasker) MaskFor(p geom.Polygonal, ny, nx int, tr geo.Transform) geo.Mask {
	return geo.Rasterize(p, ny, nx, tr)
}

// Output filename suffixes, per mode, placed before the extension.
const (
	replaceSuffix = "_mask"
	pctSuffix     = "_pct"
)

// Options configures an orchestrated run.
type Options struct {
	// UCPDir holds the standalone (urban canopy parameter) rasters.
	UCPDir string

	// FractionsDir holds the compositional fraction rasters.
	FractionsDir string

	// OutputDir receives the transformed rasters.
	OutputDir string

	// RasterExt is the raster file extension; default ".nc".
	RasterExt string

	// Pct configures the proportional-change edge-case policies.
	Pct PctOptions

	// SumTolerance is the fraction-sum tolerance; zero means
	// DefaultSumTolerance.
	SumTolerance float64

	// Parallelism bounds the layer worker pool. The default of 1 keeps
	// output ordering deterministic; higher values process independent
	// layers concurrently. Zone order within a layer is always fixed.
	Parallelism int
}

func (o Options) withDefaults() Options {
	if o.RasterExt == "" {
		o.RasterExt = ".nc"
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 1
	}
	return o
}

// Orchestrator sequences a run through the Loaded -> Classified ->
// Validated -> Applied -> Written state machine. Classification, the CRS
// check and attribute validation all complete before the first raster is
// mutated; the run is all-or-nothing up to that boundary. Once application
// begins, a failure on one layer is reported per layer and does not roll
// back layers already written.
type Orchestrator struct {
	store  RasterStore
	masker MaskBuilder
	gate   Gate
	logger zerolog.Logger
	opts   Options

	mu    sync.Mutex
	state RunState
}

// NewOrchestrator creates an orchestrator. gate may be nil.
func NewOrchestrator(store RasterStore, masker MaskBuilder, gate Gate, logger zerolog.Logger, opts Options) *Orchestrator {
	if masker == nil {
		masker = GridMasker{}
	}
	return &Orchestrator{
		store:  store,
		masker: masker,
		gate:   gate,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		opts:   opts.withDefaults(),
		state:  StateLoaded,
	}
}

// State returns the orchestrator's current state machine position.
func (o *Orchestrator) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// layerUnit is one atomic unit of work: a full read-transform-write cycle
// over either one standalone layer or the whole compositional group.
type layerUnit struct {
	refs  []LayerRef               // one ref, or the whole group
	grids map[LayerKey]*geo.Grid   // pre-loaded grids
	group bool
}

func (u *layerUnit) name() string {
	if u.group {
		return "fractions"
	}
	return string(u.refs[0].Key)
}

// Run executes the scenario described by the rule map against the vector
// mask. Zones are taken in the vector source's feature order.
func (o *Orchestrator) Run(ctx context.Context, rules RuleMap, vector *geo.VectorLayer) *RunResult {
	result := &RunResult{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
	}
	logger := o.logger.With().Str("run_id", result.ID).Logger()
	zones := ZonesFrom(vector)

	fail := func(err error) *RunResult {
		o.setState(StateFailed)
		result.State = StateFailed
		result.Err = err
		result.CompletedAt = time.Now()
		logger.Error().Err(err).Msg("run failed")
		return result
	}

	// Loaded -> Classified.
	mode, err := Classify(rules)
	result.Mode = mode
	if err != nil {
		return fail(err)
	}
	o.setState(StateClassified)
	logger.Info().Str("mode", string(mode)).Int("zones", len(zones)).Msg("rule set classified")

	refs, missing := o.resolveLayers(rules)
	for _, m := range missing {
		result.Warnings = append(result.Warnings, Warning{
			Code:    CodeMissingLayer,
			Layer:   m.Key,
			Zone:    -1,
			Message: fmt.Sprintf("raster file not found for declared rule %q", m.Rule),
		})
		logger.Warn().Str("layer", string(m.Key)).Msg("declared layer missing on disk, skipping")
	}

	if mode == ModeSkip {
		for _, ref := range refs {
			result.Layers = append(result.Layers, LayerResult{
				Key: ref.Key, Status: LayerStatusSkipped, Message: "rule none, no processing",
			})
		}
		for _, m := range missing {
			result.Layers = append(result.Layers, LayerResult{
				Key: m.Key, Status: LayerStatusSkipped, Message: "raster file not found",
			})
		}
		sortResults(result.Layers)
		o.setState(StateWritten)
		result.State = StateWritten
		result.CompletedAt = time.Now()
		return result
	}

	// Classified -> Validated: load grids, check CRS, validate attributes.
	grids := make(map[LayerKey]*geo.Grid, len(refs))
	var crsBad []string
	for _, ref := range refs {
		g, err := o.store.Read(ref.Path)
		if err != nil {
			return fail(Wrap(CodeInternal, "loading raster", err).WithLayer(ref.Key))
		}
		if n := g.NodataCount(); n > 0 {
			logger.Debug().Str("layer", string(ref.Key)).Int("pixels", n).Msg("no-data pixels detected")
		}
		if !geo.CRSMatch(g.CRS, vector) {
			crsBad = append(crsBad, string(ref.Key))
			logger.Error().Str("layer", string(ref.Key)).Str("raster_crs", g.CRS).
				Msg("raster CRS differs from vector mask CRS")
		}
		grids[ref.Key] = g
	}
	if len(crsBad) > 0 {
		return fail(Newf(CodeCrsMismatch, "CRS mismatch in layers: %s",
			strings.Join(crsBad, ", ")))
	}

	if mode == ModeReplace {
		// Validation covers every declared rule key, not just the rasters
		// found on disk. A declared fraction whose raster is absent still
		// contributes its attribute to the compositional sum.
		v := &Validator{Tolerance: o.opts.SumTolerance}
		if err := v.Validate(zones, rules.Keys()); err != nil {
			return fail(err)
		}
		logger.Info().Msg("per-zone attribute constraints satisfied")
	}

	if o.gate != nil {
		plan := o.buildPlan(result.ID, mode, refs, missing, zones)
		if err := o.gate.Check(ctx, plan); err != nil {
			return fail(Wrap(CodePolicyDenied, "run plan rejected by policy", err))
		}
	}
	o.setState(StateValidated)

	// Validated -> Applied -> Written.
	units := o.buildUnits(mode, refs, grids)
	results, warnings := o.applyUnits(ctx, logger, mode, units, zones)
	result.Warnings = append(result.Warnings, warnings...)
	result.Layers = append(result.Layers, results...)
	o.setState(StateApplied)

	for _, ref := range refs {
		if ref.Rule == RuleNone && !ref.Fraction() {
			result.Layers = append(result.Layers, LayerResult{
				Key: ref.Key, Status: LayerStatusSkipped, Message: "rule none, layer left untouched",
			})
		}
	}
	for _, m := range missing {
		result.Layers = append(result.Layers, LayerResult{
			Key: m.Key, Status: LayerStatusSkipped, Message: "raster file not found",
		})
	}
	sortResults(result.Layers)

	if mode.Proportional() {
		if w, ok := o.checkDensityConsistency(grids); ok {
			result.Warnings = append(result.Warnings, w)
			logger.Warn().Int("pixels", w.Count).Msg(w.Message)
		}
	}

	o.setState(StateWritten)
	result.State = StateWritten
	result.CompletedAt = time.Now()
	logger.Info().Int("layers", len(result.Layers)).Msg("run complete")
	return result
}

// resolveLayers maps declared rules to on-disk rasters. Fraction layers
// resolve against the fractions folder, everything else against the UCP
// folder. Entries naming absent files are reported separately; they never
// influence classification.
func (o *Orchestrator) resolveLayers(rules RuleMap) (present, missing []LayerRef) {
	for _, key := range rules.Keys() {
		ref := LayerRef{Key: key, Rule: rules[key]}
		dir := o.opts.UCPDir
		if key.IsFraction() {
			dir = o.opts.FractionsDir
		}
		path := filepath.Join(dir, string(key)+o.opts.RasterExt)
		if o.store.Exists(path) {
			ref.Path = path
			present = append(present, ref)
		} else {
			ref.Missing = true
			missing = append(missing, ref)
		}
	}
	return present, missing
}

// buildUnits groups the present layers into atomic work units. In
// proportional modes the whole compositional group is one unit, because
// renormalization couples its members; standalone layers are independent
// units. "none" standalone layers are excluded (skipped entirely).
func (o *Orchestrator) buildUnits(mode ProcessingMode, refs []LayerRef, grids map[LayerKey]*geo.Grid) []layerUnit {
	var units []layerUnit
	var group layerUnit
	group.group = true
	group.grids = make(map[LayerKey]*geo.Grid)

	for _, ref := range refs {
		switch {
		case mode.Proportional() && ref.Fraction():
			group.refs = append(group.refs, ref)
			group.grids[ref.Key] = grids[ref.Key]
		case ref.Rule == RuleNone:
			// Standalone none layers are skipped, not rewritten.
		default:
			units = append(units, layerUnit{
				refs:  []LayerRef{ref},
				grids: map[LayerKey]*geo.Grid{ref.Key: grids[ref.Key]},
			})
		}
	}
	if len(group.refs) > 0 {
		units = append(units, group)
	}
	return units
}

// applyUnits dispatches the work units to the engine matching the mode,
// bounded by the configured parallelism. Each unit is one atomic
// transform-write cycle; zone order within a unit is fixed.
func (o *Orchestrator) applyUnits(ctx context.Context, logger zerolog.Logger, mode ProcessingMode, units []layerUnit, zones []Zone) ([]LayerResult, []Warning) {
	var (
		mu       sync.Mutex
		results  []LayerResult
		warnings []Warning
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, o.opts.Parallelism)
	masks := newMaskCache(o.masker, zones)
	tracer := otel.Tracer("zoneshift/engine")

	for i := range units {
		unit := &units[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			_, span := tracer.Start(ctx, "layer.apply", trace.WithAttributes(
				attribute.String("layer.unit", unit.name()),
			))
			defer span.End()

			var rs []LayerResult
			var ws []Warning
			if err := ctx.Err(); err != nil {
				rs = unitFailure(unit, err)
			} else if unit.group {
				rs, ws = o.applyGroup(logger, mode, unit, zones, masks)
			} else {
				rs, ws = o.applyStandalone(logger, mode, unit, zones, masks)
			}
			for _, r := range rs {
				if r.Status == LayerStatusFailed {
					span.SetStatus(codes.Error, r.Message)
					break
				}
			}
			mu.Lock()
			results = append(results, rs...)
			warnings = append(warnings, ws...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, warnings
}

// applyStandalone runs one layer through the engine for the mode and writes
// the output raster.
func (o *Orchestrator) applyStandalone(logger zerolog.Logger, mode ProcessingMode, unit *layerUnit, zones []Zone, masks *maskCache) ([]LayerResult, []Warning) {
	ref := unit.refs[0]
	g := unit.grids[ref.Key]
	start := time.Now()

	zvs := o.zoneValues(ref, zones, g, masks)

	var modified int
	var warnings []Warning
	var err error
	suffix := pctSuffix
	switch mode {
	case ModeReplace:
		suffix = replaceSuffix
		modified = ApplyReplace(g, zvs)
	default:
		modified, warnings, err = ApplyPct(g, ref.Key, zvs, o.opts.Pct)
	}
	if err != nil {
		return []LayerResult{{Key: ref.Key, Status: LayerStatusFailed, Message: err.Error()}}, warnings
	}

	out := o.outputPath(ref.Key, suffix)
	if err := o.store.Write(out, g); err != nil {
		return []LayerResult{{Key: ref.Key, Status: LayerStatusFailed, Message: err.Error()}}, warnings
	}
	logger.Info().Str("layer", string(ref.Key)).Int("pixels_modified", modified).
		Dur("duration", time.Since(start)).Str("output", out).Msg("layer written")
	return []LayerResult{{
		Key: ref.Key, Status: LayerStatusSuccess, OutputPath: out, PixelsModified: modified,
	}}, warnings
}

// applyGroup runs the whole compositional group: per-member percentage
// changes, one renormalization pass, then all members written. Members with
// rule "none" take a 0% change (identity) but still participate in
// renormalization and are written, since the rebalance can move them.
func (o *Orchestrator) applyGroup(logger zerolog.Logger, mode ProcessingMode, unit *layerUnit, zones []Zone, masks *maskCache) ([]LayerResult, []Warning) {
	var warnings []Warning
	modified := make(map[LayerKey]int, len(unit.refs))

	keys := make([]LayerKey, 0, len(unit.refs))
	for _, ref := range unit.refs {
		keys = append(keys, ref.Key)
	}

	for _, ref := range unit.refs {
		if ref.Rule == RuleNone {
			continue
		}
		g := unit.grids[ref.Key]
		zvs := o.zoneValues(ref, zones, g, masks)
		n, ws, err := ApplyPct(g, ref.Key, zvs, o.opts.Pct)
		warnings = append(warnings, ws...)
		if err != nil {
			return unitFailure(unit, err), warnings
		}
		modified[ref.Key] = n
	}

	ws, err := NormalizeGroup(keys, unit.grids)
	warnings = append(warnings, ws...)
	if err != nil {
		return unitFailure(unit, err), warnings
	}

	var results []LayerResult
	for _, ref := range unit.refs {
		out := o.outputPath(ref.Key, pctSuffix)
		if err := o.store.Write(out, unit.grids[ref.Key]); err != nil {
			results = append(results, LayerResult{
				Key: ref.Key, Status: LayerStatusFailed, Message: err.Error(),
			})
			continue
		}
		logger.Info().Str("layer", string(ref.Key)).Int("pixels_modified", modified[ref.Key]).
			Str("output", out).Msg("fraction layer written")
		results = append(results, LayerResult{
			Key: ref.Key, Status: LayerStatusSuccess, OutputPath: out,
			PixelsModified: modified[ref.Key],
		})
	}
	return results, warnings
}

// zoneValues pairs every zone's mask over the grid with the zone's
// attribute value for the layer, preserving zone order. Missing attributes
// mean a 0% change in proportional modes; in Replace mode validation has
// already guaranteed presence.
func (o *Orchestrator) zoneValues(ref LayerRef, zones []Zone, g *geo.Grid, masks *maskCache) []MaskedValue {
	zvs := make([]MaskedValue, 0, len(zones))
	for zi := range zones {
		val, ok := zones[zi].Attr(ref.Key)
		if !ok {
			val = 0
		}
		zvs = append(zvs, MaskedValue{
			Zone:  zones[zi].Index,
			Mask:  masks.get(zi, g),
			Value: val,
		})
	}
	return zvs
}

// checkDensityConsistency counts pixels where the transformed impervious
// density falls below the building surface fraction. The constraint is only
// enforced as a hard invariant for Replace mode; after percentage changes
// it is surfaced as a warning so the operator can adjust the pct
// attributes.
func (o *Orchestrator) checkDensityConsistency(grids map[LayerKey]*geo.Grid) (Warning, bool) {
	imd, ok1 := grids[KeyImperviousDensity]
	bsf, ok2 := grids[KeyBuildingFraction]
	if !ok1 || !ok2 || !imd.SameShape(bsf) {
		return Warning{}, false
	}
	bad := 0
	for i := range imd.Data.Elements {
		iv, bv := imd.Data.Elements[i], bsf.Data.Elements[i]
		if imd.IsNodata(iv) || bsf.IsNodata(bv) {
			continue
		}
		if iv < bv {
			bad++
		}
	}
	if bad == 0 {
		return Warning{}, false
	}
	return Warning{
		Code:  CodeLogicalInconsistency,
		Zone:  -1,
		Count: bad,
		Message: fmt.Sprintf("%d pixels have impervious density below building surface fraction; "+
			"consider adjusting the pct attributes", bad),
	}, true
}

func (o *Orchestrator) outputPath(key LayerKey, suffix string) string {
	return filepath.Join(o.opts.OutputDir, string(key)+suffix+o.opts.RasterExt)
}

func (o *Orchestrator) buildPlan(id string, mode ProcessingMode, refs, missing []LayerRef, zones []Zone) *Plan {
	plan := &Plan{ID: id, Mode: mode, Zones: zones}
	plan.Layers = append(plan.Layers, refs...)
	plan.Layers = append(plan.Layers, missing...)
	for i := range zones {
		plan.ZoneAttributes = append(plan.ZoneAttributes, zones[i].Attributes)
	}
	return plan
}

// ZonesFrom converts a loaded vector layer into zones, preserving the
// source feature order.
func ZonesFrom(vector *geo.VectorLayer) []Zone {
	zones := make([]Zone, len(vector.Features))
	for i := range vector.Features {
		zones[i] = Zone{
			Index:      i,
			Geom:       vector.Features[i].Geom,
			Attributes: vector.Features[i].Attributes,
		}
	}
	return zones
}

func unitFailure(unit *layerUnit, err error) []LayerResult {
	results := make([]LayerResult, 0, len(unit.refs))
	for _, ref := range unit.refs {
		results = append(results, LayerResult{
			Key: ref.Key, Status: LayerStatusFailed, Message: err.Error(),
		})
	}
	return results
}

func sortResults(results []LayerResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
}

// maskCache computes each zone's mask once per distinct grid geometry;
// fraction layers share one grid and reuse the same masks.
type maskCache struct {
	mu     sync.Mutex
	masker MaskBuilder
	zones  []Zone
	masks  map[string][]geo.Mask
}

func newMaskCache(masker MaskBuilder, zones []Zone) *maskCache {
	return &maskCache{masker: masker, zones: zones, masks: make(map[string][]geo.Mask)}
}

func (c *maskCache) get(zi int, g *geo.Grid) geo.Mask {
	key := fmt.Sprintf("%dx%d|%v|%v|%v|%v", g.Ny(), g.Nx(),
		g.Transform.X0, g.Transform.Y0, g.Transform.Dx, g.Transform.Dy)
	c.mu.Lock()
	defer c.mu.Unlock()
	ms, ok := c.masks[key]
	if !ok {
		ms = make([]geo.Mask, len(c.zones))
		c.masks[key] = ms
	}
	if ms[zi] == nil {
		ms[zi] = c.masker.MaskFor(c.zones[zi].Geom, g.Ny(), g.Nx(), g.Transform)
	}
	return ms[zi]
}
