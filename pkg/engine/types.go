package engine

import (
	"context"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ctessum/geom"
)

// LayerKey is the canonical identifier of a raster layer: the source
// filename with its extension stripped and the rest uppercased. Rule files,
// vector attribute columns and on-disk rasters all resolve to the same key.
type LayerKey string

// KeyFor derives the canonical layer key from a raster filename or layer
// name. "f_ac.tif", "F_AC.nc" and "F_AC" all map to "F_AC".
func KeyFor(name string) LayerKey {
	base := filepath.Base(name)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return LayerKey(strings.ToUpper(base))
}

// fractionPrefix marks members of the compositional (land-cover fraction)
// group, whose per-pixel values must sum to 1.
const fractionPrefix = "F_"

// IsFraction reports whether the layer belongs to the compositional group.
func (k LayerKey) IsFraction() bool {
	return strings.HasPrefix(string(k), fractionPrefix)
}

// Well-known layer keys with a cross-layer logical constraint: impervious
// density must never be below the building surface fraction.
const (
	KeyImperviousDensity LayerKey = "IMD"
	KeyBuildingFraction  LayerKey = "BSF"
)

// RuleKind is one of the three recognized per-layer rule kinds.
type RuleKind string

const (
	// RuleReplace overwrites zone pixels with a fixed attribute value.
	RuleReplace RuleKind = "replace"

	// RulePct scales zone pixels by (1 + pct/100).
	RulePct RuleKind = "pct"

	// RuleNone leaves the layer untouched.
	RuleNone RuleKind = "none"
)

// Valid reports whether k is a recognized rule kind.
func (k RuleKind) Valid() bool {
	switch k {
	case RuleReplace, RulePct, RuleNone:
		return true
	}
	return false
}

// RuleMap associates each declared layer with its rule kind. It is loaded
// once per run and immutable thereafter.
type RuleMap map[LayerKey]RuleKind

// Keys returns the layer keys of the rule map in sorted order.
func (m RuleMap) Keys() []LayerKey {
	keys := make([]LayerKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortLayerKeys(keys)
	return keys
}

// ProcessingMode is the single coherent mode derived from the whole rule
// set. A run has exactly one mode; it cannot vary per layer.
type ProcessingMode string

const (
	// ModeSkip applies when every rule is "none": no raster is touched.
	ModeSkip ProcessingMode = "skip"

	// ModeReplace applies when every rule is "replace".
	ModeReplace ProcessingMode = "replace"

	// ModeProportionalUniform applies when every rule is "pct".
	ModeProportionalUniform ProcessingMode = "pct-uniform"

	// ModeProportionalMixed applies to a mix of "pct" and "none". Standalone
	// "none" layers are skipped entirely; compositional "none" members
	// receive a 0% change and participate in renormalization, since the
	// group rebalance can legitimately move their values.
	ModeProportionalMixed ProcessingMode = "pct-mixed"

	// ModeInvalidMix marks any mixture containing "replace" together with
	// another kind. Classification fails before any raster I/O.
	ModeInvalidMix ProcessingMode = "invalid"
)

// Proportional reports whether the mode applies percentage changes.
func (m ProcessingMode) Proportional() bool {
	return m == ModeProportionalUniform || m == ModeProportionalMixed
}

// Zone is one polygon feature of the vector mask. Zones are read-only for
// the duration of a run. Their order in a slice is the vector source's
// feature order; it is part of the contract, not an accident: overlapping
// zones resolve last-zone-wins for replacement and cumulative sequential
// application for percentage changes.
type Zone struct {
	// Index is the zero-based feature index in the vector source.
	Index int

	// Geom is the zone's polygon footprint, immutable for the run.
	Geom geom.Polygonal

	// Attributes holds one numeric value per governed layer key, plus any
	// ancillary columns, keyed by uppercase column name.
	Attributes map[string]float64
}

// Attr returns the zone's attribute value for the given layer key. Missing
// or non-numeric source values surface as NaN with ok=false.
func (z *Zone) Attr(key LayerKey) (float64, bool) {
	v, ok := z.Attributes[string(key)]
	if !ok || math.IsNaN(v) {
		return math.NaN(), false
	}
	return v, true
}

// LayerRef is a raster layer declared by the rule set, resolved against the
// configured folders.
type LayerRef struct {
	// Key is the canonical layer key.
	Key LayerKey `json:"key"`

	// Rule is the rule kind governing this layer.
	Rule RuleKind `json:"rule"`

	// Path is the resolved on-disk path, empty when the file is missing.
	Path string `json:"path,omitempty"`

	// Missing is true when no raster file exists for the declared rule.
	Missing bool `json:"missing,omitempty"`
}

// Fraction reports whether the referenced layer is compositional.
func (l *LayerRef) Fraction() bool { return l.Key.IsFraction() }

// Plan is the evaluated run plan handed to policy gates before any raster
// is mutated.
type Plan struct {
	// ID is the run identifier.
	ID string `json:"id"`

	// Mode is the classified processing mode.
	Mode ProcessingMode `json:"mode"`

	// Layers are the declared layers in sorted key order.
	Layers []LayerRef `json:"layers"`

	// Zones are the zones of the vector mask in feature order.
	Zones []Zone `json:"-"`

	// ZoneAttributes exposes per-zone attribute values to policies.
	ZoneAttributes []map[string]float64 `json:"zone_attributes"`
}

// Gate is consulted with the evaluated plan after classification and
// validation, before application begins. A non-nil error aborts the run.
type Gate interface {
	Check(ctx context.Context, plan *Plan) error
}

// LayerStatus is the per-layer outcome of a run.
type LayerStatus string

const (
	LayerStatusSuccess LayerStatus = "success"
	LayerStatusSkipped LayerStatus = "skipped"
	LayerStatusFailed  LayerStatus = "failed"
)

// LayerResult describes what happened to one declared layer.
type LayerResult struct {
	// Key is the canonical layer key.
	Key LayerKey `json:"key"`

	// Status is the layer outcome.
	Status LayerStatus `json:"status"`

	// OutputPath is the written raster path, empty for skipped layers.
	OutputPath string `json:"output_path,omitempty"`

	// PixelsModified counts pixels whose value changed.
	PixelsModified int `json:"pixels_modified"`

	// Message carries the skip reason or failure description.
	Message string `json:"message,omitempty"`
}

// RunState is the orchestrator state machine position.
type RunState string

const (
	StateLoaded     RunState = "loaded"
	StateClassified RunState = "classified"
	StateValidated  RunState = "validated"
	StateApplied    RunState = "applied"
	StateWritten    RunState = "written"
	StateFailed     RunState = "failed"
)

// Warning is a non-fatal condition surfaced during a run, batched per
// (zone, layer) rather than per pixel.
type Warning struct {
	// Code is the condition code.
	Code Code `json:"code"`

	// Layer is the affected layer, if applicable.
	Layer LayerKey `json:"layer,omitempty"`

	// Zone is the affected zone index, or -1.
	Zone int `json:"zone"`

	// Count is the number of affected pixels.
	Count int `json:"count"`

	// Message is the human-readable description.
	Message string `json:"message"`
}

// RunResult is the final outcome of an orchestrated run.
type RunResult struct {
	// ID is the run identifier.
	ID string `json:"id"`

	// Mode is the classified processing mode.
	Mode ProcessingMode `json:"mode"`

	// State is the terminal state (written or failed).
	State RunState `json:"state"`

	// Layers holds per-layer results in sorted key order.
	Layers []LayerResult `json:"layers"`

	// Warnings are the non-fatal conditions of the run.
	Warnings []Warning `json:"warnings,omitempty"`

	// Err is the fatal error for failed runs.
	Err error `json:"-"`

	// StartedAt and CompletedAt bound the run.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Failed reports whether any layer failed or the run aborted.
func (r *RunResult) Failed() bool {
	if r.State == StateFailed || r.Err != nil {
		return true
	}
	for i := range r.Layers {
		if r.Layers[i].Status == LayerStatusFailed {
			return true
		}
	}
	return false
}

func sortLayerKeys(keys []LayerKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
