package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/ctessum/geom"
	"github.com/rs/zerolog"

	"github.com/zoneshift/zoneshift/pkg/geo"
)

// fullMasker covers every pixel regardless of geometry, so orchestrator
// tests can focus on sequencing without real polygons.
type fullMasker struct{}

func (fullMasker) MaskFor(_ geom.Polygonal, ny, nx int, _ geo.Transform) geo.Mask {
	m := make(geo.Mask, ny*nx)
	for i := range m {
		m[i] = true
	}
	return m
}

type denyGate struct{ err error }

func (g denyGate) Check(_ context.Context, _ *Plan) error { return g.err }

func testVector(attrs ...map[string]float64) *geo.VectorLayer {
	v := &geo.VectorLayer{SRText: "local"}
	for _, a := range attrs {
		v.Features = append(v.Features, geo.Feature{Attributes: a})
	}
	return v
}

func storeWith(t *testing.T, layers map[string][]float64) *geo.MemStore {
	t.Helper()
	store := geo.NewMemStore()
	for path, values := range layers {
		g := gridOf(2, 2, values)
		g.CRS = "local"
		if err := store.Write(path, g); err != nil {
			t.Fatalf("seeding %s: %v", path, err)
		}
	}
	return store
}

func newTestOrchestrator(store *geo.MemStore, gate Gate) *Orchestrator {
	return NewOrchestrator(store, fullMasker{}, gate, zerolog.Nop(), Options{
		UCPDir:       "ucp",
		FractionsDir: "frac",
		OutputDir:    "out",
	})
}

func TestRunReplaceMode(t *testing.T) {
	store := storeWith(t, map[string][]float64{
		"ucp/IMD.nc": {0.1, 0.2, -9999, 0.4},
		"ucp/BSF.nc": {0.1, 0.1, 0.1, -9999},
	})
	o := newTestOrchestrator(store, nil)

	res := o.Run(context.Background(), RuleMap{
		"IMD": RuleReplace,
		"BSF": RuleReplace,
	}, testVector(map[string]float64{"IMD": 0.8, "BSF": 0.4}))

	if res.Failed() {
		t.Fatalf("run failed: %v", res.Err)
	}
	if res.Mode != ModeReplace || res.State != StateWritten {
		t.Fatalf("mode=%s state=%s, want replace/written", res.Mode, res.State)
	}
	for _, lr := range res.Layers {
		if lr.Status != LayerStatusSuccess {
			t.Errorf("layer %s status %s: %s", lr.Key, lr.Status, lr.Message)
		}
	}

	out, err := store.Read("out/IMD_mask.nc")
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	want := []float64{0.8, 0.8, -9999, 0.8}
	for i, w := range want {
		if out.Data.Elements[i] != w {
			t.Errorf("IMD pixel %d = %v, want %v", i, out.Data.Elements[i], w)
		}
	}
	if !store.Exists("out/BSF_mask.nc") {
		t.Error("BSF output missing")
	}
}

func TestRunRuleConflict(t *testing.T) {
	store := storeWith(t, map[string][]float64{
		"ucp/IMD.nc": {0.1, 0.2, 0.3, 0.4},
		"ucp/BSF.nc": {0.1, 0.1, 0.1, 0.1},
	})
	o := newTestOrchestrator(store, nil)

	res := o.Run(context.Background(), RuleMap{
		"IMD": RuleReplace,
		"BSF": RulePct,
	}, testVector(map[string]float64{"IMD": 0.8}))

	if !res.Failed() || !IsRuleConflict(res.Err) {
		t.Fatalf("err = %v, want rule conflict", res.Err)
	}
	if res.Mode != ModeInvalidMix {
		t.Errorf("mode = %s, want invalid", res.Mode)
	}
	for _, p := range store.Paths() {
		if strings.HasPrefix(p, "out/") {
			t.Errorf("output %s written despite conflict", p)
		}
	}
}

func TestRunMissingLayerSkipped(t *testing.T) {
	store := storeWith(t, map[string][]float64{
		"ucp/IMD.nc": {0.1, 0.2, 0.3, 0.4},
	})
	o := newTestOrchestrator(store, nil)

	res := o.Run(context.Background(), RuleMap{
		"IMD": RulePct,
		"TRV": RulePct,
	}, testVector(map[string]float64{"IMD": 50, "TRV": 50}))

	if res.Failed() {
		t.Fatalf("run failed: %v", res.Err)
	}
	var warned bool
	for _, w := range res.Warnings {
		if w.Code == CodeMissingLayer && w.Layer == "TRV" {
			warned = true
		}
	}
	if !warned {
		t.Errorf("warnings = %v, want MissingLayer for TRV", res.Warnings)
	}
	var trv *LayerResult
	for i := range res.Layers {
		if res.Layers[i].Key == "TRV" {
			trv = &res.Layers[i]
		}
	}
	if trv == nil || trv.Status != LayerStatusSkipped {
		t.Fatalf("TRV result = %+v, want skipped", trv)
	}
	if !store.Exists("out/IMD_pct.nc") {
		t.Error("present layer was not processed")
	}
}

func TestRunCrsMismatch(t *testing.T) {
	store := geo.NewMemStore()
	g := gridOf(2, 2, []float64{0.1, 0.2, 0.3, 0.4})
	g.CRS = "utm31"
	if err := store.Write("ucp/IMD.nc", g); err != nil {
		t.Fatal(err)
	}
	o := newTestOrchestrator(store, nil)

	res := o.Run(context.Background(), RuleMap{"IMD": RulePct},
		testVector(map[string]float64{"IMD": 50}))

	if !res.Failed() || !IsCrsMismatch(res.Err) {
		t.Fatalf("err = %v, want CRS mismatch", res.Err)
	}
	if store.Exists("out/IMD_pct.nc") {
		t.Error("output written despite CRS mismatch")
	}
}

func TestRunSkipMode(t *testing.T) {
	store := storeWith(t, map[string][]float64{
		"ucp/IMD.nc": {0.1, 0.2, 0.3, 0.4},
	})
	o := newTestOrchestrator(store, nil)

	res := o.Run(context.Background(), RuleMap{"IMD": RuleNone}, testVector())

	if res.Failed() || res.Mode != ModeSkip {
		t.Fatalf("mode=%s err=%v, want clean skip", res.Mode, res.Err)
	}
	if len(res.Layers) != 1 || res.Layers[0].Status != LayerStatusSkipped {
		t.Errorf("layers = %+v, want one skipped", res.Layers)
	}
	if store.Exists("out/IMD_pct.nc") || store.Exists("out/IMD_mask.nc") {
		t.Error("skip mode produced output")
	}
}

func TestRunMixedModeGroup(t *testing.T) {
	store := storeWith(t, map[string][]float64{
		"frac/F_AC.nc": {0.5, 0.5, 0.5, 0.5},
		"frac/F_AI.nc": {0.3, 0.3, 0.3, 0.3},
		"frac/F_AH.nc": {0.2, 0.2, 0.2, 0.2},
	})
	o := newTestOrchestrator(store, nil)

	res := o.Run(context.Background(), RuleMap{
		"F_AC": RulePct,
		"F_AI": RulePct,
		"F_AH": RuleNone,
	}, testVector(map[string]float64{"F_AC": 50, "F_AI": -50}))

	if res.Failed() {
		t.Fatalf("run failed: %v", res.Err)
	}
	if res.Mode != ModeProportionalMixed {
		t.Fatalf("mode = %s, want pct-mixed", res.Mode)
	}

	// Raw changes: 0.75, 0.15, 0.2 (none member untouched before rebalance),
	// sum 1.1, so each member divides by 1.1.
	read := func(path string) float64 {
		t.Helper()
		g, err := store.Read(path)
		if err != nil {
			t.Fatalf("reading %s: %v", path, err)
		}
		return g.Data.Elements[0]
	}
	ac := read("out/F_AC_pct.nc")
	ai := read("out/F_AI_pct.nc")
	ah := read("out/F_AH_pct.nc")
	if math.Abs(ac-0.75/1.1) > 1e-9 || math.Abs(ai-0.15/1.1) > 1e-9 || math.Abs(ah-0.2/1.1) > 1e-9 {
		t.Errorf("rebalanced values = %v %v %v", ac, ai, ah)
	}
	if s := ac + ai + ah; math.Abs(s-1) > 1e-6 {
		t.Errorf("group sum = %v, want 1", s)
	}
}

func TestRunReplaceValidationFailure(t *testing.T) {
	store := storeWith(t, map[string][]float64{
		"ucp/IMD.nc": {0.1, 0.2, 0.3, 0.4},
	})
	o := newTestOrchestrator(store, nil)

	res := o.Run(context.Background(), RuleMap{"IMD": RuleReplace},
		testVector(map[string]float64{"IMD": 1.4}))

	if !res.Failed() || !HasCode(res.Err, CodeOutOfRangeAttribute) {
		t.Fatalf("err = %v, want out-of-range attribute", res.Err)
	}
	if store.Exists("out/IMD_mask.nc") {
		t.Error("output written despite validation failure")
	}
}

func TestRunReplaceValidatesDeclaredKeys(t *testing.T) {
	// F_AC is declared but has no raster on disk. Its attribute still
	// belongs to the compositional sum, so 0.3 + 0.7 = 1 and the run must
	// not fail with a fraction-sum mismatch over the present layers alone.
	store := storeWith(t, map[string][]float64{
		"frac/F_BU.nc": {0.5, 0.5, 0.5, 0.5},
	})
	o := newTestOrchestrator(store, nil)

	res := o.Run(context.Background(), RuleMap{
		"F_AC": RuleReplace,
		"F_BU": RuleReplace,
	}, testVector(map[string]float64{"F_AC": 0.3, "F_BU": 0.7}))

	if res.Failed() {
		t.Fatalf("run failed: %v", res.Err)
	}
	var warned bool
	for _, w := range res.Warnings {
		if w.Code == CodeMissingLayer && w.Layer == "F_AC" {
			warned = true
		}
	}
	if !warned {
		t.Errorf("warnings = %v, want MissingLayer for F_AC", res.Warnings)
	}
	if !store.Exists("out/F_BU_mask.nc") {
		t.Error("present layer was not processed")
	}

	out, err := store.Read("out/F_BU_mask.nc")
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	for i, v := range out.Data.Elements {
		if v != 0.7 {
			t.Errorf("F_BU pixel %d = %v, want 0.7", i, v)
		}
	}
}

func TestRunPolicyDenied(t *testing.T) {
	store := storeWith(t, map[string][]float64{
		"ucp/IMD.nc": {0.1, 0.2, 0.3, 0.4},
	})
	gateErr := errors.New("pct magnitude above limit")
	o := newTestOrchestrator(store, denyGate{err: gateErr})

	res := o.Run(context.Background(), RuleMap{"IMD": RulePct},
		testVector(map[string]float64{"IMD": 500}))

	if !res.Failed() || !HasCode(res.Err, CodePolicyDenied) {
		t.Fatalf("err = %v, want policy denial", res.Err)
	}
	if !errors.Is(res.Err, gateErr) {
		t.Errorf("gate cause lost from %v", res.Err)
	}
}
