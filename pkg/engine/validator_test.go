package engine

import (
	"errors"
	"math"
	"testing"
)

func testZone(index int, attrs map[string]float64) Zone {
	return Zone{Index: index, Attributes: attrs}
}

func TestValidateOK(t *testing.T) {
	zones := []Zone{
		testZone(0, map[string]float64{
			"IMD": 0.6, "BSF": 0.3,
			"F_AC": 0.2, "F_BU": 0.5, "F_WA": 0.3,
		}),
		testZone(1, map[string]float64{
			"IMD": 1.0, "BSF": 1.0,
			"F_AC": 0.0, "F_BU": 1.0, "F_WA": 0.0,
		}),
	}
	keys := []LayerKey{"IMD", "BSF", "F_AC", "F_BU", "F_WA"}

	v := &Validator{}
	if err := v.Validate(zones, keys); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidateOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		value float64
	}{
		{"negative", -0.1},
		{"above one", 1.5},
		{"NaN", math.NaN()},
		{"infinite", math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zones := []Zone{testZone(0, map[string]float64{"IMD": tt.value})}
			v := &Validator{}
			err := v.Validate(zones, []LayerKey{"IMD"})
			if !HasCode(err, CodeOutOfRangeAttribute) {
				t.Errorf("Validate() error = %v, want %s", err, CodeOutOfRangeAttribute)
			}
		})
	}
}

func TestValidateMissingAttribute(t *testing.T) {
	zones := []Zone{testZone(0, map[string]float64{"IMD": 0.5})}
	v := &Validator{}
	err := v.Validate(zones, []LayerKey{"IMD", "BSF"})
	if !HasCode(err, CodeOutOfRangeAttribute) {
		t.Errorf("Validate() error = %v, want %s", err, CodeOutOfRangeAttribute)
	}
}

func TestValidateDensityInconsistency(t *testing.T) {
	zones := []Zone{
		testZone(0, map[string]float64{"IMD": 0.2, "BSF": 0.4}),
	}
	v := &Validator{}
	err := v.Validate(zones, []LayerKey{"IMD", "BSF"})
	if !HasCode(err, CodeLogicalInconsistency) {
		t.Errorf("Validate() error = %v, want %s", err, CodeLogicalInconsistency)
	}
}

func TestValidateFractionSum(t *testing.T) {
	// A crafted sum of 0.97 must fail; a sum within tolerance must pass.
	bad := []Zone{
		testZone(0, map[string]float64{"F_AC": 0.5, "F_BU": 0.47}),
	}
	v := &Validator{}
	err := v.Validate(bad, []LayerKey{"F_AC", "F_BU"})
	if !HasCode(err, CodeFractionSumMismatch) {
		t.Errorf("Validate() error = %v, want %s", err, CodeFractionSumMismatch)
	}

	good := []Zone{
		testZone(0, map[string]float64{"F_AC": 0.5, "F_BU": 0.5 + 5e-7}),
	}
	if err := v.Validate(good, []LayerKey{"F_AC", "F_BU"}); err != nil {
		t.Errorf("Validate() should accept sums within tolerance, got %v", err)
	}
}

func TestValidateStopsAtFirstViolation(t *testing.T) {
	// Zone 0 is fine, zone 1 violates the range check before zone 2's sum
	// mismatch could be seen. All-or-nothing: the first violation aborts.
	zones := []Zone{
		testZone(0, map[string]float64{"F_AC": 1.0}),
		testZone(1, map[string]float64{"F_AC": 2.0}),
		testZone(2, map[string]float64{"F_AC": 0.5}),
	}
	v := &Validator{}
	err := v.Validate(zones, []LayerKey{"F_AC"})
	if !HasCode(err, CodeOutOfRangeAttribute) {
		t.Fatalf("Validate() error = %v, want %s", err, CodeOutOfRangeAttribute)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected a classified engine error")
	}
	if e.Zone != 1 {
		t.Errorf("violation zone = %d, want 1", e.Zone)
	}
}
