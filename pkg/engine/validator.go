package engine

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultSumTolerance is the absolute tolerance for compositional group
// sums.
const DefaultSumTolerance = 1e-6

// Validator checks per-zone attribute values against the numeric and
// logical constraints of Replace mode. Validation is all-or-nothing: the
// first violation aborts the run before any raster is mutated.
type Validator struct {
	// Tolerance is the absolute tolerance for fraction sums. Zero means
	// DefaultSumTolerance.
	Tolerance float64
}

// Validate checks every zone against every replace-governed layer key.
//
// Constraints, in detection order per zone:
//  1. every attribute bound to a replace rule is finite and in [0, 1];
//  2. when both the impervious density and the building surface fraction
//     attributes are present, the former is >= the latter;
//  3. the compositional attribute values sum to 1 within tolerance.
func (v *Validator) Validate(zones []Zone, keys []LayerKey) error {
	tol := v.Tolerance
	if tol == 0 {
		tol = DefaultSumTolerance
	}

	for zi := range zones {
		zone := &zones[zi]

		fractions := make([]float64, 0, len(keys))
		for _, key := range keys {
			val, ok := zone.Attr(key)
			if !ok {
				return Newf(CodeOutOfRangeAttribute,
					"attribute is missing or not numeric").
					WithLayer(key).WithZone(zone.Index)
			}
			if math.IsInf(val, 0) || val < 0 || val > 1 {
				return Newf(CodeOutOfRangeAttribute,
					"attribute value %v outside [0,1]", val).
					WithLayer(key).WithZone(zone.Index).
					WithDetail("value", val)
			}
			if key.IsFraction() {
				fractions = append(fractions, val)
			}
		}

		imd, imdOK := zone.Attr(KeyImperviousDensity)
		bsf, bsfOK := zone.Attr(KeyBuildingFraction)
		if imdOK && bsfOK && imd < bsf {
			return Newf(CodeLogicalInconsistency,
				"impervious density %v < building surface fraction %v", imd, bsf).
				WithZone(zone.Index).
				WithDetail("imd", imd).WithDetail("bsf", bsf)
		}

		if len(fractions) > 0 {
			sum := floats.Sum(fractions)
			if math.Abs(sum-1) > tol {
				return Newf(CodeFractionSumMismatch,
					"fraction attributes sum to %v, want 1", sum).
					WithZone(zone.Index).
					WithDetail("sum", sum)
			}
		}
	}
	return nil
}
