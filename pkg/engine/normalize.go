package engine

import (
	"gonum.org/v1/gonum/floats"

	"github.com/zoneshift/zoneshift/pkg/geo"
)

// NormalizeGroup rebalances a compositional group of co-located layers so
// that every pixel's values across the group sum to 1. It is invoked once
// per group, after all per-layer changes in the group have been applied.
//
// A pixel marked no-data in any member layer is excluded: every member
// carries its value through unchanged there. A pixel whose sum across the
// group is exactly zero is left unchanged and reported as a single
// ZeroSumPixel warning with the affected count, never a fatal error.
//
// All member grids must share one shape; they are modified in place.
func NormalizeGroup(keys []LayerKey, grids map[LayerKey]*geo.Grid) ([]Warning, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ref := grids[keys[0]]
	if ref == nil {
		return nil, Newf(CodeInternal, "group member %s has no grid", keys[0]).WithLayer(keys[0])
	}
	for _, key := range keys[1:] {
		g := grids[key]
		if g == nil {
			return nil, Newf(CodeInternal, "group member %s has no grid", key).WithLayer(key)
		}
		if !g.SameShape(ref) {
			return nil, Newf(CodeInternal,
				"group member %s shape [%d %d] does not match [%d %d]",
				key, g.Ny(), g.Nx(), ref.Ny(), ref.Nx()).WithLayer(key)
		}
	}

	npix := len(ref.Data.Elements)
	values := make([]float64, len(keys))
	zeroSum := 0

	for i := 0; i < npix; i++ {
		nodata := false
		for ki, key := range keys {
			v := grids[key].Data.Elements[i]
			if grids[key].IsNodata(v) {
				nodata = true
				break
			}
			values[ki] = v
		}
		if nodata {
			continue
		}
		sum := floats.Sum(values)
		if sum == 0 {
			zeroSum++
			continue
		}
		for _, key := range keys {
			grids[key].Data.Elements[i] /= sum
		}
	}

	var warnings []Warning
	if zeroSum > 0 {
		warnings = append(warnings, Warning{
			Code:    CodeZeroSumPixel,
			Zone:    -1,
			Count:   zeroSum,
			Message: "pixels with zero group sum left unnormalized",
		})
	}
	return warnings, nil
}
