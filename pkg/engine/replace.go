package engine

import (
	"github.com/zoneshift/zoneshift/pkg/geo"
)

// MaskedValue pairs a zone's pixel mask over a raster with the scalar that
// parameterizes the transformation there: the replacement value for
// RuleReplace, the percentage for RulePct.
type MaskedValue struct {
	// Zone is the source zone index, for condition reporting.
	Zone int

	// Mask covers the zone's pixels on the target grid.
	Mask geo.Mask

	// Value is the zone's attribute value for the layer.
	Value float64
}

// ApplyReplace overwrites the grid's pixels inside each zone mask with the
// zone's replacement value, in the given zone order. On overlap the last
// zone wins. Pixels equal to the no-data sentinel are never overwritten,
// regardless of coverage; pixels touched by no zone are left unchanged.
//
// The engine performs no clamping: replacement values are guaranteed to lie
// in [0, 1] by prior validation.
//
// The grid is modified in place; the number of changed pixels is returned.
// A pixel rewritten by several overlapping zones counts once, and only when
// its final value differs from its original value.
func ApplyReplace(g *geo.Grid, zones []MaskedValue) int {
	touched := make(geo.Mask, len(g.Data.Elements))
	orig := make(map[int]float64)
	for _, zv := range zones {
		for i, covered := range zv.Mask {
			if !covered {
				continue
			}
			old := g.Data.Elements[i]
			if g.IsNodata(old) {
				continue
			}
			if !touched[i] {
				touched[i] = true
				orig[i] = old
			}
			g.Data.Elements[i] = zv.Value
		}
	}

	modified := 0
	for i, was := range touched {
		if was && g.Data.Elements[i] != orig[i] {
			modified++
		}
	}
	return modified
}
