package engine

import (
	"github.com/zoneshift/zoneshift/pkg/geo"
)

// ZeroHandling governs pixels whose value is exactly zero before a
// percentage change: a multiplicative change on zero is undefined as a
// relative operation.
type ZeroHandling string

const (
	// ZeroPreserve leaves zero pixels at zero regardless of the factor.
	ZeroPreserve ZeroHandling = "preserve"

	// ZeroRaise aborts with an UndefinedPercentageChange condition, one per
	// (zone, layer) with the affected pixel count.
	ZeroRaise ZeroHandling = "raise"
)

// OutOfBounds governs post-change values outside the configured valid
// range.
type OutOfBounds string

const (
	// BoundsClip truncates out-of-range values to the range bounds.
	BoundsClip OutOfBounds = "clip"

	// BoundsNormalize rescales each zone's touched values so the maximum
	// fits in range while preserving relative proportions.
	BoundsNormalize OutOfBounds = "normalize"

	// BoundsIgnore leaves out-of-range values as-is.
	BoundsIgnore OutOfBounds = "ignore"
)

// PctOptions configures the proportional-change engine's edge-case
// policies.
type PctOptions struct {
	// ZeroHandling is the zero-pixel policy; default ZeroPreserve.
	ZeroHandling ZeroHandling

	// OutOfBounds is the out-of-range policy; default BoundsClip.
	OutOfBounds OutOfBounds

	// Lower and Upper bound the valid output range; default [0, 1].
	Lower, Upper float64
}

// withDefaults fills unset policy fields.
func (o PctOptions) withDefaults() PctOptions {
	if o.ZeroHandling == "" {
		o.ZeroHandling = ZeroPreserve
	}
	if o.OutOfBounds == "" {
		o.OutOfBounds = BoundsClip
	}
	if o.Lower == 0 && o.Upper == 0 {
		o.Upper = 1
	}
	return o
}

// ApplyPct scales the grid's pixels inside each zone mask by
// (1 + pct/100), in the given zone order. A pixel covered by several zones
// receives cumulative sequential application: each zone's factor applies to
// the value already updated by the zones before it. No-data pixels are
// never modified.
//
// The grid is modified in place. The returned warnings carry a
// per-(zone, layer) UndefinedPercentageChange count under ZeroPreserve;
// under ZeroRaise the first affected zone aborts with an error instead.
func ApplyPct(g *geo.Grid, key LayerKey, zones []MaskedValue, opts PctOptions) (int, []Warning, error) {
	opts = opts.withDefaults()

	touched := make(geo.Mask, len(g.Data.Elements))
	modified := 0
	var warnings []Warning

	for _, zv := range zones {
		factor := 1 + zv.Value/100

		// Zero pixels first: a factor cannot move them, so they are either
		// preserved silently or reported as a batch condition.
		zeroCount := 0
		for i, covered := range zv.Mask {
			if covered && g.Data.Elements[i] == 0 && !g.IsNodata(g.Data.Elements[i]) {
				zeroCount++
			}
		}
		if zeroCount > 0 {
			if opts.ZeroHandling == ZeroRaise {
				return modified, warnings, Newf(CodeUndefinedPctChange,
					"%d zero-valued pixels cannot take a percentage change", zeroCount).
					WithLayer(key).WithZone(zv.Zone).
					WithDetail("pixels", zeroCount)
			}
			warnings = append(warnings, Warning{
				Code:    CodeUndefinedPctChange,
				Layer:   key,
				Zone:    zv.Zone,
				Count:   zeroCount,
				Message: "zero-valued pixels preserved under percentage change",
			})
		}

		for i, covered := range zv.Mask {
			if !covered {
				continue
			}
			old := g.Data.Elements[i]
			if g.IsNodata(old) {
				continue
			}
			touched[i] = true
			nv := old * factor
			if nv != old {
				modified++
			}
			g.Data.Elements[i] = nv
		}

		if opts.OutOfBounds == BoundsNormalize {
			normalizeZone(g, zv.Mask, opts)
		}
	}

	if opts.OutOfBounds == BoundsClip {
		for i, was := range touched {
			if !was {
				continue
			}
			if g.Data.Elements[i] > opts.Upper {
				g.Data.Elements[i] = opts.Upper
			} else if g.Data.Elements[i] < opts.Lower {
				g.Data.Elements[i] = opts.Lower
			}
		}
	}

	return modified, warnings, nil
}

// normalizeZone rescales a zone's touched values so the maximum fits the
// upper bound while preserving relative proportions. A proportional rescale
// cannot repair values below the lower bound, so those are clipped after
// scaling.
func normalizeZone(g *geo.Grid, mask geo.Mask, opts PctOptions) {
	max := opts.Upper
	for i, covered := range mask {
		if covered && !g.IsNodata(g.Data.Elements[i]) && g.Data.Elements[i] > max {
			max = g.Data.Elements[i]
		}
	}
	scale := 1.0
	if max > opts.Upper {
		scale = opts.Upper / max
	}
	for i, covered := range mask {
		if !covered || g.IsNodata(g.Data.Elements[i]) {
			continue
		}
		v := g.Data.Elements[i] * scale
		if v < opts.Lower {
			v = opts.Lower
		}
		g.Data.Elements[i] = v
	}
}
