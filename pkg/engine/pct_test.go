package engine

import (
	"math"
	"testing"
)

func TestApplyPctZeroPercentIsIdentity(t *testing.T) {
	values := []float64{0.1, 0.25, -9999, 0.8}
	g := gridOf(2, 2, values)
	zones := []MaskedValue{{Zone: 0, Mask: maskOf(1, 1, 1, 1), Value: 0}}

	_, _, err := ApplyPct(g, "IMD", zones, PctOptions{})
	if err != nil {
		t.Fatalf("ApplyPct() error: %v", err)
	}
	for i, w := range values {
		if math.Abs(g.Data.Elements[i]-w) > 1e-12 {
			t.Errorf("pixel %d = %v, want %v", i, g.Data.Elements[i], w)
		}
	}
}

func TestApplyPctScaling(t *testing.T) {
	g := gridOf(1, 2, []float64{0.4, 0.5})
	zones := []MaskedValue{{Zone: 0, Mask: maskOf(1, 0), Value: 50}}

	modified, _, err := ApplyPct(g, "IMD", zones, PctOptions{})
	if err != nil {
		t.Fatalf("ApplyPct() error: %v", err)
	}
	if modified != 1 {
		t.Errorf("modified = %d, want 1", modified)
	}
	if math.Abs(g.Data.Elements[0]-0.6) > 1e-12 {
		t.Errorf("pixel 0 = %v, want 0.6", g.Data.Elements[0])
	}
	if g.Data.Elements[1] != 0.5 {
		t.Errorf("uncovered pixel changed to %v", g.Data.Elements[1])
	}
}

func TestApplyPctMinusHundredYieldsZero(t *testing.T) {
	g := gridOf(1, 1, []float64{0.5})
	zones := []MaskedValue{{Zone: 0, Mask: maskOf(1), Value: -100}}

	_, _, err := ApplyPct(g, "IMD", zones, PctOptions{})
	if err != nil {
		t.Fatalf("ApplyPct() error: %v", err)
	}
	if g.Data.Elements[0] != 0 {
		t.Errorf("pixel = %v, want exactly 0", g.Data.Elements[0])
	}
}

func TestApplyPctZeroPreserve(t *testing.T) {
	g := gridOf(1, 2, []float64{0, 0.5})
	zones := []MaskedValue{{Zone: 3, Mask: maskOf(1, 1), Value: 50}}

	_, warnings, err := ApplyPct(g, "IMD", zones, PctOptions{ZeroHandling: ZeroPreserve})
	if err != nil {
		t.Fatalf("ApplyPct() error: %v", err)
	}
	if g.Data.Elements[0] != 0 {
		t.Errorf("zero pixel = %v, want 0", g.Data.Elements[0])
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %d, want 1 batched condition", len(warnings))
	}
	w := warnings[0]
	if w.Code != CodeUndefinedPctChange || w.Zone != 3 || w.Count != 1 {
		t.Errorf("warning = %+v, want UndefinedPctChange zone 3 count 1", w)
	}
}

func TestApplyPctZeroRaise(t *testing.T) {
	g := gridOf(1, 3, []float64{0, 0, 0.5})
	zones := []MaskedValue{{Zone: 2, Mask: maskOf(1, 1, 1), Value: 50}}

	_, _, err := ApplyPct(g, "F_AC", zones, PctOptions{ZeroHandling: ZeroRaise})
	if !HasCode(err, CodeUndefinedPctChange) {
		t.Fatalf("ApplyPct() error = %v, want %s", err, CodeUndefinedPctChange)
	}
}

func TestApplyPctCumulativeZones(t *testing.T) {
	// A pixel covered by two zones takes both factors sequentially:
	// 0.2 * 1.5 * 2.0 = 0.6, not some average of independent applications.
	g := gridOf(1, 1, []float64{0.2})
	zones := []MaskedValue{
		{Zone: 0, Mask: maskOf(1), Value: 50},
		{Zone: 1, Mask: maskOf(1), Value: 100},
	}

	_, _, err := ApplyPct(g, "IMD", zones, PctOptions{})
	if err != nil {
		t.Fatalf("ApplyPct() error: %v", err)
	}
	if math.Abs(g.Data.Elements[0]-0.6) > 1e-12 {
		t.Errorf("pixel = %v, want 0.6", g.Data.Elements[0])
	}
}

func TestApplyPctNodataPreserved(t *testing.T) {
	g := gridOf(1, 2, []float64{-9999, 0.5})
	zones := []MaskedValue{{Zone: 0, Mask: maskOf(1, 1), Value: 200}}

	_, _, err := ApplyPct(g, "IMD", zones, PctOptions{OutOfBounds: BoundsIgnore})
	if err != nil {
		t.Fatalf("ApplyPct() error: %v", err)
	}
	if g.Data.Elements[0] != -9999 {
		t.Errorf("nodata pixel = %v, want -9999", g.Data.Elements[0])
	}
}

func TestApplyPctOutOfBounds(t *testing.T) {
	zones := func() []MaskedValue {
		return []MaskedValue{{Zone: 0, Mask: maskOf(1, 1), Value: 100}}
	}

	t.Run("clip", func(t *testing.T) {
		g := gridOf(1, 2, []float64{0.8, 0.3})
		_, _, err := ApplyPct(g, "IMD", zones(), PctOptions{OutOfBounds: BoundsClip})
		if err != nil {
			t.Fatalf("ApplyPct() error: %v", err)
		}
		if g.Data.Elements[0] != 1 {
			t.Errorf("pixel 0 = %v, want clipped to 1", g.Data.Elements[0])
		}
		if math.Abs(g.Data.Elements[1]-0.6) > 1e-12 {
			t.Errorf("pixel 1 = %v, want 0.6", g.Data.Elements[1])
		}
	})

	t.Run("normalize preserves proportions", func(t *testing.T) {
		g := gridOf(1, 2, []float64{0.8, 0.4})
		_, _, err := ApplyPct(g, "IMD", zones(), PctOptions{OutOfBounds: BoundsNormalize})
		if err != nil {
			t.Fatalf("ApplyPct() error: %v", err)
		}
		// Doubled to 1.6 and 0.8, then scaled by 1/1.6.
		if math.Abs(g.Data.Elements[0]-1) > 1e-12 {
			t.Errorf("pixel 0 = %v, want 1", g.Data.Elements[0])
		}
		if math.Abs(g.Data.Elements[1]-0.5) > 1e-12 {
			t.Errorf("pixel 1 = %v, want 0.5", g.Data.Elements[1])
		}
		ratio := g.Data.Elements[0] / g.Data.Elements[1]
		if math.Abs(ratio-2) > 1e-12 {
			t.Errorf("proportions not preserved, ratio = %v", ratio)
		}
	})

	t.Run("ignore", func(t *testing.T) {
		g := gridOf(1, 1, []float64{0.8})
		_, _, err := ApplyPct(g, "IMD", zones(), PctOptions{OutOfBounds: BoundsIgnore})
		if err != nil {
			t.Fatalf("ApplyPct() error: %v", err)
		}
		if math.Abs(g.Data.Elements[0]-1.6) > 1e-12 {
			t.Errorf("pixel = %v, want 1.6 left as-is", g.Data.Elements[0])
		}
	})
}
