package geo

import (
	"testing"

	"github.com/ctessum/geom"
)

// topLeft is a 4x4 unit-cell grid with the usual top-left origin.
var topLeft = Transform{X0: 0, Y0: 4, Dx: 1, Dy: -1}

func square(x0, y0, x1, y1 float64) geom.Polygon {
	return geom.Polygon{{
		{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1},
	}}
}

func maskString(m Mask, ny, nx int) string {
	s := make([]byte, 0, ny*(nx+1))
	for r := 0; r < ny; r++ {
		for c := 0; c < nx; c++ {
			if m[r*nx+c] {
				s = append(s, '#')
			} else {
				s = append(s, '.')
			}
		}
		s = append(s, '\n')
	}
	return string(s)
}

func TestRasterizeSquare(t *testing.T) {
	m := Rasterize(square(1, 1, 3, 3), 4, 4, topLeft)

	want := "" +
		"....\n" +
		".##.\n" +
		".##.\n" +
		"....\n"
	if got := maskString(m, 4, 4); got != want {
		t.Errorf("mask:\n%swant:\n%s", got, want)
	}
	if m.Count() != 4 {
		t.Errorf("Count() = %d, want 4", m.Count())
	}
}

func TestRasterizeSharedEdge(t *testing.T) {
	// Two zones meeting at x=2 must partition the pixels: a center is
	// claimed by exactly one side under the half-open span rule.
	left := Rasterize(square(0, 0, 2, 4), 4, 4, topLeft)
	right := Rasterize(square(2, 0, 4, 4), 4, 4, topLeft)

	for i := range left {
		if left[i] && right[i] {
			t.Fatalf("pixel %d claimed by both zones", i)
		}
		if !left[i] && !right[i] {
			t.Fatalf("pixel %d claimed by neither zone", i)
		}
	}
	if left.Count() != 8 || right.Count() != 8 {
		t.Errorf("counts = %d, %d, want 8 each", left.Count(), right.Count())
	}
}

func TestRasterizeHole(t *testing.T) {
	donut := geom.Polygon{
		square(0, 0, 4, 4)[0],
		square(1, 1, 3, 3)[0],
	}
	m := Rasterize(donut, 4, 4, topLeft)

	want := "" +
		"####\n" +
		"#..#\n" +
		"#..#\n" +
		"####\n"
	if got := maskString(m, 4, 4); got != want {
		t.Errorf("mask:\n%swant:\n%s", got, want)
	}
}

func TestRasterizeMultiPolygon(t *testing.T) {
	mp := geom.MultiPolygon{square(0, 3, 1, 4), square(3, 0, 4, 1)}
	m := Rasterize(mp, 4, 4, topLeft)

	if !m[0] || !m[15] {
		t.Errorf("expected opposite corners covered, got:\n%s", maskString(m, 4, 4))
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}
}

func TestRasterizeOutsideGrid(t *testing.T) {
	m := Rasterize(square(10, 10, 12, 12), 4, 4, topLeft)
	if m.Any() {
		t.Errorf("polygon outside the grid covered pixels:\n%s", maskString(m, 4, 4))
	}
}

func TestRasterizeNilGeometry(t *testing.T) {
	m := Rasterize(nil, 2, 2, topLeft)
	if len(m) != 4 || m.Any() {
		t.Errorf("nil geometry mask = %v, want empty 2x2", m)
	}
}
