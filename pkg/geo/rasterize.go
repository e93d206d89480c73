package geo

import (
	"math"
	"sort"

	"github.com/ctessum/geom"
)

// Rasterize converts a polygonal geometry into a boolean pixel mask aligned
// to a grid of shape [ny, nx] under the given geotransform. A pixel is
// covered when its center lies inside the polygon under the even-odd rule,
// so zones sharing an edge never claim the same pixel twice. No resampling
// takes place; the mask is in the raster's own grid.
func Rasterize(p geom.Polygonal, ny, nx int, tr Transform) Mask {
	mask := make(Mask, ny*nx)
	if p == nil {
		return mask
	}
	for _, poly := range p.Polygons() {
		bounds := poly.Bounds()
		if bounds == nil {
			continue
		}
		r0, r1 := rowRange(bounds, ny, tr)
		for row := r0; row <= r1; row++ {
			_, y := tr.CellCenter(row, 0)
			crossings := scanline(poly, y)
			if len(crossings) < 2 {
				continue
			}
			// Even-odd fill between sorted crossing pairs.
			for i := 0; i+1 < len(crossings); i += 2 {
				c0 := colFor(crossings[i], nx, tr, true)
				c1 := colFor(crossings[i+1], nx, tr, false)
				for col := c0; col <= c1; col++ {
					if col >= 0 && col < nx {
						mask[row*nx+col] = true
					}
				}
			}
		}
	}
	return mask
}

// scanline returns the sorted x coordinates where the horizontal line at y
// crosses the polygon's ring edges, using the half-open vertical interval
// rule so vertices are not counted twice.
func scanline(poly geom.Polygon, y float64) []float64 {
	var xs []float64
	for _, ring := range poly {
		n := len(ring)
		if n < 3 {
			continue
		}
		for i := 0; i < n; i++ {
			a := ring[i]
			b := ring[(i+1)%n]
			if (a.Y <= y) == (b.Y <= y) {
				continue
			}
			t := (y - a.Y) / (b.Y - a.Y)
			xs = append(xs, a.X+t*(b.X-a.X))
		}
	}
	sort.Float64s(xs)
	return xs
}

// rowRange clips the polygon's vertical extent to grid rows.
func rowRange(b *geom.Bounds, ny int, tr Transform) (int, int) {
	// Rows run from Y0 in steps of Dy (Dy < 0 for top-left origin grids).
	rowOf := func(y float64) float64 { return (y - tr.Y0) / tr.Dy }
	ra, rb := rowOf(b.Min.Y), rowOf(b.Max.Y)
	if ra > rb {
		ra, rb = rb, ra
	}
	r0 := int(ra) - 1
	r1 := int(rb) + 1
	if r0 < 0 {
		r0 = 0
	}
	if r1 >= ny {
		r1 = ny - 1
	}
	return r0, r1
}

// colFor maps a crossing x coordinate to the first (lower=true) or last
// column whose center falls inside the half-open span. Column c has center
// X0 + (c+0.5)*Dx.
func colFor(x float64, nx int, tr Transform, lower bool) int {
	f := (x-tr.X0)/tr.Dx - 0.5
	if lower {
		// First column with center >= x.
		return int(math.Ceil(f))
	}
	// Last column with center < x. When x falls exactly on a center,
	// Ceil(f) == f and the center is excluded, matching the half-open span.
	return int(math.Ceil(f)) - 1
}
