// Package geo provides the geospatial collaborator layer for zoneshift:
// single-band raster grids with no-data and georeferencing metadata, raster
// file I/O, vector mask loading, and polygon-to-grid rasterization.
package geo

import (
	"fmt"
	"math"

	"github.com/ctessum/sparse"
)

// Transform is the affine geotransform of a north-up grid: the world
// coordinates of the grid origin (outer corner of pixel (0,0)) plus signed
// cell sizes. Dy is negative for the usual top-left origin convention.
type Transform struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	Dx float64 `json:"dx"`
	Dy float64 `json:"dy"`
}

// CellCenter returns the world coordinates of the center of pixel
// (row, col).
func (t Transform) CellCenter(row, col int) (x, y float64) {
	return t.X0 + (float64(col)+0.5)*t.Dx, t.Y0 + (float64(row)+0.5)*t.Dy
}

// Grid is one single-band raster layer: a dense grid of values plus a
// no-data sentinel, a coordinate reference (Proj4 string) and a
// geotransform.
type Grid struct {
	// Data holds the values in row-major order with shape [ny, nx].
	Data *sparse.DenseArray

	// Nodata is the reserved sentinel marking pixels outside valid
	// coverage. Only meaningful when NodataDefined is true.
	Nodata float64

	// NodataDefined reports whether the source declared a no-data value.
	NodataDefined bool

	// CRS is the coordinate reference system as a Proj4 string.
	CRS string

	// Transform is the affine geotransform.
	Transform Transform
}

// NewGrid allocates a zero-filled grid of the given shape.
func NewGrid(ny, nx int) *Grid {
	return &Grid{Data: sparse.ZerosDense(ny, nx)}
}

// Ny returns the number of rows.
func (g *Grid) Ny() int { return g.Data.Shape[0] }

// Nx returns the number of columns.
func (g *Grid) Nx() int { return g.Data.Shape[1] }

// IsNodata reports whether v equals the grid's no-data sentinel. A NaN
// sentinel matches NaN values.
func (g *Grid) IsNodata(v float64) bool {
	if !g.NodataDefined {
		return false
	}
	if math.IsNaN(g.Nodata) {
		return math.IsNaN(v)
	}
	return v == g.Nodata
}

// NodataCount counts the pixels carrying the no-data sentinel.
func (g *Grid) NodataCount() int {
	if !g.NodataDefined {
		return 0
	}
	n := 0
	for _, v := range g.Data.Elements {
		if g.IsNodata(v) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	c := *g
	c.Data = g.Data.Copy()
	return &c
}

// SameShape reports whether two grids have identical dimensions.
func (g *Grid) SameShape(o *Grid) bool {
	return g.Ny() == o.Ny() && g.Nx() == o.Nx()
}

// CheckShape returns an error when the grid dimensions differ from the
// expected shape.
func (g *Grid) CheckShape(ny, nx int) error {
	if g.Ny() != ny || g.Nx() != nx {
		return fmt.Errorf("geo: grid shape [%d %d] does not match expected [%d %d]",
			g.Ny(), g.Nx(), ny, nx)
	}
	return nil
}

// Mask is a boolean grid aligned to a raster's shape in row-major order,
// true where a zone's polygon covers the pixel center. Masks are derived,
// ephemeral, and never persisted.
type Mask []bool

// Any reports whether the mask covers at least one pixel.
func (m Mask) Any() bool {
	for _, b := range m {
		if b {
			return true
		}
	}
	return false
}

// Count returns the number of covered pixels.
func (m Mask) Count() int {
	n := 0
	for _, b := range m {
		if b {
			n++
		}
	}
	return n
}
