package geo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// RasterReader reads a single-band raster grid with its georeferencing
// metadata.
type RasterReader interface {
	Read(path string) (*Grid, error)
}

// RasterWriter writes a single-band raster grid with its georeferencing
// metadata.
type RasterWriter interface {
	Write(path string, g *Grid) error
}

// RasterStore combines raster reading and writing.
type RasterStore interface {
	RasterReader
	RasterWriter
}

// NetCDFStore reads and writes rasters as COARDS-style NetCDF files with one
// two-dimensional variable per file and the georeferencing carried as global
// attributes (crs, x0, y0, dx, dy, and optionally nodata).
type NetCDFStore struct{}

// NewNetCDFStore returns a raster store backed by NetCDF files.
func NewNetCDFStore() *NetCDFStore { return &NetCDFStore{} }

// Read loads the raster grid from a NetCDF file. The file must contain
// exactly one two-dimensional variable.
func (s *NetCDFStore) Read(path string) (*Grid, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: opening raster %s: %w", path, err)
	}
	defer fh.Close()

	f, err := cdf.Open(fh)
	if err != nil {
		return nil, fmt.Errorf("geo: reading raster %s: %w", path, err)
	}

	name, err := bandVariable(f)
	if err != nil {
		return nil, fmt.Errorf("geo: raster %s: %w", path, err)
	}
	dims := f.Header.Lengths(name)
	if len(dims) != 2 {
		return nil, fmt.Errorf("geo: raster %s: variable %s has %d dimensions, want 2",
			path, name, len(dims))
	}

	g := &Grid{Data: sparse.ZerosDense(dims...)}

	if crs, ok := f.Header.GetAttribute("", "crs").(string); ok {
		g.CRS = crs
	}
	g.Transform.X0 = floatAttr(f, "x0")
	g.Transform.Y0 = floatAttr(f, "y0")
	g.Transform.Dx = floatAttr(f, "dx")
	g.Transform.Dy = floatAttr(f, "dy")
	if nd, ok := f.Header.GetAttribute("", "nodata").([]float64); ok && len(nd) > 0 {
		g.Nodata = nd[0]
		g.NodataDefined = true
	}

	r := f.Reader(name, nil, nil)
	tmp := make([]float32, len(g.Data.Elements))
	if _, err := r.Read(tmp); err != nil {
		return nil, fmt.Errorf("geo: reading raster data %s: %w", path, err)
	}
	for i, v := range tmp {
		g.Data.Elements[i] = float64(v)
	}
	return g, nil
}

// Write stores the grid as a NetCDF file, creating parent directories on
// demand. The variable is named after the file's layer key.
func (s *NetCDFStore) Write(path string, g *Grid) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("geo: creating output folder: %w", err)
	}

	name := layerVarName(path)
	h := cdf.NewHeader([]string{"y", "x"}, []int{g.Ny(), g.Nx()})
	h.AddAttribute("", "crs", g.CRS)
	h.AddAttribute("", "x0", []float64{g.Transform.X0})
	h.AddAttribute("", "y0", []float64{g.Transform.Y0})
	h.AddAttribute("", "dx", []float64{g.Transform.Dx})
	h.AddAttribute("", "dy", []float64{g.Transform.Dy})
	if g.NodataDefined {
		h.AddAttribute("", "nodata", []float64{g.Nodata})
	}
	h.AddVariable(name, []string{"y", "x"}, []float32{0})
	h.Define()

	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("geo: creating raster %s: %w", path, err)
	}
	defer fh.Close()

	f, err := cdf.Create(fh, h)
	if err != nil {
		return fmt.Errorf("geo: writing raster header %s: %w", path, err)
	}

	data32 := make([]float32, len(g.Data.Elements))
	for i, v := range g.Data.Elements {
		data32[i] = float32(v)
	}
	end := f.Header.Lengths(name)
	start := make([]int, len(end))
	w := f.Writer(name, start, end)
	if _, err := w.Write(data32); err != nil {
		return fmt.Errorf("geo: writing raster data %s: %w", path, err)
	}
	if err := cdf.UpdateNumRecs(fh); err != nil {
		return fmt.Errorf("geo: finalizing raster %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a raster file is present at path.
func (s *NetCDFStore) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// bandVariable returns the single data variable of the file.
func bandVariable(f *cdf.File) (string, error) {
	vars := f.Header.Variables()
	if len(vars) != 1 {
		return "", fmt.Errorf("found %d variables, want exactly 1 band", len(vars))
	}
	return vars[0], nil
}

// floatAttr reads a scalar float64 global attribute, zero when absent.
func floatAttr(f *cdf.File, name string) float64 {
	if v, ok := f.Header.GetAttribute("", name).([]float64); ok && len(v) > 0 {
		return v[0]
	}
	return 0
}

// layerVarName derives the NetCDF variable name from the output filename.
func layerVarName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" {
		return "band"
	}
	return base
}
