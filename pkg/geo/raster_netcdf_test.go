package geo

import (
	"path/filepath"
	"testing"
)

func TestNetCDFStoreRoundTrip(t *testing.T) {
	store := NewNetCDFStore()
	path := filepath.Join(t.TempDir(), "out", "IMD_mask.nc")

	g := NewGrid(2, 3)
	// Powers of two survive the float32 on-disk representation exactly.
	copy(g.Data.Elements, []float64{0.125, 0.25, 0.375, -9999, 0.5, 1})
	g.Nodata = -9999
	g.NodataDefined = true
	g.CRS = "+proj=longlat +datum=WGS84 +no_defs"
	g.Transform = Transform{X0: 10, Y0: 52, Dx: 0.5, Dy: -0.5}

	if store.Exists(path) {
		t.Fatal("Exists() true before write")
	}
	if err := store.Write(path, g); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if !store.Exists(path) {
		t.Fatal("Exists() false after write")
	}

	got, err := store.Read(path)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if err := got.CheckShape(2, 3); err != nil {
		t.Fatal(err)
	}
	for i, want := range g.Data.Elements {
		if got.Data.Elements[i] != want {
			t.Errorf("pixel %d = %v, want %v", i, got.Data.Elements[i], want)
		}
	}
	if !got.NodataDefined || got.Nodata != -9999 {
		t.Errorf("nodata = %v defined=%v, want -9999", got.Nodata, got.NodataDefined)
	}
	if got.CRS != g.CRS {
		t.Errorf("CRS = %q, want %q", got.CRS, g.CRS)
	}
	if got.Transform != g.Transform {
		t.Errorf("transform = %+v, want %+v", got.Transform, g.Transform)
	}
	if got.NodataCount() != 1 {
		t.Errorf("NodataCount() = %d, want 1", got.NodataCount())
	}
}

func TestNetCDFStoreReadMissing(t *testing.T) {
	store := NewNetCDFStore()
	if _, err := store.Read(filepath.Join(t.TempDir(), "absent.nc")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLayerVarName(t *testing.T) {
	cases := map[string]string{
		"out/IMD_mask.nc": "IMD_mask",
		"F_AC_pct.nc":     "F_AC_pct",
		".nc":             "band",
	}
	for path, want := range cases {
		if got := layerVarName(path); got != want {
			t.Errorf("layerVarName(%q) = %q, want %q", path, got, want)
		}
	}
}
