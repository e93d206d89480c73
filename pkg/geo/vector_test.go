package geo

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/geom"
)

const zonesGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"imd": 0.8, "bsf": "0.4", "name": "center"},
      "geometry": {
        "type": "Polygon",
        "coordinates": [[[0, 0], [2, 0], [2, 2], [0, 2], [0, 0]]]
      }
    },
    {
      "type": "Feature",
      "properties": {"IMD": 0.5, "BSF": null},
      "geometry": {
        "type": "MultiPolygon",
        "coordinates": [
          [[[3, 3], [4, 3], [4, 4], [3, 4], [3, 3]]],
          [[[5, 5], [6, 5], [6, 6], [5, 6], [5, 5]]]
        ]
      }
    }
  ]
}`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadVectorGeoJSON(t *testing.T) {
	path := writeTemp(t, "zones.geojson", zonesGeoJSON)

	layer, err := LoadVector(path, []string{"imd", "bsf"})
	if err != nil {
		t.Fatalf("LoadVector() error: %v", err)
	}
	if len(layer.Features) != 2 {
		t.Fatalf("features = %d, want 2", len(layer.Features))
	}
	if layer.SR == nil || layer.SRText == "" {
		t.Error("GeoJSON layer should carry the WGS84 reference")
	}

	// Feature order follows the file; keys are uppercased; quoted numbers
	// parse; fields outside the requested set are dropped.
	f0 := layer.Features[0]
	if f0.Attributes["IMD"] != 0.8 || f0.Attributes["BSF"] != 0.4 {
		t.Errorf("feature 0 attributes = %v", f0.Attributes)
	}
	if _, ok := f0.Attributes["NAME"]; ok {
		t.Error("unrequested attribute retained")
	}
	if _, ok := f0.Geom.(geom.Polygon); !ok {
		t.Errorf("feature 0 geometry = %T, want Polygon", f0.Geom)
	}

	f1 := layer.Features[1]
	if f1.Attributes["IMD"] != 0.5 {
		t.Errorf("feature 1 IMD = %v", f1.Attributes["IMD"])
	}
	if !math.IsNaN(f1.Attributes["BSF"]) {
		t.Errorf("feature 1 null BSF = %v, want NaN", f1.Attributes["BSF"])
	}
	mp, ok := f1.Geom.(geom.MultiPolygon)
	if !ok {
		t.Fatalf("feature 1 geometry = %T, want MultiPolygon", f1.Geom)
	}
	if len(mp) != 2 {
		t.Errorf("multipolygon parts = %d, want 2", len(mp))
	}
}

func TestLoadVectorUnsupportedFormat(t *testing.T) {
	_, err := LoadVector("zones.gpkg", nil)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestLoadVectorNotACollection(t *testing.T) {
	path := writeTemp(t, "point.json",
		`{"type": "Feature", "properties": {}, "geometry": null}`)
	if _, err := LoadVector(path, nil); err == nil {
		t.Fatal("expected an error for a non-collection document")
	}
}

func TestLoadVectorRejectsNonPolygonGeometry(t *testing.T) {
	path := writeTemp(t, "points.geojson", `{
	  "type": "FeatureCollection",
	  "features": [{
	    "type": "Feature",
	    "properties": {},
	    "geometry": {"type": "Point", "coordinates": [1, 1]}
	  }]
	}`)
	if _, err := LoadVector(path, nil); err == nil {
		t.Fatal("expected an error for point geometry")
	}
}

func TestParseNumeric(t *testing.T) {
	cases := map[string]float64{
		"0.5":   0.5,
		" 2 ":   2,
		"-12.5": -12.5,
	}
	for raw, want := range cases {
		if got := parseNumeric(raw); got != want {
			t.Errorf("parseNumeric(%q) = %v, want %v", raw, got, want)
		}
	}
	for _, raw := range []string{"", "   ", "n/a", "12,5"} {
		if got := parseNumeric(raw); !math.IsNaN(got) {
			t.Errorf("parseNumeric(%q) = %v, want NaN", raw, got)
		}
	}
}

func TestCRSMatch(t *testing.T) {
	path := writeTemp(t, "zones.geojson", zonesGeoJSON)
	layer, err := LoadVector(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !CRSMatch("+proj=longlat +datum=WGS84 +no_defs", layer) {
		t.Error("identical WGS84 references reported as mismatch")
	}
	if CRSMatch("+proj=utm +zone=31 +datum=WGS84 +units=m +no_defs", layer) {
		t.Error("UTM raster matched a longlat vector layer")
	}
}

func TestCRSMatchTextFallback(t *testing.T) {
	layer := &VectorLayer{SRText: "LOCAL_CS[\"engine grid\"]"}
	if !CRSMatch(`local_cs["engine grid"]`, layer) {
		t.Error("case-insensitive text comparison failed")
	}
	if CRSMatch(`local_cs["other grid"]`, layer) {
		t.Error("different reference text matched")
	}
}
