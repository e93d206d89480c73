package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
)

// ErrUnsupportedFormat marks a vector mask file format the loader cannot
// read. Supported formats are ESRI Shapefile and GeoJSON.
var ErrUnsupportedFormat = errors.New("geo: unsupported vector format")

// wgs84 is the spatial reference assumed for GeoJSON input, per RFC 7946.
const wgs84 = "+proj=longlat +datum=WGS84 +no_defs"

// Feature is one polygon feature of a vector mask with its numeric
// attributes, keyed by uppercase column name. Non-numeric and missing
// values surface as NaN.
type Feature struct {
	Geom       geom.Polygonal
	Attributes map[string]float64
}

// VectorLayer is a loaded polygon mask. Features keep the order of the
// source file; that order governs zone application, so it is part of this
// type's contract rather than an implementation detail.
type VectorLayer struct {
	// Features are the polygon features in source order.
	Features []Feature

	// SR is the parsed spatial reference, nil when the source carried none.
	SR *proj.SR

	// SRText is the raw spatial reference text of the source (Proj4 or WKT).
	SRText string
}

// LoadVector reads a polygon vector layer from path, extracting the named
// attribute columns. Column matching is case-insensitive; attribute keys in
// the result are uppercased.
func LoadVector(path string, fields []string) (*VectorLayer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return loadShapefile(path, fields)
	case ".geojson", ".json":
		return loadGeoJSON(path, fields)
	default:
		return nil, fmt.Errorf("%w: %s (use .shp, .geojson or .json)",
			ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func loadShapefile(path string, fields []string) (*VectorLayer, error) {
	d, err := shp.NewDecoder(path)
	if err != nil {
		return nil, fmt.Errorf("geo: opening shapefile %s: %w", path, err)
	}
	defer d.Close()

	layer := &VectorLayer{}
	if sr, err := d.SR(); err == nil {
		layer.SR = sr
	}
	if prj, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"); err == nil {
		layer.SRText = strings.TrimSpace(string(prj))
	}

	for {
		g, attrs, more := d.DecodeRowFields(fields...)
		if !more {
			break
		}
		poly, ok := g.(geom.Polygonal)
		if !ok {
			return nil, fmt.Errorf("geo: shapefile %s: feature %d is %T, want a polygon",
				path, len(layer.Features), g)
		}
		f := Feature{Geom: poly, Attributes: make(map[string]float64, len(attrs))}
		for name, raw := range attrs {
			f.Attributes[strings.ToUpper(name)] = parseNumeric(raw)
		}
		layer.Features = append(layer.Features, f)
	}
	if err := d.Error(); err != nil {
		return nil, fmt.Errorf("geo: decoding shapefile %s: %w", path, err)
	}
	return layer, nil
}

// geojsonFile mirrors the RFC 7946 FeatureCollection schema, limited to the
// polygon geometries this tool consumes.
type geojsonFile struct {
	Type     string `json:"type"`
	Features []struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Geometry   struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

func loadGeoJSON(path string, fields []string) (*VectorLayer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geo: reading %s: %w", path, err)
	}
	var file geojsonFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("geo: parsing %s: %w", path, err)
	}
	if file.Type != "FeatureCollection" {
		return nil, fmt.Errorf("geo: %s: type %q, want FeatureCollection", path, file.Type)
	}

	sr, err := proj.Parse(wgs84)
	if err != nil {
		return nil, fmt.Errorf("geo: parsing WGS84 reference: %w", err)
	}
	layer := &VectorLayer{SR: sr, SRText: wgs84}

	wanted := make(map[string]bool, len(fields))
	for _, f := range fields {
		wanted[strings.ToUpper(f)] = true
	}

	for i, feat := range file.Features {
		poly, err := decodeGeoJSONGeometry(feat.Geometry.Type, feat.Geometry.Coordinates)
		if err != nil {
			return nil, fmt.Errorf("geo: %s: feature %d: %w", path, i, err)
		}
		f := Feature{Geom: poly, Attributes: make(map[string]float64)}
		for name, rawVal := range feat.Properties {
			key := strings.ToUpper(name)
			if len(wanted) > 0 && !wanted[key] {
				continue
			}
			// Unmarshal leaves the target untouched on a JSON null, so null
			// must be caught explicitly to surface as a missing value.
			num := math.NaN()
			if string(rawVal) == "null" {
				f.Attributes[key] = num
				continue
			}
			if err := json.Unmarshal(rawVal, &num); err != nil {
				var s string
				if err := json.Unmarshal(rawVal, &s); err == nil {
					num = parseNumeric(s)
				} else {
					num = math.NaN()
				}
			}
			f.Attributes[key] = num
		}
		layer.Features = append(layer.Features, f)
	}
	return layer, nil
}

func decodeGeoJSONGeometry(typ string, coords json.RawMessage) (geom.Polygonal, error) {
	switch typ {
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(coords, &rings); err != nil {
			return nil, fmt.Errorf("decoding Polygon coordinates: %w", err)
		}
		return polygonFromRings(rings), nil
	case "MultiPolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(coords, &polys); err != nil {
			return nil, fmt.Errorf("decoding MultiPolygon coordinates: %w", err)
		}
		mp := make(geom.MultiPolygon, len(polys))
		for i, rings := range polys {
			mp[i] = polygonFromRings(rings)
		}
		return mp, nil
	default:
		return nil, fmt.Errorf("geometry type %q, want Polygon or MultiPolygon", typ)
	}
}

func polygonFromRings(rings [][][]float64) geom.Polygon {
	poly := make(geom.Polygon, len(rings))
	for i, ring := range rings {
		pts := make([]geom.Point, len(ring))
		for j, xy := range ring {
			if len(xy) >= 2 {
				pts[j] = geom.Point{X: xy[0], Y: xy[1]}
			}
		}
		poly[i] = pts
	}
	return poly
}

// parseNumeric converts a raw attribute string to float64, NaN when the
// value is empty or not numeric.
func parseNumeric(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// CRSMatch reports whether a raster's Proj4 CRS string refers to the same
// spatial reference as the vector layer. Both sides are canonicalized
// through proj.Parse when possible; when either side cannot be parsed the
// comparison falls back to normalized text equality. Mismatches are
// reported, never corrected: this tool performs no reprojection.
func CRSMatch(rasterCRS string, layer *VectorLayer) bool {
	rsr, err := proj.Parse(rasterCRS)
	if err == nil && layer.SR != nil {
		return reflect.DeepEqual(rsr, layer.SR)
	}
	return normalizeCRSText(rasterCRS) == normalizeCRSText(layer.SRText)
}

func normalizeCRSText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
