package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/text/encoding/charmap"
)

const (
	propStateCode = "CVE_EDO"
	propKey       = "CLAVE"
	propName      = "NOM_MUN"
)

// Municipality is one administrative region of the base dataset. Geometry is
// kept in WGS84 lon/lat; the metric copy lives on the table subset.
type Municipality struct {
	StateCode string
	Key       string
	Name      string
	Geometry  orb.MultiPolygon
}

// Dataset is the base map loaded once at startup.
type Dataset struct {
	Municipalities []Municipality
	Source         string
}

var errNoFeatures = errors.New("dataset has no usable features")

// loadDataset reads a GeoJSON file, a shapefile, or a directory holding a single
// shapefile.
func loadDataset(path string, logger *slog.Logger) (*Dataset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open map data: %w", err)
	}

	source := path
	if info.IsDir() {
		source, err = findShapefile(path)
		if err != nil {
			return nil, err
		}
	}

	var municipalities []Municipality
	switch strings.ToLower(filepath.Ext(source)) {
	case ".geojson", ".json":
		municipalities, err = readGeoJSONMunicipalities(source)
	case ".shp":
		municipalities, err = readShapefileMunicipalities(source)
	default:
		return nil, fmt.Errorf("unsupported map data format: %s", source)
	}
	if err != nil {
		return nil, err
	}

	municipalities = dropDuplicateKeys(municipalities, logger)
	if len(municipalities) == 0 {
		return nil, fmt.Errorf("%s: %w", source, errNoFeatures)
	}

	return &Dataset{Municipalities: municipalities, Source: source}, nil
}

func findShapefile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.shp"))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no .shp file in %s", dir)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", fmt.Errorf("expected one .shp file in %s, found %d", dir, len(matches))
	}
}

func readGeoJSONMunicipalities(path string) ([]Municipality, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("parse geojson %s: %w", path, err)
	}

	out := make([]Municipality, 0, len(fc.Features))
	for i, feature := range fc.Features {
		geometry, ok := asMultiPolygon(feature.Geometry)
		if !ok {
			continue
		}
		attrs := make(map[string]string, len(feature.Properties))
		for name, value := range feature.Properties {
			attrs[strings.ToUpper(name)] = propertyString(value)
		}
		m, err := municipalityFromAttributes(attrs, geometry)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func asMultiPolygon(g orb.Geometry) (orb.MultiPolygon, bool) {
	switch geom := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{geom}, true
	case orb.MultiPolygon:
		return geom, true
	default:
		return nil, false
	}
}

func municipalityFromAttributes(attrs map[string]string, geometry orb.MultiPolygon) (Municipality, error) {
	key := strings.TrimSpace(attrs[propKey])
	if key == "" {
		return Municipality{}, fmt.Errorf("missing %s property", propKey)
	}
	return Municipality{
		StateCode: normalizeStateCode(attrs[propStateCode]),
		Key:       key,
		Name:      strings.TrimSpace(attrs[propName]),
		Geometry:  geometry,
	}, nil
}

// propertyString formats GeoJSON property values. Integral numbers lose their
// decimal point so that 9 and "9" compare equal after normalization.
func propertyString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// normalizeStateCode left-pads INEGI state codes to two digits.
func normalizeStateCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) == 1 && code[0] >= '0' && code[0] <= '9' {
		return "0" + code
	}
	return code
}

// decodeDBFString converts Latin-1 attribute bytes, which is what INEGI
// shapefiles ship with, to UTF-8.
func decodeDBFString(s string) string {
	s = strings.TrimRight(s, "\x00 ")
	s = strings.TrimSpace(s)
	if utf8.ValidString(s) {
		return s
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return decoded
}

func dropDuplicateKeys(in []Municipality, logger *slog.Logger) []Municipality {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, m := range in {
		if _, ok := seen[m.Key]; ok {
			if logger != nil {
				logger.Warn("duplicate municipality key dropped", "clave", m.Key, "name", m.Name)
			}
			continue
		}
		seen[m.Key] = struct{}{}
		out = append(out, m)
	}
	return out
}

// stateCodes lists the distinct state codes present in the dataset, sorted.
func (d *Dataset) stateCodes() []string {
	set := map[string]struct{}{}
	for _, m := range d.Municipalities {
		set[m.StateCode] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
