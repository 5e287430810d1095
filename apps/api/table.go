package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// TableRow is a row of the editable attendance table. Value is nil while the
// municipality has no attendance recorded.
type TableRow struct {
	Name  string   `json:"NOM_MUN"`
	Value *float64 `json:"asistentes"`
	Key   string   `json:"clave"`
}

// EditRow is a row as submitted by the page. Cells come back as numbers or as
// strings depending on whether the user touched them.
type EditRow struct {
	Name  string          `json:"NOM_MUN"`
	Value json.RawMessage `json:"asistentes"`
	Key   string          `json:"clave"`
}

type tableEntry struct {
	Municipality
	Projected orb.MultiPolygon
	Value     *float64
}

// subset is the filtered, sorted, projected part of the dataset the table and
// the map show.
type subset struct {
	entries    []tableEntry
	index      map[string]int
	stateCodes []string
}

type mergeResult struct {
	Applied int `json:"applied"`
	Ignored int `json:"ignored"`
}

// formatTable builds the subset for codes sorted by CLAVE, projected, with every
// value missing.
func formatTable(dataset *Dataset, codes []string, proj orb.Projection) *subset {
	wanted := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		wanted[code] = struct{}{}
	}

	entries := make([]tableEntry, 0)
	for _, m := range dataset.Municipalities {
		if _, ok := wanted[m.StateCode]; !ok {
			continue
		}
		entries = append(entries, tableEntry{
			Municipality: m,
			Projected:    projectMultiPolygon(m.Geometry, proj),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	index := make(map[string]int, len(entries))
	for i, e := range entries {
		index[e.Key] = i
	}
	return &subset{entries: entries, index: index, stateCodes: append([]string(nil), codes...)}
}

func (s *subset) rows() []TableRow {
	out := make([]TableRow, len(s.entries))
	for i, e := range s.entries {
		row := TableRow{Name: e.Name, Key: e.Key}
		if e.Value != nil {
			v := *e.Value
			row.Value = &v
		}
		out[i] = row
	}
	return out
}

// values returns the recorded values keyed by CLAVE.
func (s *subset) values() map[string]float64 {
	out := map[string]float64{}
	for _, e := range s.entries {
		if e.Value != nil {
			out[e.Key] = *e.Value
		}
	}
	return out
}

// applyValues stores values for known keys and reports how many were unknown.
func (s *subset) applyValues(values map[string]float64) mergeResult {
	var res mergeResult
	for key, value := range values {
		i, ok := s.index[key]
		if !ok {
			res.Ignored++
			continue
		}
		v := value
		s.entries[i].Value = &v
		res.Applied++
	}
	return res
}

// mergeEdits parses every row first so a bad cell leaves the table untouched.
// Rows without a value never clear a previously stored one.
func (s *subset) mergeEdits(rows []EditRow) (mergeResult, error) {
	parsed := make(map[string]float64, len(rows))
	for _, row := range rows {
		value, err := parseEditValue(row.Value)
		if err != nil {
			return mergeResult{}, &apiError{
				Status:  http.StatusBadRequest,
				Code:    "invalid_value",
				Message: fmt.Sprintf("Invalid attendance for %s: %v", row.Key, err),
			}
		}
		if value == nil {
			continue
		}
		parsed[row.Key] = *value
	}
	return s.applyValues(parsed), nil
}

func (s *subset) clone() *subset {
	entries := make([]tableEntry, len(s.entries))
	copy(entries, s.entries)
	for i := range entries {
		if entries[i].Value != nil {
			v := *entries[i].Value
			entries[i].Value = &v
		}
	}
	index := make(map[string]int, len(s.index))
	for k, v := range s.index {
		index[k] = v
	}
	return &subset{entries: entries, index: index, stateCodes: append([]string(nil), s.stateCodes...)}
}

// locate returns the municipality whose lon/lat geometry contains the point.
func (s *subset) locate(lat, lon float64) *TableRow {
	pt := orb.Point{lon, lat}
	for _, e := range s.entries {
		if !e.Geometry.Bound().Contains(pt) {
			continue
		}
		if planar.MultiPolygonContains(e.Geometry, pt) {
			row := TableRow{Name: e.Name, Key: e.Key}
			if e.Value != nil {
				v := *e.Value
				row.Value = &v
			}
			return &row
		}
	}
	return nil
}

func parseEditValue(raw json.RawMessage) (*float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var text string
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, nil
		}
	} else {
		text = string(trimmed)
	}

	value, err := parseAttendance(text)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// parseAttendance accepts finite numbers only; NaN and ±Inf are rejected.
func parseAttendance(text string) (float64, error) {
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", text)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%q is not finite", text)
	}
	return value, nil
}

// Dashboard holds the single live table shared by every client.
type Dashboard struct {
	mu      sync.Mutex
	dataset *Dataset
	groups  []RegionGroup
	proj    orb.Projection
	enabled map[string]bool
	current *subset
}

func newDashboard(dataset *Dataset, groups []RegionGroup, proj orb.Projection) *Dashboard {
	enabled := defaultEnabledGroups(groups)
	return &Dashboard{
		dataset: dataset,
		groups:  groups,
		proj:    proj,
		enabled: enabled,
		current: formatTable(dataset, selectStateCodes(groups, enabled), proj),
	}
}

// Toggle recomputes the subset for the given toggle state and resets the table.
// Unknown group ids are ignored.
func (d *Dashboard) Toggle(enabled map[string]bool) []TableRow {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toggleLocked(enabled)
	return d.current.rows()
}

func (d *Dashboard) toggleLocked(enabled map[string]bool) {
	next := make(map[string]bool, len(d.groups))
	for _, g := range d.groups {
		for id, on := range enabled {
			if strings.EqualFold(id, g.ID) {
				next[g.ID] = on
			}
		}
	}
	d.enabled = next
	d.current = formatTable(d.dataset, selectStateCodes(d.groups, next), d.proj)
}

// Merge applies table edits to the live subset.
func (d *Dashboard) Merge(rows []EditRow) (mergeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.mergeEdits(rows)
}

func (d *Dashboard) Rows() []TableRow {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.rows()
}

func (d *Dashboard) Locate(lat, lon float64) *TableRow {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current.locate(lat, lon)
}

func (d *Dashboard) Groups() []RegionGroup {
	out := make([]RegionGroup, len(d.groups))
	copy(out, d.groups)
	return out
}

// View copies the state needed to render or persist the current map.
func (d *Dashboard) View(marker *LatLon) mapView {
	d.mu.Lock()
	defer d.mu.Unlock()
	enabled := make(map[string]bool, len(d.enabled))
	for k, v := range d.enabled {
		enabled[k] = v
	}
	return mapView{
		Enabled: enabled,
		Marker:  marker,
		subset:  d.current.clone(),
	}
}

// Restore replaces the live state with a previously captured view. Toggle and
// values are applied in one critical section.
func (d *Dashboard) Restore(enabled map[string]bool, values map[string]float64) ([]TableRow, mergeResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toggleLocked(enabled)
	res := d.current.applyValues(values)
	return d.current.rows(), res
}

// viewFor rebuilds a view from toggle state and values without touching the
// live table; share links use it.
func (d *Dashboard) viewFor(enabled map[string]bool, values map[string]float64, marker *LatLon) mapView {
	s := formatTable(d.dataset, selectStateCodes(d.groups, enabled), d.proj)
	s.applyValues(values)
	return mapView{Enabled: enabled, Marker: marker, subset: s}
}

// LatLon is a WGS84 coordinate in degrees.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p LatLon) valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// mapView is an immutable picture of the dashboard: what gets rendered,
// exported, shared or saved.
type mapView struct {
	Enabled map[string]bool
	Marker  *LatLon
	subset  *subset
}
