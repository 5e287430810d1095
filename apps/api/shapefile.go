package main

import (
	"fmt"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

func readShapefileMunicipalities(path string) ([]Municipality, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile: %w", err)
	}
	defer reader.Close()

	fields := reader.Fields()
	fieldNames := make([]string, len(fields))
	for i, f := range fields {
		fieldNames[i] = strings.ToUpper(strings.TrimSpace(f.String()))
	}

	var out []Municipality
	for reader.Next() {
		row, shape := reader.Shape()
		polygon, ok := shape.(*shp.Polygon)
		if !ok {
			continue
		}
		attrs := make(map[string]string, len(fieldNames))
		for i, name := range fieldNames {
			attrs[name] = decodeDBFString(reader.ReadAttribute(row, i))
		}
		m, err := municipalityFromAttributes(attrs, shapefilePolygons(polygon))
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", row, err)
		}
		out = append(out, m)
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("read shapefile: %w", err)
	}
	return out, nil
}

// shapefilePolygons splits a shapefile polygon record into polygons. Shapefile
// outer rings are clockwise and holes counter-clockwise; a hole belongs to the
// outer ring containing its first vertex.
func shapefilePolygons(p *shp.Polygon) orb.MultiPolygon {
	rings := make([]orb.Ring, 0, len(p.Parts))
	for i := range p.Parts {
		start := int(p.Parts[i])
		end := len(p.Points)
		if i+1 < len(p.Parts) {
			end = int(p.Parts[i+1])
		}
		if start < 0 || end > len(p.Points) || end-start < 3 {
			continue
		}
		ring := make(orb.Ring, 0, end-start)
		for _, pt := range p.Points[start:end] {
			ring = append(ring, orb.Point{pt.X, pt.Y})
		}
		rings = append(rings, ring)
	}

	var out orb.MultiPolygon
	var holes []orb.Ring
	for _, ring := range rings {
		if ring.Orientation() == orb.CW {
			out = append(out, orb.Polygon{ring})
		} else {
			holes = append(holes, ring)
		}
	}

	for _, hole := range holes {
		placed := false
		for i := range out {
			if planar.RingContains(out[i][0], hole[0]) {
				out[i] = append(out[i], hole)
				placed = true
				break
			}
		}
		if !placed {
			// Counter-clockwise shells show up in files written by sloppy tools.
			out = append(out, orb.Polygon{hole})
		}
	}
	return out
}
