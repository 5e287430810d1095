package main

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// outlineQuantum is the grid, in metres, vertices snap to when matching edges
// shared by neighbouring municipalities.
const outlineQuantum = 1e-3

type vertexKey struct{ x, y int64 }

type edgeKey struct{ a, b vertexKey }

func snapVertex(p orb.Point) vertexKey {
	return vertexKey{
		x: int64(math.Round(p[0] / outlineQuantum)),
		y: int64(math.Round(p[1] / outlineQuantum)),
	}
}

func makeEdgeKey(a, b vertexKey) edgeKey {
	if b.x < a.x || (b.x == a.x && b.y < a.y) {
		a, b = b, a
	}
	return edgeKey{a: a, b: b}
}

// dissolvedBoundary returns the outer boundary of the union of polygons as a
// list of segments: every edge used by exactly one ring survives, edges shared
// by two neighbours cancel. Segment order is deterministic.
func dissolvedBoundary(polygons []orb.MultiPolygon) []orb.LineString {
	type edgeInfo struct {
		count int
		seg   orb.LineString
		order int
	}
	edges := map[edgeKey]*edgeInfo{}
	order := 0

	for _, mp := range polygons {
		for _, poly := range mp {
			for _, ring := range poly {
				if len(ring) > 2 && !ring[0].Equal(ring[len(ring)-1]) {
					ring = append(append(orb.Ring(nil), ring...), ring[0])
				}
				for i := 0; i+1 < len(ring); i++ {
					a, b := snapVertex(ring[i]), snapVertex(ring[i+1])
					if a == b {
						continue
					}
					key := makeEdgeKey(a, b)
					if info, ok := edges[key]; ok {
						info.count++
						continue
					}
					edges[key] = &edgeInfo{count: 1, seg: orb.LineString{ring[i], ring[i+1]}, order: order}
					order++
				}
			}
		}
	}

	kept := make([]*edgeInfo, 0, len(edges))
	for _, info := range edges {
		if info.count == 1 {
			kept = append(kept, info)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].order < kept[j].order })

	out := make([]orb.LineString, len(kept))
	for i, info := range kept {
		out[i] = info.seg
	}
	return out
}
