package fire

import (
	"fmt"
	"log"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/peterstace/simplefeatures/geom"
)

// Polygon overlay runs on simplefeatures geometries. Values cross the
// boundary as WKB so orb stays the package's geometry model.

func toOverlay(g orb.Geometry) (geom.Geometry, error) {
	data, err := wkb.Marshal(g)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("encoding geometry: %w", err)
	}
	out, err := geom.UnmarshalWKB(data)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("decoding overlay geometry: %w", err)
	}
	return out, nil
}

func fromOverlay(g geom.Geometry) ([]orb.Polygon, error) {
	og, err := wkb.Unmarshal(g.AsBinary())
	if err != nil {
		return nil, fmt.Errorf("decoding overlay result: %w", err)
	}
	return polygonalParts(og), nil
}

// polygonalParts keeps the non-empty polygons of g, descending into
// collections.
func polygonalParts(g orb.Geometry) []orb.Polygon {
	if c, ok := g.(orb.Collection); ok {
		var out []orb.Polygon
		for _, m := range c {
			out = append(out, polygonalParts(m)...)
		}
		return out
	}
	return flattenPolygons(g)
}

// UnionPolygons returns the polygons covering exactly the points covered by
// any input polygon. A part that cannot be merged (invalid ring) is logged
// and kept as its own polygon.
func UnionPolygons(parts []orb.Polygon) []orb.Polygon {
	var acc geom.Geometry
	var merged bool
	var kept []orb.Polygon
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		g, err := toOverlay(p)
		if err == nil && merged {
			g, err = geom.Union(acc, g)
		}
		if err != nil {
			log.Printf("Union: keeping part of %.0f m² unmerged: %v", Area(p), err)
			kept = append(kept, p)
			continue
		}
		acc, merged = g, true
	}
	if !merged {
		return kept
	}

	out, err := fromOverlay(acc)
	if err != nil {
		log.Printf("Union: %v", err)
		return parts
	}
	return append(out, kept...)
}

// IntersectionArea returns the exact planar area shared by a and b.
func IntersectionArea(a, b orb.MultiPolygon) (float64, error) {
	if len(a) == 0 || len(b) == 0 || !a.Bound().Intersects(b.Bound()) {
		return 0, nil
	}
	ga, err := toOverlay(a)
	if err != nil {
		return 0, err
	}
	gb, err := toOverlay(b)
	if err != nil {
		return 0, err
	}
	inter, err := geom.Intersection(ga, gb)
	if err != nil {
		return 0, fmt.Errorf("intersecting: %w", err)
	}
	return inter.Area(), nil
}
