package fire

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// asMultiPolygon normalizes a polygonal geometry. Non-polygonal input
// yields nil.
func asMultiPolygon(g orb.Geometry) orb.MultiPolygon {
	switch v := g.(type) {
	case orb.Polygon:
		if len(v) == 0 {
			return nil
		}
		return orb.MultiPolygon{v}
	case orb.MultiPolygon:
		return v
	case orb.Ring:
		return orb.MultiPolygon{orb.Polygon{v}}
	}
	return nil
}

// Contains reports whether p lies inside mp. Points on the boundary count as
// inside, matching orb/planar.
func Contains(mp orb.MultiPolygon, p orb.Point) bool {
	return planar.MultiPolygonContains(mp, p)
}

// BoundaryDistance returns the distance from p to the nearest boundary
// segment of mp (shells and holes), regardless of whether p is inside.
func BoundaryDistance(mp orb.MultiPolygon, p orb.Point) float64 {
	best := math.Inf(1)
	for _, poly := range mp {
		for _, ring := range poly {
			for i := 0; i+1 < len(ring); i++ {
				if d := planar.DistanceFromSegment(ring[i], ring[i+1], p); d < best {
					best = d
				}
			}
		}
	}
	return best
}

// WithinBuffer reports whether p lies inside mp expanded by dist. This is
// the exact planar buffer: inside the polygon or within dist of its
// boundary.
func WithinBuffer(mp orb.MultiPolygon, p orb.Point, dist float64) bool {
	if !mp.Bound().Pad(dist).Contains(p) {
		return false
	}
	return Contains(mp, p) || BoundaryDistance(mp, p) <= dist
}

// Area returns the planar area of a polygonal geometry (holes subtracted).
func Area(g orb.Geometry) float64 {
	if g == nil {
		return 0
	}
	return math.Abs(planar.Area(g))
}

// PolygonDistance is the minimum planar distance between two polygonal
// geometries; zero when they touch, overlap or one contains the other.
func PolygonDistance(a, b orb.MultiPolygon) float64 {
	if Intersects(a, b) {
		return 0
	}
	best := math.Inf(1)
	for _, poly := range a {
		for _, ring := range poly {
			for _, v := range ring {
				if d := BoundaryDistance(b, v); d < best {
					best = d
				}
			}
		}
	}
	for _, poly := range b {
		for _, ring := range poly {
			for _, v := range ring {
				if d := BoundaryDistance(a, v); d < best {
					best = d
				}
			}
		}
	}
	return best
}

// Intersects reports whether two polygonal geometries share any point.
func Intersects(a, b orb.MultiPolygon) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, pa := range a {
		for _, pb := range b {
			if polygonsIntersect(pa, pb) {
				return true
			}
		}
	}
	return false
}

func polygonsIntersect(a, b orb.Polygon) bool {
	if len(a) == 0 || len(b) == 0 || len(a[0]) == 0 || len(b[0]) == 0 {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, ra := range a {
		for _, rb := range b {
			if ringsCross(ra, rb) {
				return true
			}
		}
	}
	// No edge crossings: either disjoint or one nested in the other.
	return planar.PolygonContains(a, b[0][0]) || planar.PolygonContains(b, a[0][0])
}

func ringsCross(a, b orb.Ring) bool {
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsIntersect(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

// segmentsIntersect includes touching and collinear overlap.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

// cross returns the z component of (a - o) x (b - o).
func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// signedArea is positive for counter-clockwise rings.
func signedArea(r orb.Ring) float64 {
	var s float64
	for i := 0; i+1 < len(r); i++ {
		s += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	return s / 2
}

// closeRing appends the first point when the ring is open.
func closeRing(r orb.Ring) orb.Ring {
	if len(r) > 0 && !r[0].Equal(r[len(r)-1]) {
		r = append(r, r[0])
	}
	return r
}

// flattenPolygons splits a polygonal geometry into its parts.
func flattenPolygons(g orb.Geometry) []orb.Polygon {
	switch v := g.(type) {
	case orb.Polygon:
		if len(v) == 0 {
			return nil
		}
		return []orb.Polygon{v}
	case orb.MultiPolygon:
		out := make([]orb.Polygon, 0, len(v))
		for _, p := range v {
			if len(p) > 0 {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// collapse returns nil, the single polygon, or the multipolygon.
func collapse(parts []orb.Polygon) orb.Geometry {
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}
	return orb.MultiPolygon(parts)
}
