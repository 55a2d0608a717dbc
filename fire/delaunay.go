package fire

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// triangulation is a Delaunay triangulation of a deduplicated point set.
// Triangles index into points and are counter-clockwise.
type triangulation struct {
	points    []orb.Point
	triangles [][3]int
}

type dtTriangle struct {
	v        [3]int
	cx, cy   float64
	r2       float64
	complete bool
}

// superTriangleScale sizes the bounding triangle relative to the point
// spread.
const superTriangleScale = 1e4

// inCircleTolerance, scaled by the squared span, treats points this close
// to a circumcircle as inside so co-circular input is handled consistently.
// It is absolute, so the wide super-triangle circles are not inflated.
const inCircleTolerance = 1e-9

// delaunay triangulates points with incremental Bowyer-Watson insertion in
// x order. Duplicate points are dropped. Collinear or fewer than three
// distinct points yield no triangles; any other set yields at least one.
func delaunay(points []orb.Point) *triangulation {
	pts := uniquePoints(points)
	dt := &triangulation{points: pts}
	n := len(pts)
	if n < 3 {
		return dt
	}

	// Work in coordinates centred on the bounding box to keep circumcircle
	// arithmetic well conditioned for projected (large) coordinates.
	b := orb.MultiPoint(pts).Bound()
	c := b.Center()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		pi, pj := pts[order[i]], pts[order[j]]
		if pi[0] != pj[0] {
			return pi[0] < pj[0]
		}
		return pi[1] < pj[1]
	})

	local := make([]orb.Point, n+3)
	for i, p := range pts {
		local[i] = orb.Point{p[0] - c[0], p[1] - c[1]}
	}
	span := math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])
	if span == 0 {
		return dt
	}
	// Hull triangles of flat sets have circumcircles far larger than the
	// span; the super-triangle must enclose them or they are lost.
	m := superTriangleScale * span
	local[n] = orb.Point{-m, -m}
	local[n+1] = orb.Point{m, -m}
	local[n+2] = orb.Point{0, m}

	tol := inCircleTolerance * span * span

	tris := []dtTriangle{newDTTriangle(local, n, n+1, n+2)}

	type edge struct{ a, b int }
	var edges []edge
	for _, i := range order {
		p := local[i]
		edges = edges[:0]

		kept := tris[:0]
		for _, t := range tris {
			if t.complete {
				kept = append(kept, t)
				continue
			}
			dx := p[0] - t.cx
			if dx > 0 && dx*dx > t.r2+tol {
				t.complete = true
			}
			dy := p[1] - t.cy
			if dx*dx+dy*dy <= t.r2+tol {
				edges = append(edges,
					edge{t.v[0], t.v[1]},
					edge{t.v[1], t.v[2]},
					edge{t.v[2], t.v[0]})
				continue
			}
			kept = append(kept, t)
		}
		tris = kept

		// Edges shared by two removed triangles are interior to the cavity.
		count := make(map[[2]int]int, len(edges))
		for _, e := range edges {
			count[edgeKey(e.a, e.b)]++
		}
		for _, e := range edges {
			if count[edgeKey(e.a, e.b)] != 1 {
				continue
			}
			tris = append(tris, newDTTriangle(local, e.a, e.b, i))
		}
	}

	for _, t := range tris {
		if t.v[0] >= n || t.v[1] >= n || t.v[2] >= n {
			continue
		}
		a, bb, cc := t.v[0], t.v[1], t.v[2]
		area := cross(local[a], local[bb], local[cc])
		if math.Abs(area) <= 1e-12*span*span {
			continue
		}
		if area < 0 {
			bb, cc = cc, bb
		}
		dt.triangles = append(dt.triangles, [3]int{a, bb, cc})
	}
	if len(dt.triangles) == 0 {
		dt.triangles = fanTriangles(pts)
	}
	return dt
}

// fanTriangles triangulates the convex hull of pts from its first vertex.
// It covers the hull when incremental insertion loses every triangle to
// rounding; collinear input still yields none.
func fanTriangles(pts []orb.Point) [][3]int {
	ring := convexHull(pts)
	if ring == nil {
		return nil
	}
	index := make(map[orb.Point]int, len(pts))
	for i, p := range pts {
		index[p] = i
	}
	var tris [][3]int
	for i := 1; i+2 < len(ring); i++ {
		tris = append(tris, [3]int{index[ring[0]], index[ring[i]], index[ring[i+1]]})
	}
	return tris
}

func newDTTriangle(pts []orb.Point, a, b, c int) dtTriangle {
	t := dtTriangle{v: [3]int{a, b, c}}
	t.cx, t.cy, t.r2 = circumcircle(pts[a], pts[b], pts[c])
	return t
}

// circumcircle returns the centre and squared radius of the circle through
// a, b and c. Collinear points get an infinite circle.
func circumcircle(a, b, c orb.Point) (float64, float64, float64) {
	bx, by := b[0]-a[0], b[1]-a[1]
	cx, cy := c[0]-a[0], c[1]-a[1]
	d := 2 * (bx*cy - by*cx)
	if d == 0 {
		return a[0], a[1], math.Inf(1)
	}
	b2 := bx*bx + by*by
	c2 := cx*cx + cy*cy
	ux := (cy*b2 - by*c2) / d
	uy := (bx*c2 - cx*b2) / d
	return a[0] + ux, a[1] + uy, ux*ux + uy*uy
}

// circumradius returns the radius of the circle through a, b and c.
func circumradius(a, b, c orb.Point) float64 {
	_, _, r2 := circumcircle(a, b, c)
	return math.Sqrt(r2)
}

func edgeKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// uniquePoints drops exact duplicates, keeping first occurrences.
func uniquePoints(points []orb.Point) []orb.Point {
	seen := make(map[orb.Point]struct{}, len(points))
	out := make([]orb.Point, 0, len(points))
	for _, p := range points {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// convexHull returns the counter-clockwise closed hull ring of points using
// Andrew's monotone chain. Fewer than three non-collinear points yield nil.
func convexHull(points []orb.Point) orb.Ring {
	pts := uniquePoints(points)
	if len(pts) < 3 {
		return nil
	}
	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})

	hull := make([]orb.Point, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	if len(hull) < 4 {
		return nil
	}
	return orb.Ring(hull)
}
