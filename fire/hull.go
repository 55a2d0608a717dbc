package fire

import (
	"container/heap"
	"log"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// BoundaryFitter turns a point set into zero or more polygons.
type BoundaryFitter interface {
	Fit(points []orb.Point) []orb.Polygon
}

// AlphaShape keeps Delaunay triangles whose circumradius is below Radius.
// Smaller radii give tighter, more detailed outlines; a radius larger than
// every circumcircle reproduces the convex hull.
type AlphaShape struct {
	Radius float64
}

// Fit implements BoundaryFitter.
func (a AlphaShape) Fit(points []orb.Point) []orb.Polygon {
	dt := delaunay(points)
	if len(dt.triangles) == 0 {
		return nil
	}
	kept := dt.triangles[:0:0]
	for _, t := range dt.triangles {
		if circumradius(dt.points[t[0]], dt.points[t[1]], dt.points[t[2]]) < a.Radius {
			kept = append(kept, t)
		}
	}
	return polygonsFromTriangles(dt.points, kept)
}

// ConcaveHull erodes the Delaunay triangulation from the outside, removing
// border triangles whose outer edge is longer than
// min + Ratio*(max-min) of all triangulation edge lengths. Ratio 1 keeps the
// convex hull; 0 is as tight as erosion allows. The result is a single
// polygon without holes.
type ConcaveHull struct {
	Ratio float64
}

// Fit implements BoundaryFitter.
func (c ConcaveHull) Fit(points []orb.Point) []orb.Polygon {
	if c.Ratio >= 1 {
		if ring := convexHull(points); ring != nil {
			return []orb.Polygon{{ring}}
		}
		return nil
	}

	dt := delaunay(points)
	if len(dt.triangles) == 0 {
		return nil
	}

	mesh := newTriMesh(dt)
	lo, hi := mesh.edgeLengthRange()
	mesh.erode(lo + c.Ratio*(hi-lo))

	return largestShell(polygonsFromTriangles(dt.points, mesh.remaining()))
}

// largestShell keeps the biggest polygon. Erosion never disconnects the
// mesh, so extra shells only come from pinch points in the traced outline;
// they are logged with their area.
func largestShell(polys []orb.Polygon) []orb.Polygon {
	if len(polys) <= 1 {
		return polys
	}
	sort.SliceStable(polys, func(i, j int) bool {
		return Area(polys[i]) > Area(polys[j])
	})
	dropped := 0.0
	for _, p := range polys[1:] {
		dropped += Area(p)
	}
	log.Printf("Concave hull: dropped %d detached shells (%.0f m²)", len(polys)-1, dropped)
	return polys[:1]
}

// NewBoundaryFitter returns the fitter configured by rc.
func NewBoundaryFitter(rc ReconstructionConfig) BoundaryFitter {
	if rc.Method == HullAlpha {
		return AlphaShape{Radius: rc.AlphaRadius}
	}
	return ConcaveHull{Ratio: rc.ConcaveRatio}
}

// triMesh tracks triangle adjacency during concave hull erosion. Edge k of
// triangle t runs from v[k] to v[(k+1)%3]; neighbor[t][k] is the triangle
// across it or -1 on the border.
type triMesh struct {
	points    []orb.Point
	triangles [][3]int
	neighbor  [][3]int
	removed   []bool
	border    map[int]bool
}

func newTriMesh(dt *triangulation) *triMesh {
	m := &triMesh{
		points:    dt.points,
		triangles: dt.triangles,
		neighbor:  make([][3]int, len(dt.triangles)),
		removed:   make([]bool, len(dt.triangles)),
		border:    make(map[int]bool),
	}
	owner := make(map[[2]int][]int, 3*len(dt.triangles)/2)
	for t, tri := range dt.triangles {
		for k := 0; k < 3; k++ {
			key := edgeKey(tri[k], tri[(k+1)%3])
			owner[key] = append(owner[key], t)
		}
	}
	for t, tri := range dt.triangles {
		for k := 0; k < 3; k++ {
			m.neighbor[t][k] = -1
			for _, o := range owner[edgeKey(tri[k], tri[(k+1)%3])] {
				if o != t {
					m.neighbor[t][k] = o
				}
			}
			if m.neighbor[t][k] < 0 {
				m.border[tri[k]] = true
				m.border[tri[(k+1)%3]] = true
			}
		}
	}
	return m
}

func (m *triMesh) edgeLength(t, k int) float64 {
	tri := m.triangles[t]
	return planar.Distance(m.points[tri[k]], m.points[tri[(k+1)%3]])
}

func (m *triMesh) edgeLengthRange() (float64, float64) {
	lo, hi := math.Inf(1), 0.0
	for t := range m.triangles {
		for k := 0; k < 3; k++ {
			l := m.edgeLength(t, k)
			lo = math.Min(lo, l)
			hi = math.Max(hi, l)
		}
	}
	return lo, hi
}

// borderEdge returns the single border edge of t, or -1 when t has zero or
// several border edges.
func (m *triMesh) borderEdge(t int) int {
	edge := -1
	for k := 0; k < 3; k++ {
		if m.neighbor[t][k] >= 0 {
			continue
		}
		if edge >= 0 {
			return -1
		}
		edge = k
	}
	return edge
}

// removable reports whether deleting t keeps the hull a simple polygon:
// exactly one border edge and an apex not already on the border.
func (m *triMesh) removable(t int) (int, bool) {
	if m.removed[t] {
		return -1, false
	}
	k := m.borderEdge(t)
	if k < 0 {
		return -1, false
	}
	apex := m.triangles[t][(k+2)%3]
	return k, !m.border[apex]
}

func (m *triMesh) erode(threshold float64) {
	q := &edgeQueue{}
	push := func(t int) {
		if k, ok := m.removable(t); ok {
			if l := m.edgeLength(t, k); l > threshold {
				heap.Push(q, queuedTriangle{tri: t, length: l})
			}
		}
	}
	for t := range m.triangles {
		push(t)
	}

	for q.Len() > 0 {
		item := heap.Pop(q).(queuedTriangle)
		k, ok := m.removable(item.tri)
		if !ok || m.edgeLength(item.tri, k) != item.length {
			continue
		}
		m.remove(item.tri)
		for j := 0; j < 3; j++ {
			if nb := m.neighbor[item.tri][j]; nb >= 0 {
				push(nb)
			}
		}
	}
}

func (m *triMesh) remove(t int) {
	m.removed[t] = true
	tri := m.triangles[t]
	for k := 0; k < 3; k++ {
		m.border[tri[k]] = true
		nb := m.neighbor[t][k]
		if nb < 0 {
			continue
		}
		for j := 0; j < 3; j++ {
			if m.neighbor[nb][j] == t {
				m.neighbor[nb][j] = -1
			}
		}
	}
}

func (m *triMesh) remaining() [][3]int {
	out := make([][3]int, 0, len(m.triangles))
	for t, tri := range m.triangles {
		if !m.removed[t] {
			out = append(out, tri)
		}
	}
	return out
}

type queuedTriangle struct {
	tri    int
	length float64
}

// edgeQueue is a max-heap on border edge length.
type edgeQueue []queuedTriangle

func (q edgeQueue) Len() int { return len(q) }
func (q edgeQueue) Less(i, j int) bool {
	if q[i].length != q[j].length {
		return q[i].length > q[j].length
	}
	return q[i].tri < q[j].tri
}
func (q edgeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *edgeQueue) Push(x any)   { *q = append(*q, x.(queuedTriangle)) }
func (q *edgeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// polygonsFromTriangles traces the outline of a set of counter-clockwise
// triangles. Counter-clockwise rings become shells and clockwise rings
// become holes of the smallest shell containing them.
func polygonsFromTriangles(points []orb.Point, tris [][3]int) []orb.Polygon {
	if len(tris) == 0 {
		return nil
	}

	directed := make(map[[2]int]bool, 3*len(tris))
	for _, t := range tris {
		for k := 0; k < 3; k++ {
			directed[[2]int{t[k], t[(k+1)%3]}] = true
		}
	}

	// Boundary edges are those whose reverse is not present; interior is on
	// their left.
	outgoing := make(map[int][]int)
	for e := range directed {
		if directed[[2]int{e[1], e[0]}] {
			continue
		}
		outgoing[e[0]] = append(outgoing[e[0]], e[1])
	}

	starts := make([]int, 0, len(outgoing))
	for v, outs := range outgoing {
		sort.Ints(outs)
		starts = append(starts, v)
	}
	sort.Ints(starts)

	var shells, holes []orb.Ring
	for _, start := range starts {
		for len(outgoing[start]) > 0 {
			ring := traceRing(points, outgoing, start)
			if len(ring) < 4 {
				continue
			}
			if signedArea(ring) > 0 {
				shells = append(shells, ring)
			} else {
				holes = append(holes, ring)
			}
		}
	}

	sort.SliceStable(shells, func(i, j int) bool {
		return math.Abs(signedArea(shells[i])) < math.Abs(signedArea(shells[j]))
	})
	polys := make([]orb.Polygon, len(shells))
	for i, s := range shells {
		polys[i] = orb.Polygon{s}
	}
	for _, h := range holes {
		probe := holeProbe(h)
		for i, s := range shells {
			if planar.RingContains(s, probe) {
				polys[i] = append(polys[i], h)
				break
			}
		}
	}
	return polys
}

// traceRing follows boundary edges from start until it returns, consuming
// them. At a vertex with several outgoing edges it takes the first one
// clockwise from the incoming direction, which splits rings at pinch points.
func traceRing(points []orb.Point, outgoing map[int][]int, start int) orb.Ring {
	ring := orb.Ring{points[start]}
	prev, cur := -1, start
	for {
		next := pickOutgoing(points, outgoing, prev, cur)
		if next < 0 {
			return nil
		}
		ring = append(ring, points[next])
		prev, cur = cur, next
		if cur == start {
			return ring
		}
		if len(ring) > 4*len(points)+4 {
			return nil
		}
	}
}

func pickOutgoing(points []orb.Point, outgoing map[int][]int, prev, cur int) int {
	outs := outgoing[cur]
	if len(outs) == 0 {
		return -1
	}
	best := 0
	if prev >= 0 && len(outs) > 1 {
		p, c := points[prev], points[cur]
		back := math.Atan2(p[1]-c[1], p[0]-c[0])
		bestTurn := math.Inf(1)
		for i, w := range outs {
			a := math.Atan2(points[w][1]-c[1], points[w][0]-c[0])
			turn := math.Mod(back-a+4*math.Pi, 2*math.Pi)
			if turn == 0 {
				turn = 2 * math.Pi
			}
			if turn < bestTurn {
				best, bestTurn = i, turn
			}
		}
	}
	next := outs[best]
	outgoing[cur] = append(outs[:best:best], outs[best+1:]...)
	return next
}

// holeProbe returns a point strictly inside the area enclosed by a hole
// ring: the midpoint of its first edge nudged to the ring's inner side.
func holeProbe(h orb.Ring) orb.Point {
	a, b := h[0], h[1]
	mid := orb.Point{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2}
	dx, dy := b[0]-a[0], b[1]-a[1]
	l := math.Hypot(dx, dy)
	if l == 0 {
		return mid
	}
	// Holes run clockwise so the enclosed area is on the right.
	eps := l * 1e-3
	return orb.Point{mid[0] + dy/l*eps, mid[1] - dx/l*eps}
}
