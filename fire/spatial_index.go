package fire

import (
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// gridIndex buckets points into square cells for fixed-radius queries.
// Cell size must be at least the query radius so a 3x3 cell scan is
// exhaustive.
type gridIndex struct {
	cellSize float64
	cells    map[[2]int64][]int
}

func newGridIndex(points []orb.Point, cellSize float64) *gridIndex {
	if cellSize <= 0 {
		cellSize = 1
	}
	g := &gridIndex{
		cellSize: cellSize,
		cells:    make(map[[2]int64][]int, len(points)/4+1),
	}
	for i, p := range points {
		k := g.cell(p)
		g.cells[k] = append(g.cells[k], i)
	}
	return g
}

func (g *gridIndex) cell(p orb.Point) [2]int64 {
	return [2]int64{
		int64(math.Floor(p[0] / g.cellSize)),
		int64(math.Floor(p[1] / g.cellSize)),
	}
}

// regionQuery returns indices of all points within eps of points[idx],
// including idx itself.
func (g *gridIndex) regionQuery(points []orb.Point, idx int, eps float64) []int {
	p := points[idx]
	eps2 := eps * eps
	base := g.cell(p)

	var neighbors []int
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for _, j := range g.cells[[2]int64{base[0] + dx, base[1] + dy}] {
				ddx := points[j][0] - p[0]
				ddy := points[j][1] - p[1]
				if ddx*ddx+ddy*ddy <= eps2 {
					neighbors = append(neighbors, j)
				}
			}
		}
	}
	return neighbors
}

// pointTree answers nearest-neighbour and radius-count queries over a fixed
// point set.
type pointTree struct {
	tree *kdtree.Tree
}

func newPointTree(points []orb.Point) *pointTree {
	if len(points) == 0 {
		return &pointTree{}
	}
	pts := make(kdtree.Points, len(points))
	for i, p := range points {
		pts[i] = kdtree.Point{p[0], p[1]}
	}
	return &pointTree{tree: kdtree.New(pts, false)}
}

// nearest returns the distance from q to the closest indexed point.
func (t *pointTree) nearest(q orb.Point) float64 {
	if t.tree == nil {
		return math.Inf(1)
	}
	_, d2 := t.tree.Nearest(kdtree.Point{q[0], q[1]})
	return math.Sqrt(d2)
}

// countWithin returns how many indexed points lie within r of q (inclusive).
func (t *pointTree) countWithin(q orb.Point, r float64) int {
	if t.tree == nil {
		return 0
	}
	keep := kdtree.NewDistKeeper(r * r)
	t.tree.NearestSet(keep, kdtree.Point{q[0], q[1]})
	n := 0
	for _, c := range keep.Heap {
		// The keeper is seeded with a nil sentinel at the radius.
		if c.Comparable != nil {
			n++
		}
	}
	return n
}

// NearestSetDistance returns the minimum distance between any point of a
// and any point of b. Empty sets are infinitely far apart.
func NearestSetDistance(a, b []orb.Point) float64 {
	if len(a) == 0 || len(b) == 0 {
		return math.Inf(1)
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	tree := newPointTree(b)
	best := math.Inf(1)
	for _, p := range a {
		if d := tree.nearest(p); d < best {
			best = d
			if best == 0 {
				break
			}
		}
	}
	return best
}

// RadiusNeighborCounts returns, for every point, how many points of the set
// (itself included) lie within r.
func RadiusNeighborCounts(points []orb.Point, r float64) []int {
	tree := newPointTree(points)
	counts := make([]int, len(points))
	for i, p := range points {
		counts[i] = tree.countWithin(p, r)
	}
	return counts
}
