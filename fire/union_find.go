package fire

// DisjointSet implements a union-find structure with path compression.
// Merging is transitive: once a~b and b~c, Find(a) == Find(c).
type DisjointSet struct {
	parent []int
}

// NewDisjointSet creates n singleton sets labelled 0..n-1.
func NewDisjointSet(n int) *DisjointSet {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &DisjointSet{parent: p}
}

// Find returns the representative of x's set.
func (ds *DisjointSet) Find(x int) int {
	for ds.parent[x] != x {
		ds.parent[x] = ds.parent[ds.parent[x]]
		x = ds.parent[x]
	}
	return x
}

// Union merges the sets containing a and b. The smaller representative
// wins so the final partition does not depend on call order.
func (ds *DisjointSet) Union(a, b int) {
	ra, rb := ds.Find(a), ds.Find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		ds.parent[rb] = ra
	} else {
		ds.parent[ra] = rb
	}
}

// Groups returns the members of every set, ordered by their smallest member.
func (ds *DisjointSet) Groups() [][]int {
	index := make(map[int]int)
	var groups [][]int
	for i := range ds.parent {
		root := ds.Find(i)
		g, ok := index[root]
		if !ok {
			g = len(groups)
			index[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}
