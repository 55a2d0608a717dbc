package fire

import "github.com/paulmach/orb"

// Noise is the DBSCAN label for points not assigned to any cluster.
const Noise = -1

// DBSCANParams configures density-based clustering.
type DBSCANParams struct {
	Eps        float64 // neighbourhood radius in map units
	MinSamples int     // neighbours (self included) needed for a core point
}

// DBSCAN labels every point with a cluster index in [0, k) or Noise and
// returns k. A point's own position counts toward MinSamples.
func DBSCAN(points []orb.Point, params DBSCANParams) ([]int, int) {
	n := len(points)
	if n == 0 {
		return nil, 0
	}

	const unvisited = -2
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	index := newGridIndex(points, params.Eps)
	clusters := 0

	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}

		neighbors := index.regionQuery(points, i, params.Eps)
		if len(neighbors) < params.MinSamples {
			labels[i] = Noise
			continue
		}

		labels[i] = clusters
		expandCluster(points, index, labels, neighbors, clusters, params)
		clusters++
	}

	return labels, clusters
}

// expandCluster grows cluster id from the neighbourhood of a core point.
func expandCluster(points []orb.Point, index *gridIndex, labels []int, queue []int, id int, params DBSCANParams) {
	for j := 0; j < len(queue); j++ {
		idx := queue[j]

		if labels[idx] == Noise {
			// Border point reached from a core point.
			labels[idx] = id
			continue
		}
		if labels[idx] >= 0 {
			continue
		}

		labels[idx] = id
		next := index.regionQuery(points, idx, params.Eps)
		if len(next) >= params.MinSamples {
			queue = append(queue, next...)
		}
	}
}

// clusterMembers groups point indices by label, dropping noise.
func clusterMembers(labels []int, k int) [][]int {
	members := make([][]int, k)
	for i, l := range labels {
		if l >= 0 {
			members[l] = append(members[l], i)
		}
	}
	return members
}
