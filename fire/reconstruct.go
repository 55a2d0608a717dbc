package fire

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidMode is returned by ParseMode for unknown mode names.
var ErrInvalidMode = errors.New("invalid reconstruction mode")

// Mode selects how detections are sliced before reconstruction.
type Mode string

const (
	// ModeFinal builds one polygon from every detection of a fire.
	ModeFinal Mode = "final"
	// ModeProgression builds one polygon per window from cumulative
	// detections.
	ModeProgression Mode = "progression"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFinal, ModeProgression:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q (want final or progression)", ErrInvalidMode, s)
}

// Reconstructor turns detection point sets into fire polygons.
type Reconstructor struct {
	cfg    ReconstructionConfig
	fitter BoundaryFitter
}

// NewReconstructor validates cfg and picks the boundary fitter.
func NewReconstructor(cfg ReconstructionConfig) (*Reconstructor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reconstructor{cfg: cfg, fitter: NewBoundaryFitter(cfg)}, nil
}

// Clusters runs DBSCAN and merges clusters whose nearest members are within
// MergeDist. Each returned group holds indices into points; noise is
// dropped. Groups are ordered by their smallest member.
func (r *Reconstructor) Clusters(points []orb.Point) [][]int {
	labels, k := DBSCAN(points, DBSCANParams{Eps: r.cfg.Eps, MinSamples: r.cfg.MinSamples})
	members := clusterMembers(labels, k)
	return mergeClusters(points, members, r.cfg.MergeDist)
}

// mergeClusters unions every pair of clusters whose point sets come within
// mergeDist. Merging is transitive.
func mergeClusters(points []orb.Point, members [][]int, mergeDist float64) [][]int {
	sets := make([][]orb.Point, len(members))
	for i, m := range members {
		sets[i] = make([]orb.Point, len(m))
		for j, idx := range m {
			sets[i][j] = points[idx]
		}
	}

	ds := NewDisjointSet(len(members))
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			if NearestSetDistance(sets[i], sets[j]) <= mergeDist {
				ds.Union(i, j)
			}
		}
	}

	var out [][]int
	for _, g := range ds.Groups() {
		var merged []int
		for _, c := range g {
			merged = append(merged, members[c]...)
		}
		sort.Ints(merged)
		out = append(out, merged)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// DensityFilter drops points whose neighbour count within radius does not
// exceed the given percentile of counts across the set.
func DensityFilter(points []orb.Point, radius, pct float64) []orb.Point {
	if len(points) == 0 {
		return nil
	}
	counts := RadiusNeighborCounts(points, radius)
	values := make([]float64, len(counts))
	for i, c := range counts {
		values[i] = float64(c)
	}
	threshold := Percentile(values, pct)

	out := make([]orb.Point, 0, len(points))
	for i, p := range points {
		if float64(counts[i]) > threshold {
			out = append(out, p)
		}
	}
	return out
}

// Percentile returns the pct-th percentile (0..100) of values using linear
// interpolation between closest ranks.
func Percentile(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if pct <= 0 {
		return sorted[0]
	}
	if pct >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := pct / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// BuildPolygon clusters points, filters each merged cluster, fits a
// boundary per cluster and unions the parts. It returns nil when fewer
// than three points are given or no cluster survives.
func (r *Reconstructor) BuildPolygon(points []orb.Point) orb.Geometry {
	if len(points) < 3 {
		return nil
	}

	var parts []orb.Polygon
	for _, group := range r.Clusters(points) {
		pts := make([]orb.Point, len(group))
		for j, idx := range group {
			pts[j] = points[idx]
		}
		if r.cfg.densityEnabled() {
			pts = DensityFilter(pts, r.cfg.DensityRadius, *r.cfg.DensityPercentile)
		}
		if len(pts) < 3 {
			continue
		}
		parts = append(parts, r.fitter.Fit(pts)...)
	}
	if len(parts) <= 1 {
		return collapse(parts)
	}
	return collapse(UnionPolygons(parts))
}

// ReconstructFinal builds one result from all detections.
func (r *Reconstructor) ReconstructFinal(fireID string, dets []Detection) Result {
	res := Result{FireID: fireID, WindowID: NoWindow, NPoints: len(dets)}
	if len(dets) == 0 {
		return res
	}
	_, res.Timestamp = timeRange(dets)
	res.Geometry = r.BuildPolygon(detectionPoints(dets))
	return res
}

// ReconstructProgression builds one result per distinct window, ascending,
// from all detections with a window index at or below it. Each result
// carries the latest timestamp of its own window and the cumulative count.
func (r *Reconstructor) ReconstructProgression(fireID string, dets []Detection) []Result {
	if len(dets) == 0 {
		return nil
	}
	sorted := append([]Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].WindowID < sorted[j].WindowID
	})

	var results []Result
	for end := 0; end < len(sorted); {
		w := sorted[end].WindowID
		start := end
		for end < len(sorted) && sorted[end].WindowID == w {
			end++
		}
		_, latest := timeRange(sorted[start:end])
		results = append(results, Result{
			FireID:    fireID,
			WindowID:  w,
			Geometry:  r.BuildPolygon(detectionPoints(sorted[:end])),
			NPoints:   end,
			Timestamp: latest,
		})
	}
	return results
}

// Reconstruct dispatches on mode.
func (r *Reconstructor) Reconstruct(fireID string, dets []Detection, mode Mode) []Result {
	if mode == ModeProgression {
		return r.ReconstructProgression(fireID, dets)
	}
	return []Result{r.ReconstructFinal(fireID, dets)}
}

// ReconstructAll reconstructs every fire in dets over at most workers
// goroutines. Results are ordered by fire ID. A fire whose reconstruction
// panics yields null results rather than aborting the others.
func ReconstructAll(ctx context.Context, dets []Detection, cfg ReconstructionConfig, mode Mode, workers int, metrics *Metrics) ([]FireReconstruction, error) {
	r, err := NewReconstructor(cfg)
	if err != nil {
		return nil, err
	}

	groups, _ := groupByFire(dets)
	ids := fireIDs(dets)
	out := make([]FireReconstruction, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, fireID := range ids {
		i, fireID := i, fireID
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fireDets := make([]Detection, len(groups[fireID]))
			for j, idx := range groups[fireID] {
				fireDets[j] = dets[idx]
			}
			out[i] = r.reconstructIsolated(fireID, fireDets, mode, metrics)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	nulls := 0
	total := 0
	for _, fr := range out {
		for _, res := range fr.Results {
			total++
			if res.IsNull() {
				nulls++
			}
		}
	}
	log.Printf("Reconstruction: %d fires, %d %s results (%d null)", len(out), total, mode, nulls)
	return out, nil
}

// reconstructIsolated keeps a failure in one fire from taking down the run.
func (r *Reconstructor) reconstructIsolated(fireID string, dets []Detection, mode Mode, metrics *Metrics) (fr FireReconstruction) {
	fr.FireID = fireID
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Reconstruction: %s failed: %v", fireID, rec)
			fr.Results = nullResults(fireID, dets, mode)
		}
		for _, res := range fr.Results {
			metrics.reconstructed(res.IsNull(), time.Since(start)/time.Duration(max(len(fr.Results), 1)))
		}
	}()
	fr.Results = r.Reconstruct(fireID, dets, mode)
	return fr
}

// nullResults mirrors Reconstruct's shape with every geometry nil.
func nullResults(fireID string, dets []Detection, mode Mode) []Result {
	if mode != ModeProgression {
		res := Result{FireID: fireID, WindowID: NoWindow, NPoints: len(dets)}
		_, res.Timestamp = timeRange(dets)
		return []Result{res}
	}
	var out []Result
	cumulative := 0
	for _, w := range WindowIDs(dets) {
		var window []Detection
		for _, d := range dets {
			if d.WindowID == w {
				window = append(window, d)
			}
		}
		cumulative += len(window)
		_, latest := timeRange(window)
		out = append(out, Result{FireID: fireID, WindowID: w, NPoints: cumulative, Timestamp: latest})
	}
	return out
}

func detectionPoints(dets []Detection) []orb.Point {
	pts := make([]orb.Point, len(dets))
	for i, d := range dets {
		pts[i] = d.Location
	}
	return pts
}
