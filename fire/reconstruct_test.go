package fire

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noDensity(rc ReconstructionConfig) ReconstructionConfig {
	rc.DensityPercentile = nil
	return rc
}

func mustReconstructor(t *testing.T, rc ReconstructionConfig) *Reconstructor {
	t.Helper()
	r, err := NewReconstructor(rc)
	require.NoError(t, err)
	return r
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("final")
	require.NoError(t, err)
	assert.Equal(t, ModeFinal, m)

	m, err = ParseMode("progression")
	require.NoError(t, err)
	assert.Equal(t, ModeProgression, m)

	_, err = ParseMode("weekly")
	assert.True(t, errors.Is(err, ErrInvalidMode))
}

func TestNewReconstructor_InvalidConfig(t *testing.T) {
	rc := DefaultReconstructionConfig()
	rc.Eps = 0
	_, err := NewReconstructor(rc)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBuildPolygon_CircleOneCluster(t *testing.T) {
	pts := circlePoints(orb.Point{300000, 4100000}, 50, 10)

	for _, method := range []HullMethod{HullConcave, HullAlpha} {
		t.Run(string(method), func(t *testing.T) {
			rc := noDensity(DefaultReconstructionConfig())
			rc.Method = method
			r := mustReconstructor(t, rc)

			require.Len(t, r.Clusters(pts), 1)
			g := r.BuildPolygon(pts)
			require.NotNil(t, g)
			inside := 0
			for _, p := range pts {
				if coversPoint(g, p) {
					inside++
				}
			}
			assert.GreaterOrEqual(t, inside, 9)
		})
	}
}

func TestBuildPolygon_TooFewPoints(t *testing.T) {
	r := mustReconstructor(t, DefaultReconstructionConfig())
	assert.Nil(t, r.BuildPolygon(nil))
	assert.Nil(t, r.BuildPolygon([]orb.Point{{0, 0}, {1, 1}}))
}

func TestBuildPolygon_AllNoise(t *testing.T) {
	r := mustReconstructor(t, DefaultReconstructionConfig())
	pts := []orb.Point{{0, 0}, {10000, 0}, {0, 10000}, {10000, 10000}}
	assert.Nil(t, r.BuildPolygon(pts))
}

func TestBuildPolygon_MultiPart(t *testing.T) {
	rc := noDensity(DefaultReconstructionConfig())
	r := mustReconstructor(t, rc)

	var pts []orb.Point
	pts = append(pts, gridPoints(orb.Point{0, 0}, 200, 25)...)
	pts = append(pts, gridPoints(orb.Point{20000, 0}, 200, 25)...)

	g := r.BuildPolygon(pts)
	mp, ok := g.(orb.MultiPolygon)
	require.True(t, ok, "got %T", g)
	assert.Len(t, mp, 2)
	for _, p := range pts {
		assert.True(t, coversPoint(g, p))
	}
}

// arcAndBar returns a C-shaped arc of radius 1000 open to the east and a
// two-row bar reaching into its mouth. The arc's hull overlaps the bar
// without covering the area east of the chord.
func arcAndBar() (arc, bar []orb.Point) {
	for deg := 30; deg <= 330; deg += 3 {
		a := float64(deg) * math.Pi / 180
		arc = append(arc, orb.Point{1000 * math.Cos(a), 1000 * math.Sin(a)})
	}
	for x := 600.0; x <= 1300; x += 50 {
		bar = append(bar, orb.Point{x, 0}, orb.Point{x, 50})
	}
	return arc, bar
}

func TestBuildPolygon_OverlappingPartsUnion(t *testing.T) {
	rc := noDensity(DefaultReconstructionConfig())
	rc.Eps = 120
	rc.MergeDist = 100
	rc.ConcaveRatio = 1
	r := mustReconstructor(t, rc)

	arc, bar := arcAndBar()
	pts := append(append([]orb.Point(nil), arc...), bar...)
	require.Len(t, r.Clusters(pts), 2)

	g := r.BuildPolygon(pts)
	require.NotNil(t, g)
	poly, ok := g.(orb.Polygon)
	require.True(t, ok, "overlapping parts union into one polygon, got %T", g)

	areaArc := Area(orb.Polygon{convexHull(arc)})
	areaBar := Area(orb.Polygon{convexHull(bar)})
	overlap := (1000*math.Cos(math.Pi/6) - 600) * 50
	assert.InDelta(t, 35000, areaBar, 1e-6)
	assert.InDelta(t, areaArc+areaBar-overlap, Area(poly), 1e-3)
	assert.LessOrEqual(t, Area(poly), areaArc+areaBar)

	// Every point of the result lies in one of the parts.
	for _, p := range []orb.Point{{0, 0}, {-900, 0}, {700, 25}, {1250, 25}} {
		assert.True(t, coversPoint(poly, p), "%v should be covered", p)
	}
	for _, p := range []orb.Point{{1000, 200}, {1000, -200}, {1350, 25}} {
		assert.False(t, coversPoint(poly, p), "%v is in neither part", p)
	}
}

func TestClusters_MergeWithinDistance(t *testing.T) {
	a := gridPoints(orb.Point{0, 0}, 100, 9)    // x in [0, 200]
	b := gridPoints(orb.Point{1700, 0}, 100, 9) // 1500 from a
	pts := append(append([]orb.Point(nil), a...), b...)

	rc := DefaultReconstructionConfig()
	rc.Eps = 150

	rc.MergeDist = 2000
	assert.Len(t, mustReconstructor(t, rc).Clusters(pts), 1)

	rc.MergeDist = 1000
	assert.Len(t, mustReconstructor(t, rc).Clusters(pts), 2)

	rc.MergeDist = 1500
	assert.Len(t, mustReconstructor(t, rc).Clusters(pts), 1, "merge distance is inclusive")
}

func TestClusters_MergeTransitive(t *testing.T) {
	a := gridPoints(orb.Point{0, 0}, 100, 9)
	b := gridPoints(orb.Point{1700, 0}, 100, 9) // 1500 from a
	c := gridPoints(orb.Point{3400, 0}, 100, 9) // 1500 from b, 3200 from a
	pts := append(append(append([]orb.Point(nil), a...), b...), c...)

	rc := DefaultReconstructionConfig()
	rc.Eps = 150
	groups := mustReconstructor(t, rc).Clusters(pts)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0], 27)
}

func TestClusters_OrderIndependent(t *testing.T) {
	var pts []orb.Point
	// Two chains of three grids, 1900 apart within a chain.
	for i := 0; i < 6; i++ {
		pts = append(pts, gridPoints(orb.Point{float64(i%3) * 2100, float64(i/3) * 10000}, 100, 9)...)
	}
	rc := DefaultReconstructionConfig()
	rc.Eps = 150
	r := mustReconstructor(t, rc)

	partition := func(pts []orb.Point) []string {
		var out []string
		for _, g := range r.Clusters(pts) {
			keys := make([]string, len(g))
			for i, idx := range g {
				keys[i] = pointKey(pts[idx])
			}
			sort.Strings(keys)
			out = append(out, strings.Join(keys, ";"))
		}
		sort.Strings(out)
		return out
	}

	want := partition(pts)
	require.Len(t, want, 2)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 5; i++ {
		shuffled := append([]orb.Point(nil), pts...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, partition(shuffled))
	}
}

func pointKey(p orb.Point) string {
	return fmt.Sprintf("%.0f,%.0f", p[0], p[1])
}

func TestPercentile(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	assert.InDelta(t, 2.5, Percentile(values, 50), 1e-12)
	assert.InDelta(t, 1, Percentile(values, 0), 1e-12)
	assert.InDelta(t, 4, Percentile(values, 100), 1e-12)
	assert.InDelta(t, 1.06, Percentile(values, 2), 1e-12)
	assert.Equal(t, []float64{4, 1, 3, 2}, values, "input untouched")
	assert.True(t, math.IsNaN(Percentile(nil, 50)))
}

func TestDensityFilter_DropsSparsePoints(t *testing.T) {
	pts := gridPoints(orb.Point{0, 0}, 100, 25)
	pts = append(pts, orb.Point{1100, 0}) // 700 from the grid edge

	got := DensityFilter(pts, 750, 2)
	assert.NotContains(t, got, orb.Point{1100, 0})
	assert.NotEmpty(t, got)
}

func TestDensityFilter_UniformCountsRemoveAll(t *testing.T) {
	// Every count equals the percentile and only strictly greater survives.
	pts := circlePoints(orb.Point{0, 0}, 50, 10)
	assert.Empty(t, DensityFilter(pts, 750, 2))
}

func TestReconstructFinal(t *testing.T) {
	r := mustReconstructor(t, noDensity(DefaultReconstructionConfig()))
	start := time.Date(2021, 8, 1, 10, 0, 0, 0, time.UTC)
	dets := windowedDetections("A_1", gridPoints(orb.Point{0, 0}, 200, 40), start, 4, 12*time.Hour)
	dets = AssignWindows(dets, 2*time.Hour)

	res := r.ReconstructFinal("A_1", dets)
	assert.Equal(t, "A_1", res.FireID)
	assert.Equal(t, NoWindow, res.WindowID)
	assert.Equal(t, 40, res.NPoints)
	_, latest := timeRange(dets)
	assert.Equal(t, latest, res.Timestamp)
	require.False(t, res.IsNull())
	for _, d := range dets {
		assert.True(t, coversPoint(res.Geometry, d.Location))
	}

	empty := r.ReconstructFinal("B_2", nil)
	assert.True(t, empty.IsNull())
	assert.Zero(t, empty.NPoints)
}

// recordingFitter captures every point set it is asked to fit.
type recordingFitter struct {
	mu    sync.Mutex
	calls [][]orb.Point
	inner BoundaryFitter
}

func (f *recordingFitter) Fit(points []orb.Point) []orb.Polygon {
	f.mu.Lock()
	f.calls = append(f.calls, append([]orb.Point(nil), points...))
	f.mu.Unlock()
	return f.inner.Fit(points)
}

func TestReconstructProgression(t *testing.T) {
	rc := noDensity(DefaultReconstructionConfig())
	rc.Eps = 5000
	r := mustReconstructor(t, rc)
	rec := &recordingFitter{inner: r.fitter}
	r.fitter = rec

	start := time.Date(2021, 8, 1, 10, 0, 0, 0, time.UTC)
	pts := gridPoints(orb.Point{0, 0}, 250, 48)
	dets := AssignWindows(windowedDetections("A_1", pts, start, 4, 12*time.Hour), 2*time.Hour)

	// Reverse so the mode cannot rely on input order.
	reversed := append([]Detection(nil), dets...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}

	results := r.ReconstructProgression("A_1", reversed)
	require.Len(t, results, 4)
	for w, res := range results {
		assert.Equal(t, w, res.WindowID)
		assert.Equal(t, 12*(w+1), res.NPoints, "cumulative count")
		assert.False(t, res.IsNull())

		var window []Detection
		for _, d := range dets {
			if d.WindowID == w {
				window = append(window, d)
			}
		}
		_, latest := timeRange(window)
		assert.Equal(t, latest, res.Timestamp, "timestamp of window %d", w)
	}

	// Each window's input contains every point of the previous one.
	require.Len(t, rec.calls, 4)
	for k := 1; k < len(rec.calls); k++ {
		have := make(map[orb.Point]bool)
		for _, p := range rec.calls[k] {
			have[p] = true
		}
		for _, p := range rec.calls[k-1] {
			assert.True(t, have[p], "window %d lost point %v", k, p)
		}
	}
}

func TestReconstruct_Dispatch(t *testing.T) {
	r := mustReconstructor(t, noDensity(DefaultReconstructionConfig()))
	start := time.Date(2021, 8, 1, 0, 0, 0, 0, time.UTC)
	dets := AssignWindows(windowedDetections("A_1", gridPoints(orb.Point{0, 0}, 200, 30), start, 3, 6*time.Hour), 2*time.Hour)

	assert.Len(t, r.Reconstruct("A_1", dets, ModeFinal), 1)
	assert.Len(t, r.Reconstruct("A_1", dets, ModeProgression), 3)
}

func TestReconstructAll(t *testing.T) {
	start := time.Date(2021, 8, 1, 0, 0, 0, 0, time.UTC)
	var dets []Detection
	dets = append(dets, windowedDetections("B_2", gridPoints(orb.Point{50000, 0}, 200, 30), start, 3, 6*time.Hour)...)
	dets = append(dets, windowedDetections("A_1", gridPoints(orb.Point{0, 0}, 200, 30), start, 3, 6*time.Hour)...)
	dets = append(dets, windowedDetections("C_3", []orb.Point{{0, 0}, {9000, 0}}, start, 1, time.Hour)...)
	dets = AssignWindows(dets, 2*time.Hour)
	rc := noDensity(DefaultReconstructionConfig())

	seq, err := ReconstructAll(context.Background(), dets, rc, ModeFinal, 1, nil)
	require.NoError(t, err)
	require.Len(t, seq, 3)
	assert.Equal(t, []string{"A_1", "B_2", "C_3"}, []string{seq[0].FireID, seq[1].FireID, seq[2].FireID})
	assert.False(t, seq[0].Results[0].IsNull())
	assert.True(t, seq[2].Results[0].IsNull(), "too few points is a null result, not an error")

	par, err := ReconstructAll(context.Background(), dets, rc, ModeFinal, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, seq, par)
}

func TestReconstructAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dets := windowedDetections("A_1", gridPoints(orb.Point{0, 0}, 200, 30), time.Now(), 1, time.Hour)

	_, err := ReconstructAll(ctx, dets, DefaultReconstructionConfig(), ModeFinal, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type panicFitter struct{}

func (panicFitter) Fit([]orb.Point) []orb.Polygon { panic("boom") }

func TestReconstructIsolated_RecoversPanic(t *testing.T) {
	r := mustReconstructor(t, noDensity(DefaultReconstructionConfig()))
	r.fitter = panicFitter{}

	start := time.Date(2021, 8, 1, 0, 0, 0, 0, time.UTC)
	dets := AssignWindows(windowedDetections("A_1", gridPoints(orb.Point{0, 0}, 200, 30), start, 3, 6*time.Hour), 2*time.Hour)

	fr := r.reconstructIsolated("A_1", dets, ModeProgression, nil)
	require.Len(t, fr.Results, 3)
	for w, res := range fr.Results {
		assert.True(t, res.IsNull())
		assert.Equal(t, w, res.WindowID)
		assert.Equal(t, 10*(w+1), res.NPoints)
	}

	fr = r.reconstructIsolated("A_1", dets, ModeFinal, nil)
	require.Len(t, fr.Results, 1)
	assert.True(t, fr.Results[0].IsNull())
	assert.Equal(t, 30, fr.Results[0].NPoints)
}
