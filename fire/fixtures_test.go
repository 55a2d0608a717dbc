package fire

import (
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func rect(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Polygon{{
		{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY},
	}}
}

func square(cx, cy, half float64) orb.Polygon {
	return rect(cx-half, cy-half, cx+half, cy+half)
}

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func mustPerimeter(t *testing.T, name, inc string, geom orb.Geometry, alarm, cont string) Perimeter {
	t.Helper()
	p, err := NewPerimeter(name, inc, geom, day(alarm), day(cont))
	require.NoError(t, err)
	return p
}

func mustCatalog(t *testing.T, perimeters ...Perimeter) *Catalog {
	t.Helper()
	c, err := NewCatalog(perimeters)
	require.NoError(t, err)
	return c
}

// gridPoints lays n points on a square grid with the given spacing, filling
// rows of side points starting at origin.
func gridPoints(origin orb.Point, spacing float64, n int) []orb.Point {
	side := int(math.Ceil(math.Sqrt(float64(n))))
	pts := make([]orb.Point, 0, n)
	for i := 0; i < n; i++ {
		pts = append(pts, orb.Point{
			origin[0] + float64(i%side)*spacing,
			origin[1] + float64(i/side)*spacing,
		})
	}
	return pts
}

func circlePoints(center orb.Point, r float64, n int) []orb.Point {
	pts := make([]orb.Point, n)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = orb.Point{center[0] + r*math.Cos(a), center[1] + r*math.Sin(a)}
	}
	return pts
}

// windowedDetections spreads pts across windows passes, each pass starting
// passGap after the previous one with detections a minute apart.
func windowedDetections(fireID string, pts []orb.Point, start time.Time, windows int, passGap time.Duration) []Detection {
	dets := make([]Detection, len(pts))
	per := (len(pts) + windows - 1) / windows
	for i, p := range pts {
		w := i / per
		at := start.Add(time.Duration(w)*passGap + time.Duration(i%per)*time.Minute)
		d := NewDetection(p[0], p[1], at, "N")
		d.FireID = fireID
		dets[i] = d
	}
	return dets
}

func coversPoint(g orb.Geometry, p orb.Point) bool {
	mp := asMultiPolygon(g)
	return Contains(mp, p) || BoundaryDistance(mp, p) < 1e-6
}
