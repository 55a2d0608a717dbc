package fire

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validityConfig() ValidityConfig {
	return ValidityConfig{MinWindows: 4, MinDetections: 150, MinAreaKm2: 1}
}

// windowed returns n detections for fireID spread evenly over windows.
func windowed(fireID string, n, windows int) []Detection {
	dets := make([]Detection, n)
	for i := range dets {
		dets[i] = NewDetection(0, 0, time.Date(2021, 8, 1, 0, i, 0, 0, time.UTC), "N")
		dets[i].FireID = fireID
		dets[i].WindowID = i % windows
	}
	return dets
}

func TestSummarizeFire(t *testing.T) {
	catalog := mustCatalog(t,
		mustPerimeter(t, "Big", "1", square(0, 0, 1000), "2021-08-01", "2021-08-10"),     // 4 km²
		mustPerimeter(t, "Tiny", "2", square(50000, 0, 400), "2021-08-01", "2021-08-10"), // 0.64 km²
	)
	cfg := validityConfig()

	tests := []struct {
		name    string
		fireID  string
		n       int
		windows int
		dropped string
	}{
		{"passes", "Big_1", 150, 4, ""},
		{"one detection short", "Big_1", 149, 4, DropFewDetections},
		{"one window short", "Big_1", 300, 3, DropFewWindows},
		{"small area", "Tiny_2", 300, 8, DropSmallArea},
		{"no perimeter", "Ghost_9", 300, 8, DropMissingPerimeter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SummarizeFire(tt.fireID, windowed(tt.fireID, tt.n, tt.windows), catalog, cfg)
			assert.Equal(t, tt.dropped, s.Dropped)
			assert.Equal(t, tt.n, s.Detections)
			assert.Equal(t, tt.windows, s.Windows)
		})
	}

	s := SummarizeFire("Big_1", windowed("Big_1", 150, 4), catalog, cfg)
	assert.InDelta(t, 4, s.AreaKm2, 1e-9)
}

func TestFilterValid(t *testing.T) {
	catalog := mustCatalog(t,
		mustPerimeter(t, "Big", "1", square(0, 0, 1000), "2021-08-01", "2021-08-10"),
		mustPerimeter(t, "Sparse", "2", square(50000, 0, 1000), "2021-08-01", "2021-08-10"),
	)
	var dets []Detection
	dets = append(dets, windowed("Sparse_2", 100, 5)...)
	dets = append(dets, windowed("Big_1", 200, 4)...)

	out, report := FilterValid(dets, catalog, validityConfig())
	require.Len(t, out, 200)
	for _, d := range out {
		assert.Equal(t, "Big_1", d.FireID)
	}
	assert.Equal(t, 1, report.Kept)
	assert.Equal(t, map[string]int{DropFewDetections: 1}, report.Dropped)
	require.Len(t, report.Fires, 2)
	assert.Equal(t, "Sparse_2", report.Fires[0].FireID)
}

func TestFilterValid_ZeroThresholdsKeepAll(t *testing.T) {
	catalog := mustCatalog(t, mustPerimeter(t, "A", "1", square(0, 0, 10), "2021-08-01", "2021-08-10"))
	dets := []Detection{NewDetection(0, 0, time.Now(), "N")}
	dets[0].FireID = "A_1"
	dets[0].Location = orb.Point{1, 1}

	out, report := FilterValid(dets, catalog, ValidityConfig{})
	assert.Len(t, out, 1)
	assert.Equal(t, 1, report.Kept)
}
