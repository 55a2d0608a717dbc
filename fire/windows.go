package fire

import (
	"sort"
	"time"
)

// AssignWindows sorts detections by fire then acquisition time and numbers
// observation windows per fire. A new window starts whenever the gap to the
// previous detection of the same fire is strictly greater than gap. The
// input slice is not modified.
func AssignWindows(dets []Detection, gap time.Duration) []Detection {
	out := make([]Detection, len(dets))
	copy(out, dets)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FireID != out[j].FireID {
			return out[i].FireID < out[j].FireID
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})

	window := 0
	for i := range out {
		switch {
		case i == 0 || out[i].FireID != out[i-1].FireID:
			window = 0
		case out[i].AcquiredAt.Sub(out[i-1].AcquiredAt) > gap:
			window++
		}
		out[i].WindowID = window
	}
	return out
}

// WindowIDs returns the distinct window indices present in dets, ascending.
func WindowIDs(dets []Detection) []int {
	seen := make(map[int]struct{})
	var ids []int
	for _, d := range dets {
		if _, ok := seen[d.WindowID]; ok {
			continue
		}
		seen[d.WindowID] = struct{}{}
		ids = append(ids, d.WindowID)
	}
	sort.Ints(ids)
	return ids
}
