package fire

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// ContaminationReport counts detections removed per fire.
type ContaminationReport struct {
	Removed        map[string]int      `json:"removed"`
	ConcurrentWith map[string][]string `json:"concurrentWith"`
	TotalRemoved   int                 `json:"totalRemoved"`
}

// ConcurrentFires returns every other perimeter active during [start, end]
// whose polygon lies within radius of self.
func ConcurrentFires(self *Perimeter, start, end time.Time, catalog *Catalog, radius float64) []*Perimeter {
	var out []*Perimeter
	for _, other := range catalog.All() {
		if other.FireID == self.FireID {
			continue
		}
		if !other.ActiveDuring(start, end) {
			continue
		}
		if PolygonDistance(self.Geometry, other.Geometry) > radius {
			continue
		}
		out = append(out, other)
	}
	return out
}

// FilterFire drops detections of one fire that sit closer to a concurrent
// fire's boundary than to their own, unless they are inside their own
// perimeter. The returned slice preserves input order.
func FilterFire(fireID string, dets []Detection, catalog *Catalog, cfg ContaminationConfig) ([]Detection, []string) {
	if len(dets) == 0 {
		return dets, nil
	}
	self, ok := catalog.Get(fireID)
	if !ok {
		return dets, nil
	}

	start, end := timeRange(dets)
	concurrent := ConcurrentFires(self, start, end, catalog, cfg.ConcurrencyRadius)
	if len(concurrent) == 0 {
		return dets, nil
	}

	ids := make([]string, len(concurrent))
	for i, c := range concurrent {
		ids[i] = c.FireID
	}

	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if Contains(self.Geometry, d.Location) {
			kept = append(kept, d)
			continue
		}
		dSelf := BoundaryDistance(self.Geometry, d.Location)
		remove := false
		for _, other := range concurrent {
			if BoundaryDistance(other.Geometry, d.Location) < dSelf {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, d)
		}
	}
	return kept, ids
}

// FilterCrossFire runs FilterFire for every fire in dets, fanning out over
// at most workers goroutines. Output is grouped by fire in order of first
// appearance.
func FilterCrossFire(ctx context.Context, dets []Detection, catalog *Catalog, cfg ContaminationConfig, workers int) ([]Detection, ContaminationReport, error) {
	groups, order := groupByFire(dets)
	kept := make([][]Detection, len(order))
	concurrent := make([][]string, len(order))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, fireID := range order {
		i, fireID := i, fireID
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fireDets := make([]Detection, len(groups[fireID]))
			for j, idx := range groups[fireID] {
				fireDets[j] = dets[idx]
			}
			kept[i], concurrent[i] = FilterFire(fireID, fireDets, catalog, cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, ContaminationReport{}, err
	}

	report := ContaminationReport{
		Removed:        make(map[string]int),
		ConcurrentWith: make(map[string][]string),
	}
	var out []Detection
	for i, fireID := range order {
		if removed := len(groups[fireID]) - len(kept[i]); removed > 0 {
			report.Removed[fireID] = removed
			report.TotalRemoved += removed
		}
		if len(concurrent[i]) > 0 {
			report.ConcurrentWith[fireID] = concurrent[i]
		}
		out = append(out, kept[i]...)
	}

	log.Printf("Contamination: removed %d of %d detections across %d fires (%d fires had concurrent neighbours)",
		report.TotalRemoved, len(dets), len(order), len(report.ConcurrentWith))

	return out, report, nil
}
