package fire

import (
	"log"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"
)

// AssociationReport counts what the association stage kept and discarded.
type AssociationReport struct {
	InputDetections   int      `json:"inputDetections"`
	Unmatched         int      `json:"unmatched"`
	Associations      int      `json:"associations"`
	FiresMatched      int      `json:"firesMatched"`
	FiresBelowSupport []string `json:"firesBelowSupport,omitempty"`
	Kept              int      `json:"kept"`
}

// indexedDetection remembers the input position so matches come out in a
// stable order whatever the quadtree traversal.
type indexedDetection struct {
	*Detection
	idx int
}

// Associate labels every detection with each fire whose buffered perimeter
// contains it during the fire's active days. A detection matching several
// fires is copied once per fire. Fires with fewer than cfg.MinDetections
// associations are dropped.
func Associate(dets []Detection, catalog *Catalog, cfg AssociationConfig) ([]Detection, AssociationReport) {
	report := AssociationReport{InputDetections: len(dets)}
	if len(dets) == 0 || catalog == nil || catalog.Len() == 0 {
		report.Unmatched = len(dets)
		return nil, report
	}

	qt := quadtree.New(detectionBound(dets).Pad(1))
	for i := range dets {
		if err := qt.Add(indexedDetection{Detection: &dets[i], idx: i}); err != nil {
			log.Printf("Association: skipping detection %d outside index bound: %v", i, err)
		}
	}

	matched := make([]bool, len(dets))
	var out []Detection
	var buf []orb.Pointer

	for _, p := range catalog.All() {
		alarm, cont := calendarDay(p.AlarmDate), calendarDay(p.ContDate)

		buf = qt.InBound(buf[:0], p.Geometry.Bound().Pad(cfg.BufferDistance))
		var hits []int
		for _, ptr := range buf {
			cand := ptr.(indexedDetection)
			day := cand.AcquiredDay()
			if day.Before(alarm) || day.After(cont) {
				continue
			}
			if !WithinBuffer(p.Geometry, cand.Location, cfg.BufferDistance) {
				continue
			}
			hits = append(hits, cand.idx)
		}
		if len(hits) == 0 {
			continue
		}

		report.FiresMatched++
		report.Associations += len(hits)
		for _, i := range hits {
			matched[i] = true
		}

		if len(hits) < cfg.MinDetections {
			report.FiresBelowSupport = append(report.FiresBelowSupport, p.FireID)
			continue
		}

		sort.Ints(hits)
		for _, i := range hits {
			d := dets[i]
			d.FireID = p.FireID
			out = append(out, d)
		}
	}

	for _, m := range matched {
		if !m {
			report.Unmatched++
		}
	}
	report.Kept = len(out)

	log.Printf("Association: %d of %d detections matched to %d fires (%d below support of %d)",
		len(dets)-report.Unmatched, len(dets), report.FiresMatched,
		len(report.FiresBelowSupport), cfg.MinDetections)

	return out, report
}

func detectionBound(dets []Detection) orb.Bound {
	b := orb.Bound{Min: dets[0].Location, Max: dets[0].Location}
	for _, d := range dets[1:] {
		b = b.Extend(d.Location)
	}
	return b
}
