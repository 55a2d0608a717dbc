package fire

import "log"

// Drop reasons reported by the validity gate.
const (
	DropMissingPerimeter = "missing_perimeter"
	DropSmallArea        = "small_area"
	DropFewWindows       = "few_windows"
	DropFewDetections    = "few_detections"
)

// FireSummary describes one fire at the validity gate.
type FireSummary struct {
	FireID     string  `json:"fireId"`
	Detections int     `json:"detections"`
	Windows    int     `json:"windows"`
	AreaKm2    float64 `json:"areaKm2"`
	Dropped    string  `json:"dropped,omitempty"`
}

// ValidityReport lists every fire considered and why it was dropped.
type ValidityReport struct {
	Fires   []FireSummary  `json:"fires"`
	Dropped map[string]int `json:"dropped"`
	Kept    int            `json:"kept"`
}

// SummarizeFire computes windows, detection count and perimeter area and
// applies the thresholds. dets must all belong to fireID.
func SummarizeFire(fireID string, dets []Detection, catalog *Catalog, cfg ValidityConfig) FireSummary {
	s := FireSummary{
		FireID:     fireID,
		Detections: len(dets),
		Windows:    len(WindowIDs(dets)),
	}
	p, ok := catalog.Get(fireID)
	if !ok {
		s.Dropped = DropMissingPerimeter
		return s
	}
	s.AreaKm2 = p.AreaKm2()
	switch {
	case s.AreaKm2 < cfg.MinAreaKm2:
		s.Dropped = DropSmallArea
	case s.Windows < cfg.MinWindows:
		s.Dropped = DropFewWindows
	case s.Detections < cfg.MinDetections:
		s.Dropped = DropFewDetections
	}
	return s
}

// FilterValid keeps only detections of fires passing the validity gate.
// dets should already carry window IDs.
func FilterValid(dets []Detection, catalog *Catalog, cfg ValidityConfig) ([]Detection, ValidityReport) {
	groups, order := groupByFire(dets)
	report := ValidityReport{Dropped: make(map[string]int)}

	keep := make(map[string]bool, len(order))
	for _, fireID := range order {
		fireDets := make([]Detection, len(groups[fireID]))
		for j, idx := range groups[fireID] {
			fireDets[j] = dets[idx]
		}
		s := SummarizeFire(fireID, fireDets, catalog, cfg)
		report.Fires = append(report.Fires, s)
		if s.Dropped != "" {
			report.Dropped[s.Dropped]++
			log.Printf("Validity: dropping %s (%s: %d detections, %d windows, %.2f km²)",
				fireID, s.Dropped, s.Detections, s.Windows, s.AreaKm2)
			continue
		}
		keep[fireID] = true
		report.Kept++
	}

	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if keep[d.FireID] {
			out = append(out, d)
		}
	}
	return out, report
}
