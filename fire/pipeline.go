package fire

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Stage names used in Stats and metrics labels.
const (
	StageInput         = "input"
	StageAssociation   = "association"
	StageContamination = "contamination"
	StageValidity      = "validity"
)

// StageCount records what survived one stage.
type StageCount struct {
	Stage      string `json:"stage"`
	Detections int    `json:"detections"`
	Fires      int    `json:"fires"`
}

// Stats collects every exclusion made while building a dataset.
type Stats struct {
	Stages        []StageCount        `json:"stages"`
	Association   AssociationReport   `json:"association"`
	Contamination ContaminationReport `json:"contamination"`
	Validity      ValidityReport      `json:"validity"`
	Elapsed       time.Duration       `json:"elapsed"`
}

// Dataset is the cleaned, windowed detection set plus the perimeters of the
// fires that survived.
type Dataset struct {
	Detections []Detection `json:"detections"`
	Perimeters []Perimeter `json:"perimeters"`
	Stats      Stats       `json:"stats"`
}

// Catalog indexes the dataset's perimeters.
func (ds *Dataset) Catalog() (*Catalog, error) {
	return NewCatalog(ds.Perimeters)
}

// FireDetections returns the detections of one fire in dataset order.
func (ds *Dataset) FireDetections(fireID string) []Detection {
	var out []Detection
	for _, d := range ds.Detections {
		if d.FireID == fireID {
			out = append(out, d)
		}
	}
	return out
}

// FireIDs returns the surviving fire IDs, sorted.
func (ds *Dataset) FireIDs() []string {
	return fireIDs(ds.Detections)
}

// BuildDataset runs association, contamination filtering, window assignment
// and the validity gate. Only structurally invalid perimeters produce an
// error; every other exclusion is counted in Stats.
func BuildDataset(ctx context.Context, dets []Detection, perimeters []Perimeter, cfg *Config, metrics *Metrics) (*Dataset, error) {
	start := time.Now()
	catalog, err := NewCatalog(perimeters)
	if err != nil {
		return nil, fmt.Errorf("building perimeter catalog: %w", err)
	}

	var stats Stats
	record := func(stage string, ds []Detection) {
		sc := StageCount{Stage: stage, Detections: len(ds), Fires: len(fireIDs(ds))}
		if stage == StageInput {
			sc.Fires = catalog.Len()
		}
		stats.Stages = append(stats.Stages, sc)
		metrics.stage(stage, sc.Detections, sc.Fires)
	}
	record(StageInput, dets)

	associated, assoc := Associate(dets, catalog, cfg.Association)
	stats.Association = assoc
	metrics.exclude(StageAssociation, "unmatched", assoc.Unmatched)
	metrics.exclude(StageAssociation, "below_support", len(assoc.FiresBelowSupport))
	record(StageAssociation, associated)

	clean, contam, err := FilterCrossFire(ctx, associated, catalog, cfg.Contamination, cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("contamination filter: %w", err)
	}
	stats.Contamination = contam
	metrics.exclude(StageContamination, "closer_to_concurrent_fire", contam.TotalRemoved)
	record(StageContamination, clean)

	windowed := AssignWindows(clean, cfg.Windows.Gap)

	valid, validity := FilterValid(windowed, catalog, cfg.Validity)
	stats.Validity = validity
	for reason, n := range validity.Dropped {
		metrics.exclude(StageValidity, reason, n)
	}
	record(StageValidity, valid)

	keep := make(map[string]struct{})
	for _, d := range valid {
		keep[d.FireID] = struct{}{}
	}
	stats.Elapsed = time.Since(start)

	log.Printf("Dataset: %d detections across %d fires (from %d detections, %d perimeters) in %v",
		len(valid), len(keep), len(dets), catalog.Len(), stats.Elapsed.Round(time.Millisecond))

	return &Dataset{
		Detections: valid,
		Perimeters: catalog.Subset(keep),
		Stats:      stats,
	}, nil
}
