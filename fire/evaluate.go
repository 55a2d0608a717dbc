package fire

import (
	"log"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/stat"
)

// Evaluation compares one reconstructed polygon with the fire's true
// perimeter. Areas are in km².
type Evaluation struct {
	FireID       string  `json:"fireId"`
	WindowID     int     `json:"windowId"`
	Null         bool    `json:"null"`
	NPoints      int     `json:"nPoints"`
	TrueArea     float64 `json:"trueAreaKm2"`
	PredArea     float64 `json:"predAreaKm2"`
	Intersection float64 `json:"intersectionKm2"`
	AreaRatio    float64 `json:"areaRatio"`
	IoU          float64 `json:"iou"`
	Precision    float64 `json:"precision"`
	Recall       float64 `json:"recall"`
}

// EvaluationSummary aggregates evaluations across fires.
type EvaluationSummary struct {
	Count         int     `json:"count"`
	Null          int     `json:"null"`
	MeanIoU       float64 `json:"meanIoU"`
	StdIoU        float64 `json:"stdIoU"`
	MedianIoU     float64 `json:"medianIoU"`
	MeanAreaRatio float64 `json:"meanAreaRatio"`
}

// Evaluate scores res against the true perimeter. The intersection area is
// exact; geometry the overlay rejects (self-intersecting rings in source
// perimeters) falls back to grid sampling at cfg.GridCell.
func Evaluate(res Result, truth *Perimeter, cfg EvaluationConfig) Evaluation {
	ev := Evaluation{
		FireID:   res.FireID,
		WindowID: res.WindowID,
		NPoints:  res.NPoints,
		TrueArea: truth.AreaKm2(),
		Null:     res.IsNull(),
	}
	if ev.Null {
		return ev
	}

	pred := asMultiPolygon(res.Geometry)
	ev.PredArea = Area(pred) / 1e6
	if ev.TrueArea > 0 {
		ev.AreaRatio = ev.PredArea / ev.TrueArea
	}

	inter, err := IntersectionArea(pred, truth.Geometry)
	if err != nil {
		log.Printf("Evaluate: %s: exact intersection failed, sampling instead: %v", res.FireID, err)
		inter = sampledIntersectionArea(pred, truth.Geometry, cfg)
	}
	ev.Intersection = inter / 1e6
	union := ev.PredArea + ev.TrueArea - ev.Intersection
	if union > 0 {
		ev.IoU = ev.Intersection / union
	}
	if ev.PredArea > 0 {
		ev.Precision = math.Min(ev.Intersection/ev.PredArea, 1)
	}
	if ev.TrueArea > 0 {
		ev.Recall = math.Min(ev.Intersection/ev.TrueArea, 1)
	}
	return ev
}

// sampledIntersectionArea samples a grid over the shared bounding box. The
// cell grows when the box would exceed cfg.MaxCells samples.
func sampledIntersectionArea(a, b orb.MultiPolygon, cfg EvaluationConfig) float64 {
	ba, bb := a.Bound(), b.Bound()
	if !ba.Intersects(bb) {
		return 0
	}
	box := orb.Bound{
		Min: orb.Point{math.Max(ba.Min[0], bb.Min[0]), math.Max(ba.Min[1], bb.Min[1])},
		Max: orb.Point{math.Min(ba.Max[0], bb.Max[0]), math.Min(ba.Max[1], bb.Max[1])},
	}
	w, h := box.Max[0]-box.Min[0], box.Max[1]-box.Min[1]
	if w <= 0 || h <= 0 {
		return 0
	}

	cell := cfg.GridCell
	if cfg.MaxCells > 0 && (w/cell)*(h/cell) > float64(cfg.MaxCells) {
		cell = math.Sqrt(w * h / float64(cfg.MaxCells))
	}

	hits := 0
	for y := box.Min[1] + cell/2; y < box.Max[1]; y += cell {
		for x := box.Min[0] + cell/2; x < box.Max[0]; x += cell {
			p := orb.Point{x, y}
			if Contains(a, p) && Contains(b, p) {
				hits++
			}
		}
	}
	return float64(hits) * cell * cell
}

// EvaluateAll scores the latest result of every reconstructed fire that has
// a perimeter in catalog.
func EvaluateAll(recs []FireReconstruction, catalog *Catalog, cfg EvaluationConfig) []Evaluation {
	var out []Evaluation
	for _, fr := range recs {
		res, ok := fr.Latest()
		if !ok {
			continue
		}
		truth, ok := catalog.Get(fr.FireID)
		if !ok {
			continue
		}
		out = append(out, Evaluate(res, truth, cfg))
	}
	return out
}

// Summarize computes IoU statistics over non-null evaluations.
func Summarize(evals []Evaluation) EvaluationSummary {
	s := EvaluationSummary{Count: len(evals)}
	var ious, ratios []float64
	for _, ev := range evals {
		if ev.Null {
			s.Null++
			continue
		}
		ious = append(ious, ev.IoU)
		ratios = append(ratios, ev.AreaRatio)
	}
	if len(ious) == 0 {
		return s
	}
	s.MeanIoU, s.StdIoU = stat.MeanStdDev(ious, nil)
	if math.IsNaN(s.StdIoU) {
		s.StdIoU = 0
	}
	sort.Float64s(ious)
	s.MedianIoU = stat.Quantile(0.5, stat.Empirical, ious, nil)
	s.MeanAreaRatio = stat.Mean(ratios, nil)
	return s
}
