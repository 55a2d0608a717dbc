package fire

import (
	"sort"
	"sync"
	"time"
)

// FireSummaryView is the per-fire listing served over HTTP.
type FireSummaryView struct {
	FireID     string      `json:"fireId"`
	Name       string      `json:"name"`
	AlarmDate  time.Time   `json:"alarmDate"`
	ContDate   time.Time   `json:"contDate"`
	AreaKm2    float64     `json:"areaKm2"`
	Detections int         `json:"detections"`
	Windows    int         `json:"windows"`
	Results    int         `json:"results"`
	NullCount  int         `json:"nullResults"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
}

// ResultSet holds the output of the latest pipeline run for serving.
// It is safe for concurrent use.
type ResultSet struct {
	mu          sync.RWMutex
	runID       string
	updated     time.Time
	stats       Stats
	perimeters  map[string]Perimeter
	detections  map[string][]Detection
	recs        map[string]FireReconstruction
	evaluations map[string]Evaluation
}

// NewResultSet creates an empty result set.
func NewResultSet() *ResultSet {
	return &ResultSet{
		perimeters:  make(map[string]Perimeter),
		detections:  make(map[string][]Detection),
		recs:        make(map[string]FireReconstruction),
		evaluations: make(map[string]Evaluation),
	}
}

// Update replaces the contents with a new run.
func (rs *ResultSet) Update(runID string, ds *Dataset, recs []FireReconstruction, evals []Evaluation) {
	perimeters := make(map[string]Perimeter)
	detections := make(map[string][]Detection)
	var stats Stats
	if ds != nil {
		for _, p := range ds.Perimeters {
			perimeters[p.FireID] = p
		}
		for _, d := range ds.Detections {
			detections[d.FireID] = append(detections[d.FireID], d)
		}
		stats = ds.Stats
	}
	byFire := make(map[string]FireReconstruction, len(recs))
	for _, fr := range recs {
		byFire[fr.FireID] = fr
	}
	evalByFire := make(map[string]Evaluation, len(evals))
	for _, ev := range evals {
		evalByFire[ev.FireID] = ev
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.runID = runID
	rs.updated = time.Now()
	rs.stats = stats
	rs.perimeters = perimeters
	rs.detections = detections
	rs.recs = byFire
	rs.evaluations = evalByFire
}

// RunID returns the run currently held.
func (rs *ResultSet) RunID() string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.runID
}

// Updated returns when the set was last replaced.
func (rs *ResultSet) Updated() time.Time {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.updated
}

// HasData reports whether any fire is loaded.
func (rs *ResultSet) HasData() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.perimeters) > 0 || len(rs.recs) > 0
}

// Stats returns the dataset statistics of the held run.
func (rs *ResultSet) Stats() Stats {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.stats
}

// Fires lists every fire with a perimeter or reconstruction, sorted by ID.
func (rs *ResultSet) Fires() []FireSummaryView {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	ids := make(map[string]struct{})
	for id := range rs.perimeters {
		ids[id] = struct{}{}
	}
	for id := range rs.recs {
		ids[id] = struct{}{}
	}
	out := make([]FireSummaryView, 0, len(ids))
	for id := range ids {
		out = append(out, rs.summaryLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireID < out[j].FireID })
	return out
}

// Fire returns the summary of one fire.
func (rs *ResultSet) Fire(fireID string) (FireSummaryView, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, hasP := rs.perimeters[fireID]
	_, hasR := rs.recs[fireID]
	if !hasP && !hasR {
		return FireSummaryView{}, false
	}
	return rs.summaryLocked(fireID), true
}

func (rs *ResultSet) summaryLocked(fireID string) FireSummaryView {
	v := FireSummaryView{FireID: fireID}
	if p, ok := rs.perimeters[fireID]; ok {
		v.Name = p.Name
		v.AlarmDate = p.AlarmDate
		v.ContDate = p.ContDate
		v.AreaKm2 = p.AreaKm2()
	}
	dets := rs.detections[fireID]
	v.Detections = len(dets)
	v.Windows = len(WindowIDs(dets))
	if fr, ok := rs.recs[fireID]; ok {
		v.Results = len(fr.Results)
		for _, res := range fr.Results {
			if res.IsNull() {
				v.NullCount++
			}
		}
	}
	if ev, ok := rs.evaluations[fireID]; ok {
		ev := ev
		v.Evaluation = &ev
	}
	return v
}

// Reconstruction returns the results of one fire.
func (rs *ResultSet) Reconstruction(fireID string) (FireReconstruction, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	fr, ok := rs.recs[fireID]
	if !ok {
		return FireReconstruction{}, false
	}
	fr.Results = append([]Result(nil), fr.Results...)
	return fr, true
}

// Perimeter returns the true perimeter of one fire.
func (rs *ResultSet) Perimeter(fireID string) (*Perimeter, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	p, ok := rs.perimeters[fireID]
	if !ok {
		return nil, false
	}
	return &p, true
}

// Detections returns a copy of one fire's detections.
func (rs *ResultSet) Detections(fireID string) []Detection {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]Detection(nil), rs.detections[fireID]...)
}

// Renderer builds a FireRenderer for one fire from the held data.
func (rs *ResultSet) Renderer(fireID string) (*FireRenderer, bool) {
	p, hasP := rs.Perimeter(fireID)
	fr, hasR := rs.Reconstruction(fireID)
	if !hasP && !hasR {
		return nil, false
	}
	return NewFireRenderer(p, rs.Detections(fireID), fr.Results), true
}
