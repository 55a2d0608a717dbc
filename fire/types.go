package fire

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"
)

// NoWindow marks a detection that has not been through window assignment.
const NoWindow = -1

var (
	// ErrInvalidPerimeter is returned for perimeters that break the data model
	// (empty geometry, alarm after containment, missing fire ID).
	ErrInvalidPerimeter = errors.New("invalid perimeter")
	// ErrDuplicateFire is returned when two perimeters share a fire ID.
	ErrDuplicateFire = errors.New("duplicate fire id")
)

// Detection is a single satellite thermal anomaly in planar metric coordinates.
type Detection struct {
	Location   orb.Point `json:"location"`
	AcquiredAt time.Time `json:"acquiredAt"`
	Satellite  string    `json:"satellite"`
	FireID     string    `json:"fireId,omitempty"`
	WindowID   int       `json:"windowId"`
}

// NewDetection returns an unassigned detection.
func NewDetection(x, y float64, at time.Time, satellite string) Detection {
	return Detection{
		Location:   orb.Point{x, y},
		AcquiredAt: at,
		Satellite:  satellite,
		WindowID:   NoWindow,
	}
}

// Point implements orb.Pointer so detections can live in a quadtree.
func (d *Detection) Point() orb.Point {
	return d.Location
}

// AcquiredDay truncates the acquisition instant to its calendar day.
func (d Detection) AcquiredDay() time.Time {
	return calendarDay(d.AcquiredAt)
}

// Perimeter is the authoritative post-hoc boundary of one fire event.
type Perimeter struct {
	FireID         string           `json:"fireId"`
	Name           string           `json:"name"`
	IncidentNumber string           `json:"incidentNumber"`
	Geometry       orb.MultiPolygon `json:"geometry"`
	AlarmDate      time.Time        `json:"alarmDate"`
	ContDate       time.Time        `json:"contDate"`
	Year           int              `json:"year,omitempty"`
}

// NewPerimeter builds a perimeter whose fire ID is NAME_INCNUM.
func NewPerimeter(name, incNum string, geom orb.Geometry, alarm, cont time.Time) (Perimeter, error) {
	p := Perimeter{
		FireID:         MakeFireID(name, incNum),
		Name:           name,
		IncidentNumber: incNum,
		Geometry:       asMultiPolygon(geom),
		AlarmDate:      alarm,
		ContDate:       cont,
		Year:           alarm.Year(),
	}
	return p, p.Validate()
}

// MakeFireID joins a fire name and incident number into the catalog key.
func MakeFireID(name, incNum string) string {
	return name + "_" + incNum
}

// Validate checks the perimeter invariants.
func (p Perimeter) Validate() error {
	if p.FireID == "" {
		return fmt.Errorf("%w: empty fire id", ErrInvalidPerimeter)
	}
	if len(p.Geometry) == 0 || len(p.Geometry[0]) == 0 || len(p.Geometry[0][0]) < 4 {
		return fmt.Errorf("%w: %s has no polygon geometry", ErrInvalidPerimeter, p.FireID)
	}
	if p.ContDate.Before(p.AlarmDate) {
		return fmt.Errorf("%w: %s contained (%s) before alarm (%s)", ErrInvalidPerimeter,
			p.FireID, p.ContDate.Format(time.DateOnly), p.AlarmDate.Format(time.DateOnly))
	}
	return nil
}

// AreaKm2 returns the planar area converted from square meters.
func (p Perimeter) AreaKm2() float64 {
	return Area(p.Geometry) / 1e6
}

// ActiveDuring reports whether [start, end] overlaps the perimeter's
// alarm/containment interval.
func (p Perimeter) ActiveDuring(start, end time.Time) bool {
	return !start.After(p.ContDate) && !end.Before(p.AlarmDate)
}

// Catalog is the read-only set of perimeters keyed by fire ID.
type Catalog struct {
	order []string
	byID  map[string]*Perimeter
}

// NewCatalog validates perimeters and indexes them by fire ID.
func NewCatalog(perimeters []Perimeter) (*Catalog, error) {
	c := &Catalog{
		order: make([]string, 0, len(perimeters)),
		byID:  make(map[string]*Perimeter, len(perimeters)),
	}
	for i := range perimeters {
		p := perimeters[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, ok := c.byID[p.FireID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFire, p.FireID)
		}
		c.byID[p.FireID] = &p
		c.order = append(c.order, p.FireID)
	}
	return c, nil
}

// Get returns the perimeter for a fire ID.
func (c *Catalog) Get(fireID string) (*Perimeter, bool) {
	p, ok := c.byID[fireID]
	return p, ok
}

// Len returns the number of perimeters.
func (c *Catalog) Len() int {
	return len(c.order)
}

// All returns perimeters in insertion order.
func (c *Catalog) All() []*Perimeter {
	out := make([]*Perimeter, len(c.order))
	for i, id := range c.order {
		out[i] = c.byID[id]
	}
	return out
}

// Subset returns copies of the perimeters whose IDs appear in ids, in
// catalog order.
func (c *Catalog) Subset(ids map[string]struct{}) []Perimeter {
	out := make([]Perimeter, 0, len(ids))
	for _, id := range c.order {
		if _, ok := ids[id]; ok {
			out = append(out, *c.byID[id])
		}
	}
	return out
}

// Result is one reconstructed fire boundary. Geometry is nil when the
// reconstruction produced no valid cluster.
type Result struct {
	FireID    string       `json:"fireId"`
	WindowID  int          `json:"windowId"`
	Geometry  orb.Geometry `json:"-"`
	NPoints   int          `json:"nPoints"`
	Timestamp time.Time    `json:"timestamp"`
}

// IsNull reports whether reconstruction failed for this unit.
func (r Result) IsNull() bool {
	return r.Geometry == nil
}

// FireReconstruction groups the results produced for one fire.
type FireReconstruction struct {
	FireID  string   `json:"fireId"`
	Results []Result `json:"results"`
}

// Latest returns the last result, which is the final shape in either mode.
func (fr FireReconstruction) Latest() (Result, bool) {
	if len(fr.Results) == 0 {
		return Result{}, false
	}
	return fr.Results[len(fr.Results)-1], true
}

// groupByFire returns detection indices per fire plus the fire IDs in order
// of first appearance.
func groupByFire(dets []Detection) (map[string][]int, []string) {
	groups := make(map[string][]int)
	var order []string
	for i, d := range dets {
		if _, ok := groups[d.FireID]; !ok {
			order = append(order, d.FireID)
		}
		groups[d.FireID] = append(groups[d.FireID], i)
	}
	return groups, order
}

// fireIDs returns the distinct fire IDs of dets, sorted.
func fireIDs(dets []Detection) []string {
	_, order := groupByFire(dets)
	sort.Strings(order)
	return order
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func timeRange(dets []Detection) (time.Time, time.Time) {
	if len(dets) == 0 {
		return time.Time{}, time.Time{}
	}
	lo, hi := dets[0].AcquiredAt, dets[0].AcquiredAt
	for _, d := range dets[1:] {
		if d.AcquiredAt.Before(lo) {
			lo = d.AcquiredAt
		}
		if d.AcquiredAt.After(hi) {
			hi = d.AcquiredAt
		}
	}
	return lo, hi
}
