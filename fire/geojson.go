package fire

import (
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// PerimeterReadReport counts perimeter features skipped while loading.
type PerimeterReadReport struct {
	Features     int `json:"features"`
	Loaded       int `json:"loaded"`
	MissingID    int `json:"missingId"`
	MissingDates int `json:"missingDates"`
	Invalid      int `json:"invalid"`
	Duplicate    int `json:"duplicate"`
	OtherYear    int `json:"otherYear"`
}

// ReadDetections loads a FeatureCollection of point detections. Dates come
// from acq_date (or ACQ_DATE) and the HHMM acq_time (or ACQ_TIME), merged
// into one UTC instant. A nil years set keeps every year.
func ReadDetections(r io.Reader, years map[int]struct{}) ([]Detection, error) {
	fc, err := readFeatureCollection(r)
	if err != nil {
		return nil, fmt.Errorf("reading detections: %w", err)
	}

	dets := make([]Detection, 0, len(fc.Features))
	for i, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			return nil, fmt.Errorf("detection feature %d: geometry is %T, want Point", i, f.Geometry)
		}
		day, err := propTime(f.Properties, "acq_date", "ACQ_DATE")
		if err != nil {
			return nil, fmt.Errorf("detection feature %d: %w", i, err)
		}
		if !inYears(years, day.Year()) {
			continue
		}
		hhmm, err := acqTime(f.Properties)
		if err != nil {
			return nil, fmt.Errorf("detection feature %d: %w", i, err)
		}
		at := calendarDay(day).Add(hhmm)
		sat := propString(f.Properties, "satellite", "SATELLITE")
		dets = append(dets, NewDetection(pt[0], pt[1], at, sat))
	}
	return dets, nil
}

// ReadPerimeters loads a FeatureCollection of fire perimeters with
// FIRE_NAME, INC_NUM, ALARM_DATE, CONT_DATE and YEAR_ properties. Features
// without a usable name and incident number, dates or polygon are skipped
// and counted. Repeated fire IDs keep the first feature.
func ReadPerimeters(r io.Reader, years map[int]struct{}) ([]Perimeter, PerimeterReadReport, error) {
	var report PerimeterReadReport
	fc, err := readFeatureCollection(r)
	if err != nil {
		return nil, report, fmt.Errorf("reading perimeters: %w", err)
	}
	report.Features = len(fc.Features)

	seen := make(map[string]bool)
	var out []Perimeter
	for _, f := range fc.Features {
		name := propString(f.Properties, "FIRE_NAME")
		inc := propString(f.Properties, "INC_NUM")
		if name == "" || inc == "" {
			report.MissingID++
			continue
		}

		alarm, errA := propTime(f.Properties, "ALARM_DATE")
		cont, errC := propTime(f.Properties, "CONT_DATE")
		if errA != nil || errC != nil {
			report.MissingDates++
			continue
		}

		year := alarm.Year()
		if y, ok := propNumber(f.Properties, "YEAR_"); ok {
			year = int(y)
		}
		if !inYears(years, year) {
			report.OtherYear++
			continue
		}

		p, err := NewPerimeter(name, inc, f.Geometry, alarm, cont)
		if err != nil {
			report.Invalid++
			continue
		}
		p.Year = year
		if seen[p.FireID] {
			report.Duplicate++
			continue
		}
		seen[p.FireID] = true
		out = append(out, p)
	}
	report.Loaded = len(out)

	log.Printf("Perimeters: loaded %d of %d features (%d missing id, %d missing dates, %d invalid, %d duplicate, %d other year)",
		report.Loaded, report.Features, report.MissingID, report.MissingDates,
		report.Invalid, report.Duplicate, report.OtherYear)
	return out, report, nil
}

func readFeatureCollection(r io.Reader) (*geojson.FeatureCollection, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return geojson.UnmarshalFeatureCollection(data)
}

// DetectionFeatures converts detections to point features.
func DetectionFeatures(dets []Detection) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, d := range dets {
		f := geojson.NewFeature(d.Location)
		f.Properties["fire_id"] = d.FireID
		f.Properties["window_id"] = d.WindowID
		f.Properties["satellite"] = d.Satellite
		f.Properties["acq_datetime"] = d.AcquiredAt.UTC().Format(time.RFC3339)
		fc.Append(f)
	}
	return fc
}

// PerimeterFeatures converts perimeters to polygon features.
func PerimeterFeatures(perimeters []Perimeter) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, p := range perimeters {
		var g orb.Geometry = p.Geometry
		if len(p.Geometry) == 1 {
			g = p.Geometry[0]
		}
		f := geojson.NewFeature(g)
		f.Properties["fire_id"] = p.FireID
		f.Properties["FIRE_NAME"] = p.Name
		f.Properties["INC_NUM"] = p.IncidentNumber
		f.Properties["ALARM_DATE"] = p.AlarmDate.Format(time.DateOnly)
		f.Properties["CONT_DATE"] = p.ContDate.Format(time.DateOnly)
		f.Properties["YEAR_"] = p.Year
		f.Properties["area_km2"] = p.AreaKm2()
		fc.Append(f)
	}
	return fc
}

// ResultFeature converts one reconstruction result. Null results have no
// feature.
func ResultFeature(res Result) *geojson.Feature {
	if res.IsNull() {
		return nil
	}
	f := geojson.NewFeature(res.Geometry)
	f.Properties["fire_id"] = res.FireID
	f.Properties["window_id"] = res.WindowID
	f.Properties["n_points"] = res.NPoints
	f.Properties["timestamp"] = res.Timestamp.UTC().Format(time.RFC3339)
	f.Properties["area_km2"] = Area(res.Geometry) / 1e6
	return f
}

// ResultFeatures converts every non-null result of recs.
func ResultFeatures(recs []FireReconstruction) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, fr := range recs {
		for _, res := range fr.Results {
			if f := ResultFeature(res); f != nil {
				fc.Append(f)
			}
		}
	}
	return fc
}

func inYears(years map[int]struct{}, year int) bool {
	if years == nil {
		return true
	}
	_, ok := years[year]
	return ok
}

func propString(props geojson.Properties, keys ...string) string {
	for _, k := range keys {
		switch v := props[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func propNumber(props geojson.Properties, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := props[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"2006/01/02 15:04:05+00",
}

// propTime parses a date property. Numbers are epoch milliseconds, as
// written by common shapefile converters.
func propTime(props geojson.Properties, keys ...string) (time.Time, error) {
	for _, k := range keys {
		switch v := props[k].(type) {
		case float64:
			return time.UnixMilli(int64(v)).UTC(), nil
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				continue
			}
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, s); err == nil {
					return t.UTC(), nil
				}
			}
			return time.Time{}, fmt.Errorf("property %s: unrecognised date %q", k, s)
		}
	}
	return time.Time{}, fmt.Errorf("missing date property %s", strings.Join(keys, "/"))
}

// acqTime reads the HHMM acquisition time, zero-padded to four digits, as
// an offset into the day.
func acqTime(props geojson.Properties) (time.Duration, error) {
	v, ok := propNumber(props, "acq_time", "ACQ_TIME")
	if !ok {
		return 0, fmt.Errorf("missing acq_time")
	}
	if v < 0 {
		return 0, fmt.Errorf("acq_time %v is negative", v)
	}
	hhmm := strconv.Itoa(int(math.Round(v)))
	if len(hhmm) > 4 {
		return 0, fmt.Errorf("acq_time %q is not HHMM", hhmm)
	}
	hhmm = strings.Repeat("0", 4-len(hhmm)) + hhmm
	h, _ := strconv.Atoi(hhmm[:2])
	m, _ := strconv.Atoi(hhmm[2:])
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("acq_time %q out of range", hhmm)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
