package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// DateLayout is the calendar-day format used for day keys, file names, and errors.
const DateLayout = "2006-01-02"

// Mesh is the fixed unstructured spatial discretization. A node's position in
// Points is its identifier everywhere downstream. X is the x coordinate
// (longitude) and Y the y coordinate (latitude).
type Mesh struct {
	Points []orb.Point
}

// NewMesh wraps a slice of node coordinates. The slice is borrowed, not copied.
func NewMesh(points []orb.Point) Mesh {
	return Mesh{Points: points}
}

// Len returns the node count N.
func (m Mesh) Len() int { return len(m.Points) }

// Bound returns the bounding box of all mesh nodes.
func (m Mesh) Bound() orb.Bound {
	return orb.MultiPoint(m.Points).Bound()
}

// GriddedField is one meteorological variable on one day. Values, Lats, and Lons
// are parallel row-major 2-D arrays.
type GriddedField struct {
	Values [][]float64 `json:"values"`
	Lats   [][]float64 `json:"lats"`
	Lons   [][]float64 `json:"lons"`
}

// MetDay is a day's meteorology keyed by variable name.
type MetDay struct {
	Day    time.Time
	Fields map[string]GriddedField
}

// Geo represents a WGS-84 latitude/longitude coordinate pair.
type Geo struct {
	Lat float64 `json:"lat,omitempty"`
	Lon float64 `json:"lon,omitempty"`
}

// Location is the named place an event was reported at, used to geocode events
// that arrive without coordinates.
type Location struct {
	Name  string `json:"name,omitempty"`
	State string `json:"state,omitempty"`
}

// EventRecord is one flood occurrence. A nil Severity rasterizes as 1.0.
type EventRecord struct {
	ID       string    `json:"id"`
	Type     string    `json:"type,omitempty"`
	Severity *float64  `json:"severity,omitempty"`
	Geo      Geo       `json:"geo"`
	Location Location  `json:"location,omitempty"`
	Time     time.Time `json:"time"`
}

// SeverityOr returns the event severity, or def when none was reported.
func (e EventRecord) SeverityOr(def float64) float64 {
	if e.Severity == nil {
		return def
	}
	return *e.Severity
}

// DayEvents is a day's events plus the lookup from event ID to mesh node index.
type DayEvents struct {
	Day       time.Time
	Events    []EventRecord
	NodeIndex map[string]int
}

// DayKey formats a day as YYYY-MM-DD in UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// TruncateDay returns UTC midnight of t's calendar day.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayRange returns every calendar day from start to end inclusive.
// It returns nil when end is before start.
func DayRange(start, end time.Time) []time.Time {
	start, end = TruncateDay(start), TruncateDay(end)
	if end.Before(start) {
		return nil
	}
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
