package domain

import (
	"context"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// HasCoordinates reports whether the event carries a usable position.
// (0, 0) is the NOAA convention for "not reported".
func (e EventRecord) HasCoordinates() bool {
	return (e.Geo.Lat != 0 || e.Geo.Lon != 0) && isFinite(e.Geo.Lat) && isFinite(e.Geo.Lon)
}

// LocateEvent fills in coordinates for an event that has a place name but no
// position. It returns the event and whether it now has coordinates. A nil
// geocoder or a failed lookup leaves the event unlocated; the caller decides
// whether to drop it.
func LocateEvent(ctx context.Context, event EventRecord, geocoder Geocoder, logger *slog.Logger) (EventRecord, bool) {
	if event.HasCoordinates() {
		return event, true
	}
	if geocoder == nil || event.Location.Name == "" || event.Location.State == "" {
		return event, false
	}

	result, err := geocoder.ForwardGeocode(ctx, event.Location.Name, event.Location.State)
	if err != nil {
		logger.Warn("forward geocoding failed",
			"event_id", event.ID,
			"location", event.Location.Name,
			"state", event.Location.State,
			"error", err,
		)
		return event, false
	}
	if result.Lat == 0 && result.Lon == 0 {
		return event, false
	}
	event.Geo = Geo{Lat: result.Lat, Lon: result.Lon}
	return event, true
}

// NearestNode returns the index of the mesh node closest to g and the squared
// planar distance to it. Ties go to the lowest index. It returns -1 for an
// empty mesh.
func NearestNode(mesh Mesh, g Geo) (int, float64) {
	q := orb.Point{g.Lon, g.Lat}
	best, bestDist := -1, math.Inf(1)
	for i, p := range mesh.Points {
		if d := planar.DistanceSquared(p, q); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// SnapEvent returns the nearest mesh node for the event's coordinates. It
// reports false when the event has no coordinates or lies farther than maxDist
// degrees (0 disables the limit).
func SnapEvent(mesh Mesh, ev EventRecord, maxDist float64) (int, bool) {
	if !ev.HasCoordinates() {
		return -1, false
	}
	node, d := NearestNode(mesh, ev.Geo)
	if node < 0 || (maxDist > 0 && d > maxDist*maxDist) {
		return -1, false
	}
	return node, true
}

// SnapEvents builds the event-to-node lookup for a day by snapping each
// event's coordinates to its nearest mesh node. Dropped events are left out of
// the lookup; kept preserves input order.
func SnapEvents(mesh Mesh, events []EventRecord, maxDist float64) (index map[string]int, kept, dropped []EventRecord) {
	index = make(map[string]int, len(events))
	for _, ev := range events {
		node, ok := SnapEvent(mesh, ev, maxDist)
		if !ok {
			dropped = append(dropped, ev)
			continue
		}
		index[ev.ID] = node
		kept = append(kept, ev)
	}
	return index, kept, dropped
}

const (
	// DropNoCoordinates is the drop reason for an event without coordinates.
	DropNoCoordinates = "no_coordinates"
	// DropTooFar is the drop reason for an event beyond the snap distance.
	DropTooFar = "too_far"
)

func DropReason(e EventRecord) string {
	if !e.HasCoordinates() {
		return DropNoCoordinates
	}
	return DropTooFar
}
