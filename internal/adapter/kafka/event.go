package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

var errMissingID = errors.New("event has no id")

// stormEvent is the enriched storm report published by the upstream storm
// ETL. Only the fields the flood pipeline reads are decoded.
type stormEvent struct {
	ID        string     `json:"id"`
	EventType string     `json:"type"`
	Geo       domain.Geo `json:"geo"`
	BeginTime time.Time  `json:"begin_time"`
	Location  struct {
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"location"`
	Severity string `json:"severity"`
}

// severityScale maps upstream severity labels onto the [0, 1] intensity the
// rasterizer writes. Unknown or missing labels rasterize at full intensity.
var severityScale = map[string]float64{
	"minor":    0.25,
	"moderate": 0.5,
	"severe":   0.75,
	"extreme":  1.0,
}

// severityFromLabel returns the scaled severity for label, or nil when the
// label is not recognized.
func severityFromLabel(label string) *float64 {
	v, ok := severityScale[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return nil
	}
	return &v
}

// decodeEvent parses a message value into an EventRecord. The event's day is
// its begin time, falling back to the message timestamp.
func decodeEvent(msg kafkago.Message) (domain.EventRecord, error) {
	var se stormEvent
	if err := json.Unmarshal(msg.Value, &se); err != nil {
		return domain.EventRecord{}, fmt.Errorf("decode event at offset %d: %w", msg.Offset, err)
	}
	if se.ID == "" {
		return domain.EventRecord{}, fmt.Errorf("offset %d: %w", msg.Offset, errMissingID)
	}
	ts := se.BeginTime
	if ts.IsZero() {
		ts = msg.Time
	}
	return domain.EventRecord{
		ID:       se.ID,
		Type:     strings.ToLower(se.EventType),
		Severity: severityFromLabel(se.Severity),
		Geo:      se.Geo,
		Location: domain.Location{Name: se.Location.Name, State: se.Location.State},
		Time:     ts.UTC(),
	}, nil
}

// eventFilter selects events by type and calendar day.
type eventFilter struct {
	types []string
	start time.Time
	end   time.Time
}

func newEventFilter(types []string, start, end time.Time) eventFilter {
	lower := make([]string, len(types))
	for i, t := range types {
		lower[i] = strings.ToLower(t)
	}
	return eventFilter{types: lower, start: domain.TruncateDay(start), end: domain.TruncateDay(end)}
}

func (f eventFilter) accept(e domain.EventRecord) bool {
	if len(f.types) > 0 && !slices.Contains(f.types, e.Type) {
		return false
	}
	day := domain.TruncateDay(e.Time)
	return !day.Before(f.start) && !day.After(f.end)
}
