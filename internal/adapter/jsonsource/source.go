// Package jsonsource reads daily meteorology and flood event fixtures from a
// directory of JSON files named YYYY-MM-DD.json.
package jsonsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/couchcryptid/flood-mesh-etl/internal/observability"
)

const ext = ".json"

// MetFile is the on-disk layout of one day's meteorology.
type MetFile struct {
	Fields map[string]domain.GriddedField `json:"fields"`
}

// Event is one flood event as stored in an event file.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type,omitempty"`
	Severity *float64        `json:"severity,omitempty"`
	Lat      float64         `json:"lat"`
	Lon      float64         `json:"lon"`
	Location domain.Location `json:"location,omitempty"`
}

// EventFile is the on-disk layout of one day's events. NodeIndex may be
// partial or absent; missing entries are snapped to the nearest mesh node.
type EventFile struct {
	Events    []Event        `json:"events"`
	NodeIndex map[string]int `json:"node_index,omitempty"`
}

// FileName returns the file name for day.
func FileName(day time.Time) string {
	return domain.DayKey(day) + ext
}

// MetSource serves meteorology from Dir. Its day index is the set of files
// present.
type MetSource struct {
	Dir string
}

// NewMetSource creates a MetSource over dir.
func NewMetSource(dir string) *MetSource {
	return &MetSource{Dir: dir}
}

// Days lists the days that have a file in Dir, in chronological order.
func (s *MetSource) Days(ctx context.Context) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("list meteorology dir: %w", err)
	}

	var days []time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		day, err := time.Parse(domain.DateLayout, strings.TrimSuffix(e.Name(), ext))
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	slices.SortFunc(days, time.Time.Compare)
	return days, nil
}

// LoadDay reads and decodes the file for day.
func (s *MetSource) LoadDay(ctx context.Context, day time.Time) (domain.MetDay, error) {
	if err := ctx.Err(); err != nil {
		return domain.MetDay{}, err
	}
	var f MetFile
	if err := readJSON(filepath.Join(s.Dir, FileName(day)), &f); err != nil {
		return domain.MetDay{}, fmt.Errorf("meteorology %s: %w", domain.DayKey(day), err)
	}
	return domain.MetDay{Day: domain.TruncateDay(day), Fields: f.Fields}, nil
}

// EventSource serves events from Dir. Every calendar day in [Start, End] is
// part of the index; a day without a file has no events.
type EventSource struct {
	Dir         string
	Mesh        domain.Mesh
	Start       time.Time
	End         time.Time
	MaxSnapDist float64

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Days returns every calendar day from Start to End.
func (s *EventSource) Days(ctx context.Context) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return domain.DayRange(s.Start, s.End), nil
}

// LoadDay reads the events for day and completes their node lookup.
func (s *EventSource) LoadDay(ctx context.Context, day time.Time) (domain.DayEvents, error) {
	if err := ctx.Err(); err != nil {
		return domain.DayEvents{}, err
	}
	day = domain.TruncateDay(day)
	out := domain.DayEvents{Day: day, NodeIndex: map[string]int{}}

	var f EventFile
	err := readJSON(filepath.Join(s.Dir, FileName(day)), &f)
	switch {
	case errors.Is(err, domain.ErrDayNotFound):
		return out, nil
	case err != nil:
		return domain.DayEvents{}, fmt.Errorf("events %s: %w", domain.DayKey(day), err)
	}

	// Events keep file order so the rasterizer's last write stays the last
	// event in the file.
	for _, e := range f.Events {
		rec := domain.EventRecord{
			ID:       e.ID,
			Type:     e.Type,
			Severity: e.Severity,
			Geo:      domain.Geo{Lat: e.Lat, Lon: e.Lon},
			Location: e.Location,
			Time:     day,
		}
		// Explicit indexes are passed through unchecked; the rasterizer
		// rejects out-of-range values.
		node, ok := f.NodeIndex[rec.ID]
		if !ok {
			if node, ok = domain.SnapEvent(s.Mesh, rec, s.MaxSnapDist); !ok {
				reason := domain.DropReason(rec)
				s.logger().Debug("event dropped", "day", domain.DayKey(day), "event_id", rec.ID, "reason", reason)
				if s.Metrics != nil {
					s.Metrics.EventsDropped.WithLabelValues(reason).Inc()
				}
				continue
			}
		}
		out.NodeIndex[rec.ID] = node
		out.Events = append(out.Events, rec)
	}
	return out, nil
}

func (s *EventSource) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// readJSON decodes path into v. A missing file wraps domain.ErrDayNotFound.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", filepath.Base(path), domain.ErrDayNotFound)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteMetDay writes f as the meteorology file for day under dir.
func WriteMetDay(dir string, day time.Time, f MetFile) error {
	return writeJSON(filepath.Join(dir, FileName(day)), f)
}

// WriteEventDay writes f as the event file for day under dir.
func WriteEventDay(dir string, day time.Time, f EventFile) error {
	return writeJSON(filepath.Join(dir, FileName(day)), f)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
