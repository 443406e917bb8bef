package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/couchcryptid/flood-mesh-etl/internal/observability"
	"github.com/couchcryptid/flood-mesh-etl/internal/pipeline"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// --- mock sources ---

type mockMetSource struct {
	days    []time.Time
	daysErr error
	missing map[string]bool // days LoadDay reports as not found
	drop    string          // variable left out of every day
	calls   atomic.Int64
}

func (m *mockMetSource) Days(_ context.Context) ([]time.Time, error) {
	return m.days, m.daysErr
}

func (m *mockMetSource) LoadDay(_ context.Context, day time.Time) (domain.MetDay, error) {
	m.calls.Add(1)
	key := domain.DayKey(day)
	if m.missing[key] {
		return domain.MetDay{}, fmt.Errorf("meteorology %s: %w", key, domain.ErrDayNotFound)
	}
	fields := make(map[string]domain.GriddedField)
	for vi, name := range []string{"precip", "temperature"} {
		if name == m.drop {
			continue
		}
		fields[name] = gridFor(day, vi)
	}
	return domain.MetDay{Day: day, Fields: fields}, nil
}

type mockEventSource struct {
	days  []time.Time
	byDay map[string]domain.DayEvents
	calls atomic.Int64
}

func (m *mockEventSource) Days(_ context.Context) ([]time.Time, error) {
	return m.days, nil
}

func (m *mockEventSource) LoadDay(_ context.Context, day time.Time) (domain.DayEvents, error) {
	m.calls.Add(1)
	if ev, ok := m.byDay[domain.DayKey(day)]; ok {
		return ev, nil
	}
	return domain.DayEvents{Day: day}, nil
}

// --- fixtures ---

var firstDay = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

func fixtureDays(n int) []time.Time {
	return domain.DayRange(firstDay, firstDay.AddDate(0, 0, n-1))
}

// gridFor returns a 3x3 grid over lat/lon 0..2 whose cell (r, c) holds
// yearday*100 + variable*10 + r*3 + c.
func gridFor(day time.Time, variable int) domain.GriddedField {
	lats, lons := domain.MeshGrid([]float64{0, 1, 2}, []float64{0, 1, 2})
	values := make([][]float64, 3)
	for r := range values {
		values[r] = make([]float64, 3)
		for c := range values[r] {
			values[r][c] = cellValue(day, variable, r*3+c)
		}
	}
	return domain.GriddedField{Values: values, Lats: lats, Lons: lons}
}

func cellValue(day time.Time, variable, cell int) float64 {
	return float64(day.YearDay()*100 + variable*10 + cell)
}

// testMesh places one node on each grid corner. Node i sits on cell meshCells[i].
func testMesh() domain.Mesh {
	return domain.NewMesh([]orb.Point{{0, 0}, {2, 0}, {0, 2}, {2, 2}})
}

var meshCells = []int{0, 2, 6, 8}

func ringAdjacency(n int) *mat.Dense {
	adj := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		adj.Set(i, j, 1)
		adj.Set(j, i, 1)
	}
	return adj
}

func severity(v float64) *float64 { return &v }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	met    *mockMetSource
	events *mockEventSource
	opts   pipeline.Options
}

// newFixture wires n aligned days of mock data into build options with a
// look-back of 3.
func newFixture(n int) *fixture {
	days := fixtureDays(n)
	f := &fixture{
		met:    &mockMetSource{days: days},
		events: &mockEventSource{days: days, byDay: map[string]domain.DayEvents{}},
	}
	f.opts = pipeline.Options{
		Mesh:        testMesh(),
		Adjacency:   ringAdjacency(4),
		StartDate:   days[0],
		EndDate:     days[len(days)-1],
		PastSteps:   3,
		Meteorology: f.met,
		Events:      f.events,
		Logger:      discardLogger(),
		Metrics:     observability.NewMetricsForTesting(),
	}
	return f
}

func (f *fixture) addEvent(day time.Time, ev domain.EventRecord, node int) {
	key := domain.DayKey(day)
	de, ok := f.events.byDay[key]
	if !ok {
		de = domain.DayEvents{Day: day, NodeIndex: map[string]int{}}
	}
	de.Events = append(de.Events, ev)
	de.NodeIndex[ev.ID] = node
	f.events.byDay[key] = de
}

func (f *fixture) load(t *testing.T) (*domain.Bundle, error) {
	t.Helper()
	h, err := pipeline.NewHydroGraph(f.opts)
	require.NoError(t, err)
	return h.Load(context.Background())
}

// allSamples flattens every split into sample order.
func allSamples(t *testing.T, b *domain.Bundle) []domain.Sample {
	t.Helper()
	var out []domain.Sample
	for _, name := range domain.SplitNames {
		ds := b.Splits[name].Data
		for i := 0; i < ds.Len(); i++ {
			s, err := ds.Sample(i)
			require.NoError(t, err)
			out = append(out, s)
		}
	}
	return out
}
