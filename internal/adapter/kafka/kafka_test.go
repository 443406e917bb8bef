package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/config"
	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/couchcryptid/flood-mesh-etl/internal/observability"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fake partition reader ---

type fakeReader struct {
	msgs   []kafkago.Message
	errs   []error // returned, in order, before the next message
	closed bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafkago.Message, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return kafkago.Message{}, err
	}
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafkago.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func message(offset int64, value string) kafkago.Message {
	return kafkago.Message{Offset: offset, Value: []byte(value)}
}

var (
	june1 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	june3 = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
)

func testSource(t *testing.T, readers map[int]*fakeReader, geocoder domain.Geocoder) (*EventSource, *observability.Metrics) {
	t.Helper()
	cfg := &config.Config{
		KafkaBrokers:     []string{"unused:9092"},
		KafkaEventTopic:  "transformed-weather-data",
		KafkaIdleTimeout: 50 * time.Millisecond,
		StartDate:        june1,
		EndDate:          june3,
	}
	mesh := domain.NewMesh([]orb.Point{{-97, 30}, {-96, 30}, {-97, 31}, {-96, 31}})
	metrics := observability.NewMetricsForTesting()
	s := NewEventSource(cfg, mesh, geocoder, discardLogger(), metrics)
	s.partitions = func(context.Context) ([]int, error) {
		ids := make([]int, 0, len(readers))
		for i := 0; i < len(readers); i++ {
			ids = append(ids, i)
		}
		return ids, nil
	}
	s.openPartition = func(_ context.Context, p int) (messageReader, int64, int64, error) {
		r := readers[p]
		var last int64
		if n := len(r.msgs); n > 0 {
			last = r.msgs[n-1].Offset + 1
		}
		return r, 0, last, nil
	}
	return s, metrics
}

// --- decoding ---

func TestDecodeEvent(t *testing.T) {
	msg := message(7, `{
		"id": "evt-1",
		"type": "Flood",
		"geo": {"lat": 30.2, "lon": -97.7},
		"begin_time": "2024-06-02T18:30:00Z",
		"location": {"name": "Austin", "state": "TX"},
		"severity": "Severe"
	}`)

	ev, err := decodeEvent(msg)
	require.NoError(t, err)

	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "flood", ev.Type)
	assert.Equal(t, domain.Geo{Lat: 30.2, Lon: -97.7}, ev.Geo)
	assert.Equal(t, domain.Location{Name: "Austin", State: "TX"}, ev.Location)
	assert.Equal(t, time.Date(2024, 6, 2, 18, 30, 0, 0, time.UTC), ev.Time)
	require.NotNil(t, ev.Severity)
	assert.InDelta(t, 0.75, *ev.Severity, 1e-12)
}

func TestDecodeEvent_FallsBackToMessageTime(t *testing.T) {
	msg := message(1, `{"id": "evt-2", "type": "flood"}`)
	msg.Time = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ev, err := decodeEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, msg.Time, ev.Time)
	assert.Nil(t, ev.Severity)
}

func TestDecodeEvent_Errors(t *testing.T) {
	_, err := decodeEvent(message(1, `not-json{{{`))
	require.Error(t, err)

	_, err = decodeEvent(message(2, `{"type": "flood"}`))
	require.ErrorIs(t, err, errMissingID)
}

func TestSeverityFromLabel(t *testing.T) {
	cases := map[string]float64{"minor": 0.25, "moderate": 0.5, " SEVERE ": 0.75, "extreme": 1}
	for label, want := range cases {
		got := severityFromLabel(label)
		require.NotNil(t, got, label)
		assert.InDelta(t, want, *got, 1e-12, label)
	}
	assert.Nil(t, severityFromLabel(""))
	assert.Nil(t, severityFromLabel("catastrophic"))
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"Flood", "flash_flood"}, june1, june3)

	assert.True(t, f.accept(domain.EventRecord{Type: "flood", Time: june1}))
	assert.True(t, f.accept(domain.EventRecord{Type: "flash_flood", Time: june3.Add(23 * time.Hour)}))
	assert.False(t, f.accept(domain.EventRecord{Type: "hail", Time: june1}))
	assert.False(t, f.accept(domain.EventRecord{Type: "flood", Time: june3.AddDate(0, 0, 1)}))
	assert.False(t, f.accept(domain.EventRecord{Type: "flood", Time: june1.Add(-time.Second)}))

	all := newEventFilter(nil, june1, june3)
	assert.True(t, all.accept(domain.EventRecord{Type: "hail", Time: june1}))
}

// --- draining ---

func TestEventSource_DrainsAndGroupsByDay(t *testing.T) {
	readers := map[int]*fakeReader{
		0: {msgs: []kafkago.Message{
			message(0, `{"id":"a","type":"flood","geo":{"lat":30.1,"lon":-96.9},"begin_time":"2024-06-01T03:00:00Z","severity":"minor"}`),
			message(1, `garbage`),
			message(2, `{"id":"b","type":"flood","geo":{"lat":31,"lon":-96},"begin_time":"2024-06-03T10:00:00Z"}`),
		}},
		1: {msgs: []kafkago.Message{
			message(0, `{"id":"c","type":"flood","geo":{"lat":30,"lon":-96},"begin_time":"2024-05-20T00:00:00Z"}`),
			// Replaces the earlier "a": moved to node 1, severity extreme.
			message(1, `{"id":"a","type":"flood","geo":{"lat":30,"lon":-96.1},"begin_time":"2024-06-01T05:00:00Z","severity":"extreme"}`),
		}},
	}
	s, metrics := testSource(t, readers, nil)

	days, err := s.Days(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DayRange(june1, june3), days)

	d1, err := s.LoadDay(context.Background(), june1)
	require.NoError(t, err)
	require.Len(t, d1.Events, 1)
	assert.Equal(t, map[string]int{"a": 1}, d1.NodeIndex)
	assert.InDelta(t, 1.0, d1.Events[0].SeverityOr(0), 1e-12)

	d2, err := s.LoadDay(context.Background(), june1.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, d2.Events)

	d3, err := s.LoadDay(context.Background(), june3)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 3}, d3.NodeIndex)

	assert.InDelta(t, 5.0, testutil.ToFloat64(metrics.MessagesConsumed), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues("invalid")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues("filtered")), 1e-9)
	assert.True(t, readers[0].closed)
	assert.True(t, readers[1].closed)
}

type stubGeocoder struct{ calls int }

func (g *stubGeocoder) ForwardGeocode(_ context.Context, _, _ string) (domain.GeocodingResult, error) {
	g.calls++
	return domain.GeocodingResult{Lat: 31, Lon: -97}, nil
}

func TestEventSource_GeocodesMissingCoordinates(t *testing.T) {
	readers := map[int]*fakeReader{
		0: {msgs: []kafkago.Message{
			message(0, `{"id":"named","type":"flood","begin_time":"2024-06-02T00:00:00Z","location":{"name":"Georgetown","state":"TX"}}`),
			message(1, `{"id":"lost","type":"flood","begin_time":"2024-06-02T00:00:00Z"}`),
		}},
	}
	geo := &stubGeocoder{}
	s, metrics := testSource(t, readers, geo)

	de, err := s.LoadDay(context.Background(), june1.AddDate(0, 0, 1))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"named": 2}, de.NodeIndex)
	assert.Equal(t, 1, geo.calls)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues(domain.DropNoCoordinates)), 1e-9)
}

func TestEventSource_DrainsOnce(t *testing.T) {
	calls := 0
	s, _ := testSource(t, map[int]*fakeReader{0: {}}, nil)
	s.partitions = func(context.Context) ([]int, error) {
		calls++
		return nil, nil
	}

	_, err := s.Days(context.Background())
	require.NoError(t, err)
	_, err = s.LoadDay(context.Background(), june1)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDrainPartition_RetriesThenSucceeds(t *testing.T) {
	r := &fakeReader{
		msgs: []kafkago.Message{message(0, `{}`), message(1, `{}`)},
		errs: []error{errors.New("broker unavailable")},
	}
	s, _ := testSource(t, map[int]*fakeReader{0: r}, nil)

	msgs, err := s.drainPartition(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestDrainPartition_CanceledDuringBackoff(t *testing.T) {
	r := &fakeReader{
		msgs: []kafkago.Message{message(0, `{}`)},
		errs: []error{errors.New("broker unavailable")},
	}
	s, _ := testSource(t, map[int]*fakeReader{0: r}, nil)

	// Shorter than the first backoff.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.drainPartition(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDrainPartition_IdleStopsEarly(t *testing.T) {
	r := &fakeReader{msgs: []kafkago.Message{message(0, `{}`)}}
	s, _ := testSource(t, map[int]*fakeReader{0: r}, nil)
	// Claim a higher high-water mark than the reader will ever deliver.
	s.openPartition = func(context.Context, int) (messageReader, int64, int64, error) {
		return r, 0, 5, nil
	}

	msgs, err := s.drainPartition(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// --- manifest writer ---

func TestSerializeToMessage(t *testing.T) {
	created := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	m := domain.Manifest{
		Dataset:   "hydrograph",
		CreatedAt: created,
		StartDate: "2024-06-01",
		EndDate:   "2024-06-30",
		PastSteps: 6,
	}

	msg, err := serializeToMessage(m)
	require.NoError(t, err)

	assert.Equal(t, []byte("hydrograph/2024-06-01..2024-06-30/L6"), msg.Key)
	assert.Contains(t, string(msg.Value), `"dataset":"hydrograph"`)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "dataset", msg.Headers[0].Key)
	assert.Equal(t, []byte("hydrograph"), msg.Headers[0].Value)
	assert.Equal(t, "created_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(created.Format(time.RFC3339)), msg.Headers[1].Value)
}
