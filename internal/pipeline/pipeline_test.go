package pipeline_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/couchcryptid/flood-mesh-etl/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestHydroGraph_Load_EndToEnd(t *testing.T) {
	f := newFixture(10)
	days := fixtureDays(10)
	f.addEvent(days[4], domain.EventRecord{ID: "flood-1", Severity: severity(0.5)}, 1)
	f.addEvent(days[9], domain.EventRecord{ID: "flood-2"}, 3)

	b, err := f.load(t)
	require.NoError(t, err)

	assert.Equal(t, 5, b.Splits[domain.SplitTrain].Data.Len())
	assert.Equal(t, 1, b.Splits[domain.SplitVal].Data.Len())
	assert.Equal(t, 1, b.Splits[domain.SplitTest].Data.Len())

	assert.Equal(t, 4, b.Features.InputDim)
	assert.Equal(t, 4, b.Features.NumNodes)
	assert.Equal(t, 3, b.Features.PastSteps)
	assert.Equal(t, []string{"precip", "temperature", domain.ChannelX, domain.ChannelY}, b.Features.Channels)
	assert.Equal(t, days, b.Metadata.Days)
	assert.Equal(t, days[3:], b.Metadata.TargetDays)

	samples := allSamples(t, b)
	require.Len(t, samples, 7)

	// Sample s looks back over days s..s+2 and predicts day s+3.
	mesh := testMesh()
	for s, sample := range samples {
		assert.Equal(t, []int{3, 4, 4}, sample.X.Shape)
		for k := 0; k < 3; k++ {
			for node, cell := range meshCells {
				day := days[s+k]
				assert.Equal(t, cellValue(day, 0, cell), sample.X.Get(k, node, 0), "precip s=%d k=%d node=%d", s, k, node)
				assert.Equal(t, cellValue(day, 1, cell), sample.X.Get(k, node, 1), "temperature s=%d k=%d node=%d", s, k, node)
				assert.Equal(t, mesh.Points[node].X(), sample.X.Get(k, node, 2))
				assert.Equal(t, mesh.Points[node].Y(), sample.X.Get(k, node, 3))
			}
		}
	}

	// Day 4 is the target of sample 1 and day 9 the target of sample 6.
	assert.Equal(t, 0.5, samples[1].Y.Get(1, 0))
	assert.Equal(t, domain.DefaultSeverity, samples[6].Y.Get(3, 0))
	assert.Equal(t, 0.0, samples[0].Y.Get(1, 0))
}

func TestHydroGraph_Load_EventDayWithoutMeteorology(t *testing.T) {
	f := newFixture(10)
	f.events.days = fixtureDays(11)
	f.opts.EndDate = f.events.days[10]

	_, err := f.load(t)
	require.ErrorIs(t, err, domain.ErrDataAlignment)
	assert.Contains(t, err.Error(), "2024-06-11")

	// Alignment fails before any day is loaded.
	assert.Zero(t, f.met.calls.Load())
	assert.Zero(t, f.events.calls.Load())
}

func TestHydroGraph_Load_GapInMeteorology(t *testing.T) {
	f := newFixture(10)
	days := fixtureDays(10)
	f.met.days = append(append([]time.Time{}, days[:4]...), days[5:]...)

	_, err := f.load(t)
	require.ErrorIs(t, err, domain.ErrDataAlignment)
	assert.Contains(t, err.Error(), "2024-06-05")
	assert.Zero(t, f.met.calls.Load())
}

func TestHydroGraph_Load_RepeatedDay(t *testing.T) {
	f := newFixture(10)
	days := fixtureDays(10)
	repeated := append(append([]time.Time{}, days...), days[3])
	f.met.days = repeated
	f.events.days = slices.Clone(repeated)

	_, err := f.load(t)
	require.ErrorIs(t, err, domain.ErrDataAlignment)
	assert.Contains(t, err.Error(), "2024-06-04")
	assert.Zero(t, f.met.calls.Load())
}

func TestHydroGraph_Load_DayNotFoundIsAlignment(t *testing.T) {
	f := newFixture(10)
	f.met.missing = map[string]bool{"2024-06-03": true}

	_, err := f.load(t)
	require.ErrorIs(t, err, domain.ErrDataAlignment)
	require.ErrorIs(t, err, domain.ErrDayNotFound)
}

func TestHydroGraph_Load_NodeIndexOutOfRange(t *testing.T) {
	f := newFixture(10)
	f.addEvent(fixtureDays(10)[2], domain.EventRecord{ID: "bad"}, 5)

	_, err := f.load(t)
	require.ErrorIs(t, err, domain.ErrIndexRange)
	assert.Contains(t, err.Error(), "2024-06-03")
}

func TestHydroGraph_Load_MissingVariable(t *testing.T) {
	f := newFixture(10)
	f.met.drop = "temperature"

	_, err := f.load(t)
	require.ErrorIs(t, err, domain.ErrInputShape)
	assert.Contains(t, err.Error(), "temperature")
}

func TestHydroGraph_Load_SelectedVariables(t *testing.T) {
	f := newFixture(10)
	f.met.drop = "temperature"
	f.opts.Variables = []string{"precip"}

	b, err := f.load(t)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Features.InputDim)
	assert.Equal(t, []string{"precip"}, b.Metadata.Variables)
}

func TestHydroGraph_Load_DegenerateSplit(t *testing.T) {
	f := newFixture(5) // 2 samples with a look-back of 3

	_, err := f.load(t)
	require.ErrorIs(t, err, domain.ErrDegenerateSplit)
}

func TestHydroGraph_Load_SourceError(t *testing.T) {
	f := newFixture(10)
	f.met.daysErr = errors.New("disk on fire")

	_, err := f.load(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.False(t, errors.Is(err, domain.ErrDataAlignment))
}

func TestHydroGraph_Load_ClipsToDateRange(t *testing.T) {
	f := newFixture(14)
	days := fixtureDays(14)
	f.opts.StartDate = days[2]
	f.opts.EndDate = days[11]

	b, err := f.load(t)
	require.NoError(t, err)
	assert.Equal(t, days[2:12], b.Metadata.Days)
	assert.Equal(t, int64(10), f.met.calls.Load())
}

func TestHydroGraph_Load_Idempotent(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })

	f := newFixture(20)
	days := fixtureDays(20)
	f.addEvent(days[7], domain.EventRecord{ID: "a", Severity: severity(0.75)}, 2)
	f.addEvent(days[7], domain.EventRecord{ID: "b", Severity: severity(0.25)}, 2)

	first, err := f.load(t)
	require.NoError(t, err)
	second, err := f.load(t)
	require.NoError(t, err)

	if diff := cmp.Diff(first.Manifest(pipeline.DatasetName), second.Manifest(pipeline.DatasetName)); diff != "" {
		t.Errorf("manifest mismatch (-first +second):\n%s", diff)
	}

	a, b := allSamples(t, first), allSamples(t, second)
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].X.Elements, b[i].X.Elements, "sample %d X", i)
		assert.Equal(t, a[i].Y.Elements, b[i].Y.Elements, "sample %d Y", i)
	}
}

func TestHydroGraph_Load_ParallelMatchesSequential(t *testing.T) {
	seq := newFixture(20)
	par := newFixture(20)
	par.opts.Workers = 4

	for _, f := range []*fixture{seq, par} {
		days := fixtureDays(20)
		f.addEvent(days[12], domain.EventRecord{ID: "x", Severity: severity(0.5)}, 0)
	}

	want, err := seq.load(t)
	require.NoError(t, err)
	got, err := par.load(t)
	require.NoError(t, err)

	a, b := allSamples(t, want), allSamples(t, got)
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].X.Elements, b[i].X.Elements, "sample %d X", i)
		assert.Equal(t, a[i].Y.Elements, b[i].Y.Elements, "sample %d Y", i)
	}
}

func TestHydroGraph_ProjectorsAgree(t *testing.T) {
	brute := newFixture(10)
	brute.opts.Projector = "brute"
	kd := newFixture(10)
	kd.opts.Projector = "kdtree"

	want, err := brute.load(t)
	require.NoError(t, err)
	got, err := kd.load(t)
	require.NoError(t, err)

	a, b := allSamples(t, want), allSamples(t, got)
	for i := range a {
		assert.Equal(t, a[i].X.Elements, b[i].X.Elements, "sample %d X", i)
	}
}

func TestHydroGraph_ReadinessAndMetrics(t *testing.T) {
	f := newFixture(10)
	f.addEvent(fixtureDays(10)[1], domain.EventRecord{ID: "e"}, 0)
	metrics := f.opts.Metrics

	h, err := pipeline.NewHydroGraph(f.opts)
	require.NoError(t, err)
	require.Error(t, h.CheckReadiness(context.Background()))

	_, err = h.Load(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.CheckReadiness(context.Background()))
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.DaysProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsRasterized))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BuildsTotal.WithLabelValues("success")))
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.SplitSamples.WithLabelValues(domain.SplitTrain)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PipelineRunning))
}

func TestHydroGraph_FailedBuildNotReady(t *testing.T) {
	f := newFixture(5)
	metrics := f.opts.Metrics

	h, err := pipeline.NewHydroGraph(f.opts)
	require.NoError(t, err)
	_, err = h.Load(context.Background())
	require.Error(t, err)

	assert.Error(t, h.CheckReadiness(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BuildErrors.WithLabelValues("split")))
}

func TestHydroGraph_Load_Canceled(t *testing.T) {
	f := newFixture(10)
	h, err := pipeline.NewHydroGraph(f.opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "canceled", pipeline.ErrorKind(err))
}

func TestNewHydroGraph_InvalidOptions(t *testing.T) {
	cases := map[string]struct {
		mutate func(*pipeline.Options)
		target error
	}{
		"adjacency shape": {
			mutate: func(o *pipeline.Options) { o.Adjacency = mat.NewDense(3, 3, nil) },
			target: domain.ErrInputShape,
		},
		"empty mesh": {
			mutate: func(o *pipeline.Options) { o.Mesh = domain.Mesh{} },
			target: domain.ErrInputShape,
		},
		"negative past steps": {
			mutate: func(o *pipeline.Options) { o.PastSteps = -2 },
			target: domain.ErrPastSteps,
		},
		"missing sources": {
			mutate: func(o *pipeline.Options) { o.Events = nil },
		},
		"unknown projector": {
			mutate: func(o *pipeline.Options) { o.Projector = "bilinear" },
		},
		"reversed dates": {
			mutate: func(o *pipeline.Options) { o.StartDate, o.EndDate = o.EndDate, o.StartDate },
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(10)
			tc.mutate(&f.opts)

			_, err := pipeline.NewHydroGraph(f.opts)
			require.Error(t, err)
			if tc.target != nil {
				require.ErrorIs(t, err, tc.target)
			}
		})
	}
}

func TestNewHydroGraph_Defaults(t *testing.T) {
	f := newFixture(10)
	f.opts.PastSteps = 0
	f.opts.CacheDir = "/tmp/flood"

	h, err := pipeline.NewHydroGraph(f.opts)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/flood", h.CacheDir())

	// Ten days cannot fill three splits with the default look-back of six.
	_, err = h.Load(context.Background())
	require.ErrorIs(t, err, domain.ErrDegenerateSplit)
}
