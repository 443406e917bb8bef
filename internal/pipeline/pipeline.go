package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/couchcryptid/flood-mesh-etl/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gonum.org/v1/gonum/mat"
)

// DatasetName is the registry name of the flood forecasting dataset.
const DatasetName = "hydrograph"

// DefaultPastSteps is the look-back length used when Options.PastSteps is 0.
const DefaultPastSteps = 6

// DefaultVariables are the meteorological variables tracked when
// Options.Variables is empty, in feature order.
var DefaultVariables = []string{"precip", "temperature"}

// Options configures a HydroGraph build.
type Options struct {
	Mesh      domain.Mesh
	Adjacency mat.Matrix
	StartDate time.Time
	EndDate   time.Time
	PastSteps int
	// CacheDir is passed through to whoever persists the bundle.
	CacheDir  string
	Variables []string
	Workers   int
	// Projector is "kdtree" (default) or "brute".
	Projector string

	Meteorology MeteorologySource
	Events      EventSource

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (o Options) withDefaults() Options {
	if o.PastSteps == 0 {
		o.PastSteps = DefaultPastSteps
	}
	if len(o.Variables) == 0 {
		o.Variables = slices.Clone(DefaultVariables)
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) validate() error {
	if o.Meteorology == nil || o.Events == nil {
		return errors.New("meteorology and event sources are required")
	}
	if o.Metrics == nil {
		return errors.New("metrics are required")
	}
	if o.PastSteps < 1 {
		return fmt.Errorf("%w, got %d", domain.ErrPastSteps, o.PastSteps)
	}
	if !o.StartDate.IsZero() && !o.EndDate.IsZero() && o.EndDate.Before(o.StartDate) {
		return fmt.Errorf("end date %s is before start date %s",
			domain.DayKey(o.EndDate), domain.DayKey(o.StartDate))
	}
	if err := domain.CheckMesh(o.Mesh); err != nil {
		return err
	}
	return domain.CheckAdjacency(o.Adjacency, o.Mesh.Len())
}

// HydroGraph builds the windowed flood forecasting dataset: gridded
// meteorology and point flood events projected onto a fixed mesh.
type HydroGraph struct {
	opts      Options
	projector domain.Projector
	logger    *slog.Logger
	metrics   *observability.Metrics
	ready     atomic.Bool
}

// NewHydroGraph validates opts and prepares a dataset. Nothing is loaded until Load.
func NewHydroGraph(opts Options) (*HydroGraph, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("hydrograph options: %w", err)
	}
	projector, err := domain.NewProjector(opts.Projector)
	if err != nil {
		return nil, fmt.Errorf("hydrograph options: %w", err)
	}
	return &HydroGraph{
		opts:      opts,
		projector: projector,
		logger:    opts.Logger.With("dataset", DatasetName),
		metrics:   opts.Metrics,
	}, nil
}

// CacheDir returns the configured artifact directory.
func (h *HydroGraph) CacheDir() string { return h.opts.CacheDir }

// CheckReadiness returns nil once a bundle has been built, or an error
// describing why the service is not yet ready.
func (h *HydroGraph) CheckReadiness(_ context.Context) error {
	if !h.ready.Load() {
		return errors.New("dataset has not been built yet")
	}
	return nil
}

// Load runs the full chain and returns the bundle. Any failure aborts the
// build; no partial bundle is returned.
func (h *HydroGraph) Load(ctx context.Context) (*domain.Bundle, error) {
	ctx, span := tracer.Start(ctx, "hydrograph.load")
	defer span.End()
	span.SetAttributes(
		attribute.Int("nodes", h.opts.Mesh.Len()),
		attribute.Int("past_steps", h.opts.PastSteps),
		attribute.StringSlice("variables", h.opts.Variables),
	)

	h.logger.Info("dataset build started",
		"start_date", dayOrOpen(h.opts.StartDate),
		"end_date", dayOrOpen(h.opts.EndDate),
		"nodes", h.opts.Mesh.Len(),
		"past_steps", h.opts.PastSteps,
		"projector", fmt.Sprintf("%T", h.projector),
	)
	h.metrics.PipelineRunning.Set(1)
	defer h.metrics.PipelineRunning.Set(0)

	start := time.Now()
	bundle, err := h.load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.metrics.BuildsTotal.WithLabelValues("error").Inc()
		h.metrics.BuildErrors.WithLabelValues(ErrorKind(err)).Inc()
		return nil, err
	}

	h.metrics.BuildDuration.Observe(time.Since(start).Seconds())
	h.metrics.BuildsTotal.WithLabelValues("success").Inc()
	for _, name := range domain.SplitNames {
		n := bundle.Splits[name].Data.Len()
		h.metrics.SplitSamples.WithLabelValues(name).Set(float64(n))
	}
	h.ready.Store(true)

	h.logger.Info("dataset build finished",
		"duration", time.Since(start),
		"train", bundle.Splits[domain.SplitTrain].Data.Len(),
		"val", bundle.Splits[domain.SplitVal].Data.Len(),
		"test", bundle.Splits[domain.SplitTest].Data.Len(),
		"input_dim", bundle.Features.InputDim,
	)
	return bundle, nil
}

func (h *HydroGraph) load(ctx context.Context) (*domain.Bundle, error) {
	builder := &TimeSeriesBuilder{
		Meteorology: h.opts.Meteorology,
		Events:      h.opts.Events,
		Projector:   h.projector,
		Mesh:        h.opts.Mesh,
		Variables:   h.opts.Variables,
		Start:       h.opts.StartDate,
		End:         h.opts.EndDate,
		Workers:     h.opts.Workers,
		Logger:      h.logger,
		Metrics:     h.metrics,
	}

	var series domain.NodeTimeSeries
	err := traced(ctx, "timeseries.build", func(ctx context.Context) error {
		var err error
		series, err = builder.Build(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	return transform(ctx, series, transformInput{
		Mesh:      h.opts.Mesh,
		Adjacency: h.opts.Adjacency,
		PastSteps: h.opts.PastSteps,
		Days:      series.Days,
		Variables: h.opts.Variables,
	}, h.logger)
}

// ErrorKind classifies a build error for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrDataAlignment):
		return "alignment"
	case errors.Is(err, domain.ErrInputShape):
		return "shape"
	case errors.Is(err, domain.ErrIndexRange):
		return "index"
	case errors.Is(err, domain.ErrDegenerateSplit):
		return "split"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

func dayOrOpen(t time.Time) string {
	if t.IsZero() {
		return "open"
	}
	return domain.DayKey(t)
}
