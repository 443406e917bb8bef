package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/couchcryptid/flood-mesh-etl/internal/observability"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// TimeSeriesBuilder drives projection and rasterization once per day and
// stacks the results into a NodeTimeSeries in day order.
type TimeSeriesBuilder struct {
	Meteorology MeteorologySource
	Events      EventSource
	Projector   domain.Projector
	Mesh        domain.Mesh
	Variables   []string

	// Start and End bound the day index, inclusive. A zero value leaves that
	// side open.
	Start time.Time
	End   time.Time

	// Workers above 1 processes that many days concurrently.
	Workers int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Build checks that both sources agree on the day index, then loads, projects,
// and rasterizes every day. No tensor is allocated until alignment passes.
func (b *TimeSeriesBuilder) Build(ctx context.Context) (domain.NodeTimeSeries, error) {
	days, err := b.alignedDays(ctx)
	if err != nil {
		return domain.NodeTimeSeries{}, err
	}

	b.Logger.Info("day index aligned",
		"days", len(days),
		"variables", b.Variables,
		"nodes", b.Mesh.Len(),
		"workers", max(b.Workers, 1),
	)

	s := domain.NewNodeTimeSeries(days, b.Mesh.Len(), slices.Clone(b.Variables))

	if b.Workers <= 1 {
		for t, day := range days {
			if err := b.buildDay(ctx, s, t, day); err != nil {
				return domain.NodeTimeSeries{}, err
			}
		}
		return s, nil
	}

	// Each day writes only its own step, so the units share s without locking.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.Workers)
	for t, day := range days {
		g.Go(func() error {
			return b.buildDay(gctx, s, t, day)
		})
	}
	if err := g.Wait(); err != nil {
		return domain.NodeTimeSeries{}, err
	}
	return s, nil
}

// alignedDays fetches both day indexes, restricts them to [Start, End], and
// requires them to match exactly.
func (b *TimeSeriesBuilder) alignedDays(ctx context.Context) ([]time.Time, error) {
	metDays, err := b.Meteorology.Days(ctx)
	if err != nil {
		return nil, fmt.Errorf("meteorology day index: %w", err)
	}
	eventDays, err := b.Events.Days(ctx)
	if err != nil {
		return nil, fmt.Errorf("event day index: %w", err)
	}

	if metDays, err = b.clip("meteorology", metDays); err != nil {
		return nil, err
	}
	if eventDays, err = b.clip("events", eventDays); err != nil {
		return nil, err
	}

	for i := 0; i < min(len(metDays), len(eventDays)); i++ {
		if !metDays[i].Equal(eventDays[i]) {
			first := metDays[i]
			if eventDays[i].Before(first) {
				first = eventDays[i]
			}
			return nil, fmt.Errorf("%w: sources diverge at %s (meteorology %s, events %s)",
				domain.ErrDataAlignment, domain.DayKey(first),
				domain.DayKey(metDays[i]), domain.DayKey(eventDays[i]))
		}
	}
	switch {
	case len(eventDays) > len(metDays):
		return nil, fmt.Errorf("%w: %s has events but no meteorology",
			domain.ErrDataAlignment, domain.DayKey(eventDays[len(metDays)]))
	case len(metDays) > len(eventDays):
		return nil, fmt.Errorf("%w: %s has meteorology but no event record",
			domain.ErrDataAlignment, domain.DayKey(metDays[len(eventDays)]))
	}
	return metDays, nil
}

// clip normalizes days to UTC midnight, sorts them, and drops those outside
// [Start, End]. A day listed twice is an alignment failure.
func (b *TimeSeriesBuilder) clip(source string, days []time.Time) ([]time.Time, error) {
	out := make([]time.Time, 0, len(days))
	for _, d := range days {
		d = domain.TruncateDay(d)
		if !b.Start.IsZero() && d.Before(domain.TruncateDay(b.Start)) {
			continue
		}
		if !b.End.IsZero() && d.After(domain.TruncateDay(b.End)) {
			continue
		}
		out = append(out, d)
	}
	slices.SortFunc(out, time.Time.Compare)
	for i := 1; i < len(out); i++ {
		if out[i].Equal(out[i-1]) {
			return nil, fmt.Errorf("%w: %s lists %s more than once",
				domain.ErrDataAlignment, source, domain.DayKey(out[i]))
		}
	}
	return out, nil
}

func (b *TimeSeriesBuilder) buildDay(ctx context.Context, s domain.NodeTimeSeries, t int, day time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := domain.DayKey(day)

	met, err := b.Meteorology.LoadDay(ctx, day)
	if err != nil {
		return sourceError("meteorology", key, err)
	}

	start := time.Now()
	features := make([][]float64, len(b.Variables))
	for i, name := range b.Variables {
		field, ok := met.Fields[name]
		if !ok {
			return fmt.Errorf("%w: %s: variable %q missing from meteorology", domain.ErrInputShape, key, name)
		}
		values, err := b.Projector.Project(field, b.Mesh)
		if err != nil {
			return fmt.Errorf("project %s on %s: %w", name, key, err)
		}
		features[i] = values
		b.logFieldStats(ctx, key, name, values)
	}
	b.Metrics.ProjectionDuration.Observe(time.Since(start).Seconds())

	events, err := b.Events.LoadDay(ctx, day)
	if err != nil {
		return sourceError("events", key, err)
	}
	labels, err := domain.Rasterize(b.Mesh.Len(), events)
	if err != nil {
		return err
	}

	if err := s.SetDay(t, features, labels); err != nil {
		return err
	}

	b.Metrics.DaysProcessed.Inc()
	b.Metrics.EventsRasterized.Add(float64(len(events.Events)))
	b.Logger.Debug("day built", "day", key, "events", len(events.Events))
	return nil
}

func (b *TimeSeriesBuilder) logFieldStats(ctx context.Context, day, variable string, values []float64) {
	if len(values) == 0 || !b.Logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	b.Logger.Debug("variable projected",
		"day", day,
		"variable", variable,
		"min", floats.Min(values),
		"max", floats.Max(values),
		"mean", floats.Sum(values)/float64(len(values)),
	)
}

// sourceError wraps a load failure. A day missing from a source that listed
// it is an alignment failure, not an I/O one.
func sourceError(source, day string, err error) error {
	if errors.Is(err, domain.ErrDayNotFound) {
		return fmt.Errorf("%w: %s for %s: %w", domain.ErrDataAlignment, source, day, err)
	}
	return fmt.Errorf("load %s for %s: %w", source, day, err)
}
