package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gonum.org/v1/gonum/mat"
)

var tracer = otel.Tracer("github.com/couchcryptid/flood-mesh-etl/internal/pipeline")

// traced runs fn inside a child span named name and records its error.
func traced(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	span.SetAttributes(attrs...)

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// transformInput is what the post-build stages need besides the series.
type transformInput struct {
	Mesh      domain.Mesh
	Adjacency mat.Matrix
	PastSteps int
	Days      []time.Time
	Variables []string
}

// transform runs the stages after the time series is built: coordinate
// augmentation, windowing, and chronological splitting.
func transform(ctx context.Context, series domain.NodeTimeSeries, in transformInput, logger *slog.Logger) (*domain.Bundle, error) {
	var (
		augmented domain.NodeTimeSeries
		windows   domain.Windows
		bundle    *domain.Bundle
	)

	err := traced(ctx, "features.append_coordinates", func(context.Context) error {
		var err error
		augmented, err = domain.AppendCoordinates(series, in.Mesh)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = traced(ctx, "features.window", func(context.Context) error {
		var err error
		windows, err = domain.Window(augmented, in.PastSteps)
		return err
	}, attribute.Int("past_steps", in.PastSteps))
	if err != nil {
		return nil, err
	}
	logger.Info("windows built",
		"samples", windows.Len(),
		"past_steps", in.PastSteps,
		"features", windows.Features(),
	)

	err = traced(ctx, "splits.assemble", func(context.Context) error {
		var err error
		bundle, err = domain.AssembleBundle(domain.BundleInput{
			Windows:   windows,
			Adjacency: in.Adjacency,
			Days:      in.Days,
			Variables: in.Variables,
		})
		return err
	}, attribute.Int("samples", windows.Len()))
	if err != nil {
		return nil, err
	}
	return bundle, nil
}
