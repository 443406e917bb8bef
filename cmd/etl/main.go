package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/flood-mesh-etl/internal/adapter/http"
	"github.com/couchcryptid/flood-mesh-etl/internal/adapter/jsonsource"
	kafkaadapter "github.com/couchcryptid/flood-mesh-etl/internal/adapter/kafka"
	"github.com/couchcryptid/flood-mesh-etl/internal/adapter/mapbox"
	"github.com/couchcryptid/flood-mesh-etl/internal/adapter/meshfile"
	natsadapter "github.com/couchcryptid/flood-mesh-etl/internal/adapter/nats"
	"github.com/couchcryptid/flood-mesh-etl/internal/adapter/netcdf"
	"github.com/couchcryptid/flood-mesh-etl/internal/config"
	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/couchcryptid/flood-mesh-etl/internal/observability"
	"github.com/couchcryptid/flood-mesh-etl/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	mesh, err := meshfile.LoadMesh(cfg.MeshPath)
	if err != nil {
		logger.Error("failed to load mesh", "path", cfg.MeshPath, "error", err)
		os.Exit(1)
	}
	adjacency, err := meshfile.LoadAdjacency(cfg.AdjacencyPath, mesh.Len())
	if err != nil {
		logger.Error("failed to load adjacency", "path", cfg.AdjacencyPath, "error", err)
		os.Exit(1)
	}
	logger.Info("mesh loaded", "nodes", mesh.Len(), "bound", mesh.Bound())

	met := meteorologySource(cfg, logger)
	events := eventSource(cfg, mesh, logger, metrics)

	registry := pipeline.NewRegistry()
	if err := pipeline.RegisterDefaults(registry); err != nil {
		logger.Error("failed to register datasets", "error", err)
		os.Exit(1)
	}
	loader, err := registry.New(cfg.Dataset, pipeline.Options{
		Mesh:        mesh,
		Adjacency:   adjacency,
		StartDate:   cfg.StartDate,
		EndDate:     cfg.EndDate,
		PastSteps:   cfg.PastSteps,
		CacheDir:    cfg.CacheDir,
		Variables:   cfg.Variables,
		Workers:     cfg.Workers,
		Projector:   cfg.Projector,
		Meteorology: met,
		Events:      events,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		logger.Error("failed to create dataset", "dataset", cfg.Dataset, "error", err)
		os.Exit(1)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, loader, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	exitCode := 0
	manifest, err := build(ctx, cfg, loader, logger, metrics)
	if err != nil {
		logger.Error("dataset build failed", "kind", pipeline.ErrorKind(err), "error", err)
		exitCode = 1
	} else {
		srv.SetManifest(manifest)
		if !cfg.ExitAfterBuild {
			<-ctx.Done()
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	if exitCode != 0 {
		cancel()
		os.Exit(exitCode)
	}
}

func meteorologySource(cfg *config.Config, logger *slog.Logger) pipeline.MeteorologySource {
	if cfg.MetSource == config.SourceNetCDF {
		logger.Info("meteorology source", "kind", cfg.MetSource, "dir", cfg.MetDir, "variables", cfg.NetCDFVariables)
		return netcdf.NewMetSource(cfg.MetDir, cfg.NetCDFVariables)
	}
	logger.Info("meteorology source", "kind", cfg.MetSource, "dir", cfg.MetDir)
	return jsonsource.NewMetSource(cfg.MetDir)
}

func eventSource(cfg *config.Config, mesh domain.Mesh, logger *slog.Logger, metrics *observability.Metrics) pipeline.EventSource {
	if cfg.EventSource != config.SourceKafka {
		logger.Info("event source", "kind", cfg.EventSource, "dir", cfg.EventDir)
		return &jsonsource.EventSource{
			Dir:         cfg.EventDir,
			Mesh:        mesh,
			Start:       cfg.StartDate,
			End:         cfg.EndDate,
			MaxSnapDist: cfg.SnapMaxDistance,
			Logger:      logger,
			Metrics:     metrics,
		}
	}

	// Initialize geocoder (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	// The interface must stay nil when disabled so the source can tell.
	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, cfg.MapboxRate, logger, metrics)
		geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout, "rate", cfg.MapboxRate)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	logger.Info("event source", "kind", cfg.EventSource, "topic", cfg.KafkaEventTopic, "brokers", cfg.KafkaBrokers)
	return kafkaadapter.NewEventSource(cfg, mesh, geocoder, logger, metrics)
}

// build loads the bundle, persists it when CACHE_DIR is set, and announces
// the manifest on every configured sink.
func build(ctx context.Context, cfg *config.Config, loader pipeline.Loader, logger *slog.Logger, metrics *observability.Metrics) (domain.Manifest, error) {
	bundle, err := loader.Load(ctx)
	if err != nil {
		return domain.Manifest{}, err
	}
	manifest := bundle.Manifest(cfg.Dataset)

	if cfg.CacheDir != "" {
		artifacts, err := netcdf.WriteBundle(cfg.CacheDir, bundle)
		if err != nil {
			return domain.Manifest{}, fmt.Errorf("persist bundle: %w", err)
		}
		if manifest, err = netcdf.WriteManifest(cfg.CacheDir, manifest, artifacts); err != nil {
			return domain.Manifest{}, err
		}
		metrics.ManifestsPublished.WithLabelValues("file").Inc()
		logger.Info("bundle persisted", "dir", cfg.CacheDir, "artifacts", artifacts)
	}

	if cfg.KafkaManifestTopic != "" {
		writer := kafkaadapter.NewManifestWriter(cfg, logger)
		err := writer.Publish(ctx, manifest)
		if cerr := writer.Close(); cerr != nil {
			logger.Error("kafka writer close error", "error", cerr)
		}
		if err != nil {
			return manifest, err
		}
		metrics.ManifestsPublished.WithLabelValues("kafka").Inc()
	}

	if cfg.NATSURL != "" {
		notifier, err := natsadapter.NewNotifier(cfg, logger)
		if err != nil {
			return manifest, err
		}
		err = notifier.Publish(ctx, manifest)
		if cerr := notifier.Close(); cerr != nil {
			logger.Error("nats close error", "error", cerr)
		}
		if err != nil {
			return manifest, err
		}
		metrics.ManifestsPublished.WithLabelValues("nats").Inc()
	}
	return manifest, nil
}
