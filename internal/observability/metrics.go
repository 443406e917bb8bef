package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flood_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for dataset builds.
type Metrics struct {
	PipelineRunning prometheus.Gauge
	BuildsTotal     *prometheus.CounterVec // labels: outcome={success,error}
	BuildErrors     *prometheus.CounterVec // labels: kind={alignment,shape,index,split,canceled,other}
	BuildDuration   prometheus.Histogram

	// Per-day time series metrics.
	DaysProcessed      prometheus.Counter
	ProjectionDuration prometheus.Histogram
	EventsRasterized   prometheus.Counter
	EventsDropped      *prometheus.CounterVec // labels: reason={no_coordinates,too_far,filtered,invalid}

	// Output metrics.
	SplitSamples       *prometheus.GaugeVec   // labels: split={train,val,test}
	ManifestsPublished *prometheus.CounterVec // labels: sink={kafka,nats,file}
	MessagesConsumed   prometheus.Counter

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec // labels: outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeAPIDuration prometheus.Histogram
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.PipelineRunning,
		m.BuildsTotal,
		m.BuildErrors,
		m.BuildDuration,
		m.DaysProcessed,
		m.ProjectionDuration,
		m.EventsRasterized,
		m.EventsDropped,
		m.SplitSamples,
		m.ManifestsPublished,
		m.MessagesConsumed,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	)

	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a dataset build is in progress, 0 otherwise.",
		}),
		BuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Dataset builds by outcome.",
		}, []string{"outcome"}),
		BuildErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_errors_total",
			Help:      "Failed dataset builds by error kind.",
		}, []string{"kind"}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of a complete dataset build.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}),
		DaysProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "days_processed_total",
			Help:      "Calendar days projected and rasterized.",
		}),
		ProjectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "projection_duration_seconds",
			Help:      "Time to project one day's variables onto the mesh.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		EventsRasterized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rasterized_total",
			Help:      "Flood events written into label vectors.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Flood events discarded by sources before rasterization.",
		}, []string{"reason"}),
		SplitSamples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "split_samples",
			Help:      "Windowed samples in each split of the last bundle.",
		}, []string{"split"}),
		ManifestsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifests_published_total",
			Help:      "Bundle manifests delivered by sink.",
		}, []string{"sink"}),
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Event messages read from Kafka.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Forward geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when event geocoding is enabled, 0 otherwise.",
		}),
	}
}
