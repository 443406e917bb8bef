package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Source kinds accepted by MET_SOURCE and EVENT_SOURCE.
const (
	SourceJSON   = "json"
	SourceNetCDF = "netcdf"
	SourceKafka  = "kafka"
)

const dateLayout = "2006-01-02"

// Config holds all service settings, populated from environment variables.
type Config struct {
	Dataset       string
	MeshPath      string
	AdjacencyPath string

	MetSource       string
	MetDir          string
	NetCDFVariables map[string]string // dataset variable -> NetCDF variable
	EventSource     string
	EventDir        string
	SnapMaxDistance float64 // degrees; 0 disables the limit

	StartDate time.Time
	EndDate   time.Time
	PastSteps int
	Variables []string
	Projector string
	Workers   int
	CacheDir  string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ExitAfterBuild  bool

	KafkaBrokers       []string
	KafkaEventTopic    string
	KafkaEventTypes    []string
	KafkaIdleTimeout   time.Duration
	KafkaManifestTopic string

	NATSURL     string
	NATSSubject string

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
	MapboxRate      float64 // requests per second
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	mapboxTimeout, err := parseDuration("MAPBOX_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}
	idleTimeout, err := parseDuration("KAFKA_IDLE_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}

	startDate, err := parseDate("START_DATE")
	if err != nil {
		return nil, err
	}
	endDate, err := parseDate("END_DATE")
	if err != nil {
		return nil, err
	}

	pastSteps, err := parsePositiveInt("PAST_STEPS", 6)
	if err != nil {
		return nil, err
	}
	workers, err := parsePositiveInt("WORKERS", 1)
	if err != nil {
		return nil, err
	}

	snapMax, err := parseNonNegativeFloat("EVENT_SNAP_MAX_DEG", "0")
	if err != nil {
		return nil, err
	}
	mapboxRate, err := parseNonNegativeFloat("MAPBOX_RATE", "10")
	if err != nil {
		return nil, err
	}

	netcdfVars, err := parseMapping(sharedcfg.EnvOrDefault("NETCDF_VARIABLES", "precip=PRECTOT,temperature=T2M"))
	if err != nil {
		return nil, fmt.Errorf("invalid NETCDF_VARIABLES: %w", err)
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	cfg := &Config{
		Dataset:       sharedcfg.EnvOrDefault("DATASET", "hydrograph"),
		MeshPath:      sharedcfg.EnvOrDefault("MESH_PATH", "data/mesh.geojson"),
		AdjacencyPath: sharedcfg.EnvOrDefault("ADJACENCY_PATH", "data/adjacency.csv"),

		MetSource:       strings.ToLower(sharedcfg.EnvOrDefault("MET_SOURCE", SourceJSON)),
		MetDir:          sharedcfg.EnvOrDefault("MET_DIR", "data/met"),
		NetCDFVariables: netcdfVars,
		EventSource:     strings.ToLower(sharedcfg.EnvOrDefault("EVENT_SOURCE", SourceJSON)),
		EventDir:        sharedcfg.EnvOrDefault("EVENT_DIR", "data/events"),
		SnapMaxDistance: snapMax,

		StartDate: startDate,
		EndDate:   endDate,
		PastSteps: pastSteps,
		Variables: splitList(sharedcfg.EnvOrDefault("VARIABLES", "precip,temperature")),
		Projector: sharedcfg.EnvOrDefault("PROJECTOR", "kdtree"),
		Workers:   workers,
		CacheDir:  os.Getenv("CACHE_DIR"),

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		ExitAfterBuild:  sharedcfg.EnvOrDefault("EXIT_AFTER_BUILD", "true") == "true",

		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaEventTopic:    sharedcfg.EnvOrDefault("KAFKA_EVENT_TOPIC", "transformed-weather-data"),
		KafkaEventTypes:    splitList(os.Getenv("KAFKA_EVENT_TYPES")),
		KafkaIdleTimeout:   idleTimeout,
		KafkaManifestTopic: os.Getenv("KAFKA_MANIFEST_TOPIC"),

		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: sharedcfg.EnvOrDefault("NATS_SUBJECT", "datasets.built"),

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: parseMapboxCacheSize(),
		MapboxRate:      mapboxRate,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EndDate.Before(c.StartDate) {
		return errors.New("END_DATE is before START_DATE")
	}
	if len(c.Variables) == 0 {
		return errors.New("VARIABLES must name at least one variable")
	}
	switch c.MetSource {
	case SourceJSON:
	case SourceNetCDF:
		for _, v := range c.Variables {
			if _, ok := c.NetCDFVariables[v]; !ok {
				return fmt.Errorf("NETCDF_VARIABLES has no mapping for %q", v)
			}
		}
	default:
		return fmt.Errorf("MET_SOURCE must be %q or %q, got %q", SourceJSON, SourceNetCDF, c.MetSource)
	}
	switch c.EventSource {
	case SourceJSON:
	case SourceKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required")
		}
		if c.KafkaEventTopic == "" {
			return errors.New("KAFKA_EVENT_TOPIC is required")
		}
	default:
		return fmt.Errorf("EVENT_SOURCE must be %q or %q, got %q", SourceJSON, SourceKafka, c.EventSource)
	}
	if c.Projector != "kdtree" && c.Projector != "brute" {
		return fmt.Errorf("PROJECTOR must be kdtree or brute, got %q", c.Projector)
	}
	if c.KafkaManifestTopic != "" && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_MANIFEST_TOPIC is set but KAFKA_BROKERS is empty")
	}
	if c.MapboxEnabled && c.MapboxToken == "" {
		return errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	return nil
}

func parseDate(key string) (time.Time, error) {
	s := os.Getenv(key)
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return t, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func parseNonNegativeFloat(key, def string) (float64, error) {
	f, err := strconv.ParseFloat(sharedcfg.EnvOrDefault(key, def), 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative number", key)
	}
	return f, nil
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}

// parseMapping parses "a=A,b=B" into a map.
func parseMapping(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(s) {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		out[k] = v
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
