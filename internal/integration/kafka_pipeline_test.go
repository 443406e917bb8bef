//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/couchcryptid/flood-mesh-etl/internal/adapter/jsonsource"
	"github.com/couchcryptid/flood-mesh-etl/internal/adapter/kafka"
	"github.com/couchcryptid/flood-mesh-etl/internal/config"
	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/couchcryptid/flood-mesh-etl/internal/observability"
	"github.com/couchcryptid/flood-mesh-etl/internal/pipeline"
)

const (
	testEventTopic    = "test-storm-events"
	testManifestTopic = "test-manifests"
)

var (
	june1  = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	june14 = time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)
)

func stormMessage(id, kind string, lat, lon float64, begin time.Time, severity string) kafkago.Message {
	body := fmt.Sprintf(`{"id":%q,"type":%q,"geo":{"lat":%g,"lon":%g},"begin_time":%q,"severity":%q}`,
		id, kind, lat, lon, begin.Format(time.RFC3339), severity)
	return kafkago.Message{Key: []byte(id), Value: []byte(body), Time: begin}
}

func publishEvents(ctx context.Context, t *testing.T, broker string, msgs ...kafkago.Message) {
	t.Helper()
	producer := &kafkago.Writer{
		Addr:     kafkago.TCP(broker),
		Topic:    testEventTopic,
		Balancer: &kafkago.Hash{},
	}
	t.Cleanup(func() { _ = producer.Close() })
	require.NoError(t, producer.WriteMessages(ctx, msgs...))
}

func writeMetFixtures(t *testing.T, dir string) {
	t.Helper()
	lats := [][]float64{{30, 30}, {31, 31}}
	lons := [][]float64{{-97, -96}, {-97, -96}}
	for i, day := range domain.DayRange(june1, june14) {
		v := float64(i)
		require.NoError(t, jsonsource.WriteMetDay(dir, day, jsonsource.MetFile{
			Fields: map[string]domain.GriddedField{
				"precip":      {Values: [][]float64{{v, v}, {v, v}}, Lats: lats, Lons: lons},
				"temperature": {Values: [][]float64{{20, 21}, {22, 23}}, Lats: lats, Lons: lons},
			},
		}))
	}
}

// TestEventSource_DrainsTopic verifies the event source reads every partition
// to its high-water mark and groups events by day on the mesh.
func TestEventSource_DrainsTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testEventTopic, 2)

	publishEvents(ctx, t, broker,
		stormMessage("e1", "flood", 30, -96, june1.Add(10*time.Hour), "moderate"),
		stormMessage("e2", "flash_flood", 31, -97, june1.Add(26*time.Hour), "severe"),
		stormMessage("e3", "hail", 31, -96, june1.Add(30*time.Hour), "minor"),
		stormMessage("e4", "flood", 30, -97, june14.Add(48*time.Hour), "extreme"),
	)

	cfg := &config.Config{
		KafkaBrokers:     []string{broker},
		KafkaEventTopic:  testEventTopic,
		KafkaEventTypes:  []string{"flood", "flash_flood"},
		KafkaIdleTimeout: 5 * time.Second,
		StartDate:        june1,
		EndDate:          june14,
	}
	metrics := observability.NewMetricsForTesting()
	src := kafka.NewEventSource(cfg, squareMesh(), nil, discardLogger(), metrics)

	days, err := src.Days(ctx)
	require.NoError(t, err)
	assert.Len(t, days, 14)

	d1, err := src.LoadDay(ctx, june1)
	require.NoError(t, err)
	require.Len(t, d1.Events, 1)
	assert.Equal(t, "e1", d1.Events[0].ID)
	assert.Equal(t, 1, d1.NodeIndex["e1"])

	d2, err := src.LoadDay(ctx, june1.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, d2.Events, 1, "hail is filtered by type")
	assert.Equal(t, 2, d2.NodeIndex["e2"])

	empty, err := src.LoadDay(ctx, june1.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Empty(t, empty.Events)
	assert.NotNil(t, empty.NodeIndex)
}

// TestManifestWriter_RoundTrip verifies the manifest lands on the topic keyed
// by dataset and date range.
func TestManifestWriter_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testManifestTopic, 1)

	cfg := &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaManifestTopic: testManifestTopic,
	}
	writer := kafka.NewManifestWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	m := domain.Manifest{
		Dataset:   pipeline.DatasetName,
		CreatedAt: time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC),
		StartDate: "2024-06-01",
		EndDate:   "2024-06-14",
		PastSteps: 3,
		Samples:   11,
	}
	require.NoError(t, writer.Publish(ctx, m))

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testManifestTopic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()
	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err)

	assert.Equal(t, "hydrograph/2024-06-01..2024-06-14/L3", string(msg.Key))
	var got domain.Manifest
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, 11, got.Samples)
}

// TestPipeline_KafkaEvents builds a full bundle from JSON meteorology and
// events drained from Kafka.
func TestPipeline_KafkaEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testEventTopic, 2)

	// June 13 is day index 12; with L=3 it is the target of sample 9, the
	// first test sample.
	june13 := june1.AddDate(0, 0, 12)
	publishEvents(ctx, t, broker,
		stormMessage("e1", "flood", 30, -96, june13.Add(8*time.Hour), "moderate"),
	)

	metDir := t.TempDir()
	writeMetFixtures(t, metDir)

	cfg := &config.Config{
		KafkaBrokers:     []string{broker},
		KafkaEventTopic:  testEventTopic,
		KafkaIdleTimeout: 5 * time.Second,
		StartDate:        june1,
		EndDate:          june14,
	}
	mesh := squareMesh()
	metrics := observability.NewMetricsForTesting()

	registry := pipeline.NewRegistry()
	require.NoError(t, pipeline.RegisterDefaults(registry))
	loader, err := registry.New(pipeline.DatasetName, pipeline.Options{
		Mesh:        mesh,
		Adjacency:   mat.NewDense(4, 4, []float64{0, 1, 1, 0, 1, 0, 0, 1, 1, 0, 0, 1, 0, 1, 1, 0}),
		StartDate:   june1,
		EndDate:     june14,
		PastSteps:   3,
		Workers:     2,
		Meteorology: jsonsource.NewMetSource(metDir),
		Events:      kafka.NewEventSource(cfg, mesh, nil, discardLogger(), metrics),
		Logger:      discardLogger(),
		Metrics:     metrics,
	})
	require.NoError(t, err)

	bundle, err := loader.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, loader.CheckReadiness(ctx))

	m := bundle.Manifest(pipeline.DatasetName)
	assert.Equal(t, 11, m.Samples)
	assert.Equal(t, domain.SplitRange{Start: 9, End: 11, FirstDay: "2024-06-13", LastDay: "2024-06-14"}, m.Splits[domain.SplitTest])

	sample, err := bundle.Dataset(domain.SplitTest).Sample(0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sample.Y.Get(1, 0), 1e-9)
	assert.InDelta(t, 0.0, sample.Y.Get(0, 0), 1e-9)
}
