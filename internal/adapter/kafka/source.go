package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/config"
	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/couchcryptid/flood-mesh-etl/internal/observability"
	"github.com/couchcryptid/storm-data-shared/retry"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	initialBackoff  = 200 * time.Millisecond
	maxBackoff      = 5 * time.Second
	maxFetchRetries = 5
)

// messageReader is the subset of *kafkago.Reader used to drain a partition.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

// EventSource drains the storm event topic once, then serves events by day.
// Its day index is every calendar day in [start, end]; a day without events
// is still listed.
type EventSource struct {
	brokers     []string
	topic       string
	idleTimeout time.Duration
	filter      eventFilter
	start, end  time.Time

	mesh     domain.Mesh
	maxDist  float64
	geocoder domain.Geocoder

	logger  *slog.Logger
	metrics *observability.Metrics

	// openPartition and partitions are replaced in tests.
	openPartition func(ctx context.Context, partition int) (messageReader, int64, int64, error)
	partitions    func(ctx context.Context) ([]int, error)

	mu     sync.Mutex
	loaded bool
	byDay  map[string][]domain.EventRecord
}

// NewEventSource creates an EventSource for the configured topic. geocoder
// may be nil, in which case events without coordinates are dropped.
func NewEventSource(cfg *config.Config, mesh domain.Mesh, geocoder domain.Geocoder, logger *slog.Logger, metrics *observability.Metrics) *EventSource {
	s := &EventSource{
		brokers:     cfg.KafkaBrokers,
		topic:       cfg.KafkaEventTopic,
		idleTimeout: cfg.KafkaIdleTimeout,
		filter:      newEventFilter(cfg.KafkaEventTypes, cfg.StartDate, cfg.EndDate),
		start:       cfg.StartDate,
		end:         cfg.EndDate,
		mesh:        mesh,
		maxDist:     cfg.SnapMaxDistance,
		geocoder:    geocoder,
		logger:      logger,
		metrics:     metrics,
	}
	s.openPartition = s.dialPartition
	s.partitions = s.listPartitions
	return s
}

// Days drains the topic if needed and returns every day in the configured range.
func (s *EventSource) Days(ctx context.Context) ([]time.Time, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return domain.DayRange(s.start, s.end), nil
}

// LoadDay returns the day's events, geocoded where needed and snapped to the mesh.
func (s *EventSource) LoadDay(ctx context.Context, day time.Time) (domain.DayEvents, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return domain.DayEvents{}, err
	}
	day = domain.TruncateDay(day)

	s.mu.Lock()
	raw := s.byDay[domain.DayKey(day)]
	s.mu.Unlock()

	located := make([]domain.EventRecord, 0, len(raw))
	for _, ev := range raw {
		ev, _ = domain.LocateEvent(ctx, ev, s.geocoder, s.logger)
		located = append(located, ev)
	}

	index, kept, dropped := domain.SnapEvents(s.mesh, located, s.maxDist)
	for _, ev := range dropped {
		s.metrics.EventsDropped.WithLabelValues(domain.DropReason(ev)).Inc()
	}
	if len(dropped) > 0 {
		s.logger.Debug("events dropped", "day", domain.DayKey(day), "count", len(dropped))
	}
	return domain.DayEvents{Day: day, Events: kept, NodeIndex: index}, nil
}

func (s *EventSource) ensureLoaded(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	byDay, err := s.drain(ctx)
	if err != nil {
		return err
	}
	s.byDay = byDay
	s.loaded = true
	return nil
}

// drain reads every partition from its first offset to the high-water mark
// observed at start. Events are grouped by day; a repeated ID replaces the
// earlier record.
func (s *EventSource) drain(ctx context.Context) (map[string][]domain.EventRecord, error) {
	parts, err := s.partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions of %s: %w", s.topic, err)
	}

	latest := make(map[string]domain.EventRecord)
	var order []string
	for _, p := range parts {
		msgs, err := s.drainPartition(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			s.metrics.MessagesConsumed.Inc()
			ev, err := decodeEvent(msg)
			if err != nil {
				s.logger.Warn("skipping malformed event", "partition", p, "offset", msg.Offset, "error", err)
				s.metrics.EventsDropped.WithLabelValues("invalid").Inc()
				continue
			}
			if !s.filter.accept(ev) {
				s.metrics.EventsDropped.WithLabelValues("filtered").Inc()
				continue
			}
			if _, seen := latest[ev.ID]; !seen {
				order = append(order, ev.ID)
			}
			latest[ev.ID] = ev
		}
	}

	byDay := make(map[string][]domain.EventRecord)
	for _, id := range order {
		ev := latest[id]
		key := domain.DayKey(ev.Time)
		byDay[key] = append(byDay[key], ev)
	}
	s.logger.Info("event topic drained",
		"topic", s.topic,
		"partitions", len(parts),
		"events", len(order),
		"days_with_events", len(byDay),
	)
	return byDay, nil
}

// drainPartition reads one partition up to its high-water mark. Fetch errors
// are retried with exponential backoff; an idle timeout ends the partition
// early with whatever was read.
func (s *EventSource) drainPartition(ctx context.Context, partition int) ([]kafkago.Message, error) {
	reader, first, last, err := s.openPartition(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("open partition %d: %w", partition, err)
	}
	defer func() { _ = reader.Close() }()

	var msgs []kafkago.Message
	next := first
	backoff := initialBackoff
	retries := 0
	for next < last {
		readCtx, cancel := context.WithTimeout(ctx, s.idleTimeout)
		msg, err := reader.ReadMessage(readCtx)
		cancel()

		switch {
		case err == nil:
			msgs = append(msgs, msg)
			next = msg.Offset + 1
			backoff, retries = initialBackoff, 0
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			s.logger.Warn("partition idle before high-water mark",
				"partition", partition, "next_offset", next, "high_water", last)
			return msgs, nil
		default:
			retries++
			if retries > maxFetchRetries {
				return nil, fmt.Errorf("read partition %d at offset %d: %w", partition, next, err)
			}
			s.logger.Warn("fetch failed, retrying", "partition", partition, "error", err, "backoff", backoff)
			if !retry.SleepWithContext(ctx, backoff) {
				return nil, ctx.Err()
			}
			backoff = retry.NextBackoff(backoff, maxBackoff)
		}
	}
	return msgs, nil
}

func (s *EventSource) listPartitions(ctx context.Context) ([]int, error) {
	var lastErr error
	for _, broker := range s.brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		parts, err := conn.ReadPartitions(s.topic)
		_ = conn.Close()
		if err != nil {
			return nil, err
		}
		ids := make([]int, 0, len(parts))
		for _, p := range parts {
			ids = append(ids, p.ID)
		}
		return ids, nil
	}
	return nil, fmt.Errorf("no broker reachable: %w", lastErr)
}

func (s *EventSource) dialPartition(ctx context.Context, partition int) (messageReader, int64, int64, error) {
	leader, err := kafkago.DialLeader(ctx, "tcp", s.brokers[0], s.topic, partition)
	if err != nil {
		return nil, 0, 0, err
	}
	first, last, err := leader.ReadOffsets()
	_ = leader.Close()
	if err != nil {
		return nil, 0, 0, err
	}

	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   s.brokers,
		Topic:     s.topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	if err := r.SetOffset(first); err != nil {
		_ = r.Close()
		return nil, 0, 0, err
	}
	return r, first, last, nil
}
