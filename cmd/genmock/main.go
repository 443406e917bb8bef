// Command genmock generates a deterministic synthetic flood scenario: a
// jittered mesh, its grid adjacency, daily meteorology, and the flood events a
// passing storm produces. Meteorology is written as JSON or NetCDF; events are
// written as JSON and can also be published to Kafka in the upstream storm
// event format.
//
// Usage:
//
//	go run ./cmd/genmock -out data -start 2024-06-01 -days 30
//	go run ./cmd/genmock -out data -format netcdf -kafka-brokers localhost:9092
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb"
	kafkago "github.com/segmentio/kafka-go"
	"gonum.org/v1/gonum/mat"

	"github.com/couchcryptid/flood-mesh-etl/internal/adapter/jsonsource"
	"github.com/couchcryptid/flood-mesh-etl/internal/adapter/meshfile"
	"github.com/couchcryptid/flood-mesh-etl/internal/adapter/netcdf"
	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
)

// floodThreshold is the daily precipitation (mm) above which a node floods.
const floodThreshold = 25.0

type options struct {
	out      string
	start    time.Time
	days     int
	meshCols int
	meshRows int
	gridSize int
	format   string
	seed     uint64
	bound    orb.Bound
	brokers  string
	topic    string
}

// scenario is everything genmock writes.
type scenario struct {
	mesh   domain.Mesh
	adj    *mat.Dense
	lats   []float64
	lons   []float64
	precip [][]float64 // per day, row-major (lat, lon)
	temp   [][]float64
	events [][]jsonsource.Event // per day
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "data", "output directory")
	start := flag.String("start", "2024-06-01", "first day (YYYY-MM-DD)")
	days := flag.Int("days", 30, "number of days")
	meshCols := flag.Int("mesh-cols", 6, "mesh nodes per row")
	meshRows := flag.Int("mesh-rows", 5, "mesh rows")
	gridSize := flag.Int("grid", 12, "meteorology grid cells per axis")
	format := flag.String("format", "json", "meteorology format: json or netcdf")
	seed := flag.Uint64("seed", 42, "random seed")
	brokers := flag.String("kafka-brokers", "", "publish events to these brokers when set")
	topic := flag.String("kafka-topic", "transformed-weather-data", "event topic")
	flag.Parse()

	startDay, err := time.Parse(domain.DateLayout, *start)
	if err != nil {
		return fmt.Errorf("invalid -start: %w", err)
	}
	if *days < 1 || *meshCols < 2 || *meshRows < 2 || *gridSize < 2 {
		flag.Usage()
		return fmt.Errorf("-days must be positive; -mesh-cols, -mesh-rows, and -grid at least 2")
	}
	if *format != "json" && *format != "netcdf" {
		return fmt.Errorf("-format must be json or netcdf, got %q", *format)
	}

	opts := options{
		out:      *out,
		start:    startDay,
		days:     *days,
		meshCols: *meshCols,
		meshRows: *meshRows,
		gridSize: *gridSize,
		format:   *format,
		seed:     *seed,
		bound:    orb.Bound{Min: orb.Point{-98, 29}, Max: orb.Point{-95, 32}},
		brokers:  *brokers,
		topic:    *topic,
	}

	s := generate(opts)
	if err := write(opts, s); err != nil {
		return err
	}
	if opts.brokers != "" {
		if err := publish(context.Background(), opts, s); err != nil {
			return fmt.Errorf("publish events: %w", err)
		}
	}
	printStats(opts, s)
	return nil
}

func generate(o options) scenario {
	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	s := scenario{}

	// Mesh: a jittered lattice, row-major from the south-west corner.
	dx := (o.bound.Max[0] - o.bound.Min[0]) / float64(o.meshCols)
	dy := (o.bound.Max[1] - o.bound.Min[1]) / float64(o.meshRows)
	points := make([]orb.Point, 0, o.meshCols*o.meshRows)
	for r := 0; r < o.meshRows; r++ {
		for c := 0; c < o.meshCols; c++ {
			points = append(points, orb.Point{
				o.bound.Min[0] + (float64(c)+0.5+0.3*(rng.Float64()-0.5))*dx,
				o.bound.Min[1] + (float64(r)+0.5+0.3*(rng.Float64()-0.5))*dy,
			})
		}
	}
	s.mesh = domain.NewMesh(points)
	s.adj = latticeAdjacency(o.meshRows, o.meshCols)

	s.lats = axis(o.bound.Min[1], o.bound.Max[1], o.gridSize)
	s.lons = axis(o.bound.Min[0], o.bound.Max[0], o.gridSize)

	// One storm tracks west to east across the period; its strength varies daily.
	for d := 0; d < o.days; d++ {
		frac := float64(d) / float64(max(o.days-1, 1))
		center := orb.Point{
			o.bound.Min[0] + frac*(o.bound.Max[0]-o.bound.Min[0]),
			o.bound.Min[1] + (0.3+0.4*rng.Float64())*(o.bound.Max[1]-o.bound.Min[1]),
		}
		peak := 10 + 40*rng.Float64()
		radius := 0.4 + 0.6*rng.Float64()

		precip := make([]float64, 0, len(s.lats)*len(s.lons))
		temp := make([]float64, 0, len(s.lats)*len(s.lons))
		for _, lat := range s.lats {
			for _, lon := range s.lons {
				precip = append(precip, round(storm(center, peak, radius, orb.Point{lon, lat})))
				seasonal := 24 + 4*math.Sin(2*math.Pi*float64(d)/30)
				temp = append(temp, round(seasonal-1.5*(lat-o.bound.Min[1])+rng.NormFloat64()*0.5))
			}
		}
		s.precip = append(s.precip, precip)
		s.temp = append(s.temp, temp)

		var events []jsonsource.Event
		for i, p := range s.mesh.Points {
			rain := storm(center, peak, radius, p)
			if rain < floodThreshold {
				continue
			}
			severity := round(math.Min(1, rain/50))
			events = append(events, jsonsource.Event{
				ID:       fmt.Sprintf("%s-n%03d", domain.DayKey(o.start.AddDate(0, 0, d)), i),
				Type:     "flood",
				Severity: &severity,
				Lat:      p.Lat() + 0.01*(rng.Float64()-0.5),
				Lon:      p.Lon() + 0.01*(rng.Float64()-0.5),
			})
		}
		s.events = append(s.events, events)
	}
	return s
}

func storm(center orb.Point, peak, radius float64, p orb.Point) float64 {
	dx, dy := p[0]-center[0], p[1]-center[1]
	return peak * math.Exp(-(dx*dx+dy*dy)/(2*radius*radius))
}

// latticeAdjacency links each node to its east and north neighbours.
func latticeAdjacency(rows, cols int) *mat.Dense {
	n := rows * cols
	adj := mat.NewDense(n, n, nil)
	link := func(i, j int) {
		adj.Set(i, j, 1)
		adj.Set(j, i, 1)
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := r*cols + c
			if c+1 < cols {
				link(i, i+1)
			}
			if r+1 < rows {
				link(i, i+cols)
			}
		}
	}
	return adj
}

func axis(lo, hi float64, n int) []float64 {
	step := (hi - lo) / float64(n)
	out := make([]float64, n)
	for i := range out {
		out[i] = round(lo + (float64(i)+0.5)*step)
	}
	return out
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func write(o options, s scenario) error {
	if err := os.MkdirAll(o.out, 0o755); err != nil {
		return err
	}
	meshPath := filepath.Join(o.out, "mesh.geojson")
	if err := meshfile.WriteMesh(meshPath, s.mesh); err != nil {
		return fmt.Errorf("writing mesh: %w", err)
	}
	adjPath := filepath.Join(o.out, "adjacency.csv")
	if err := meshfile.WriteAdjacency(adjPath, s.adj); err != nil {
		return fmt.Errorf("writing adjacency: %w", err)
	}
	log.Printf("wrote mesh (%d nodes): %s, %s", s.mesh.Len(), meshPath, adjPath)

	metDir := filepath.Join(o.out, "met")
	eventDir := filepath.Join(o.out, "events")
	latGrid, lonGrid := domain.MeshGrid(s.lats, s.lons)
	for d := 0; d < o.days; d++ {
		day := o.start.AddDate(0, 0, d)

		var err error
		if o.format == "netcdf" {
			err = netcdf.WriteMetDay(metDir, day, s.lats, s.lons, map[string][]float64{
				"PRECTOT": s.precip[d],
				"T2M":     s.temp[d],
			})
		} else {
			err = jsonsource.WriteMetDay(metDir, day, jsonsource.MetFile{
				Fields: map[string]domain.GriddedField{
					"precip":      {Values: grid(s.precip[d], len(s.lons)), Lats: latGrid, Lons: lonGrid},
					"temperature": {Values: grid(s.temp[d], len(s.lons)), Lats: latGrid, Lons: lonGrid},
				},
			})
		}
		if err != nil {
			return fmt.Errorf("writing meteorology for %s: %w", domain.DayKey(day), err)
		}

		if len(s.events[d]) == 0 {
			continue
		}
		if err := jsonsource.WriteEventDay(eventDir, day, jsonsource.EventFile{Events: s.events[d]}); err != nil {
			return fmt.Errorf("writing events for %s: %w", domain.DayKey(day), err)
		}
	}
	log.Printf("wrote %d days of %s meteorology: %s", o.days, o.format, metDir)
	log.Printf("wrote events: %s", eventDir)
	return nil
}

func grid(flat []float64, cols int) [][]float64 {
	rows := make([][]float64, 0, len(flat)/cols)
	for i := 0; i < len(flat); i += cols {
		rows = append(rows, flat[i:i+cols])
	}
	return rows
}

// stormEvent mirrors the upstream storm ETL's published event.
type stormEvent struct {
	ID        string     `json:"id"`
	EventType string     `json:"type"`
	Geo       domain.Geo `json:"geo"`
	BeginTime time.Time  `json:"begin_time"`
	Severity  string     `json:"severity"`
}

func severityLabel(v float64) string {
	switch {
	case v >= 0.875:
		return "extreme"
	case v >= 0.625:
		return "severe"
	case v >= 0.375:
		return "moderate"
	default:
		return "minor"
	}
}

func publish(ctx context.Context, o options, s scenario) error {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(o.brokers),
		Topic:                  o.topic,
		Balancer:               &kafkago.Hash{},
		AllowAutoTopicCreation: true,
	}
	defer func() { _ = w.Close() }()

	var msgs []kafkago.Message
	for d, events := range s.events {
		begin := o.start.AddDate(0, 0, d).Add(14 * time.Hour)
		for _, e := range events {
			value, err := json.Marshal(stormEvent{
				ID:        e.ID,
				EventType: e.Type,
				Geo:       domain.Geo{Lat: e.Lat, Lon: e.Lon},
				BeginTime: begin,
				Severity:  severityLabel(*e.Severity),
			})
			if err != nil {
				return err
			}
			msgs = append(msgs, kafkago.Message{Key: []byte(e.ID), Value: value, Time: begin})
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		return err
	}
	log.Printf("published %d events to %s", len(msgs), o.topic)
	return nil
}

func printStats(o options, s scenario) {
	total, flooded := 0, 0
	perNode := make(map[int]int)
	for _, events := range s.events {
		total += len(events)
		if len(events) > 0 {
			flooded++
		}
		for _, e := range events {
			i, _ := domain.NearestNode(s.mesh, domain.Geo{Lat: e.Lat, Lon: e.Lon})
			perNode[i]++
		}
	}
	fmt.Println("\n=== Scenario ===")
	fmt.Printf("  days:        %d from %s\n", o.days, domain.DayKey(o.start))
	fmt.Printf("  mesh:        %d nodes (%dx%d)\n", s.mesh.Len(), o.meshCols, o.meshRows)
	fmt.Printf("  met grid:    %dx%d\n", len(s.lats), len(s.lons))
	fmt.Printf("  events:      %d on %d days\n", total, flooded)
	fmt.Printf("  nodes hit:   %d\n", len(perNode))
}
