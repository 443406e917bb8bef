// Package meshfile reads and writes the mesh and adjacency files that fix the
// spatial discretization: a GeoJSON FeatureCollection of points and a CSV
// edge list.
package meshfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gonum.org/v1/gonum/mat"
)

// NodeProperty is the optional feature property holding a node's index. When
// absent, features are numbered in file order.
const NodeProperty = "node"

// LoadMesh reads a GeoJSON FeatureCollection of Point features.
func LoadMesh(path string) (domain.Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Mesh{}, fmt.Errorf("read mesh: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return domain.Mesh{}, fmt.Errorf("parse mesh %s: %w", path, err)
	}
	return meshFromFeatures(fc)
}

func meshFromFeatures(fc *geojson.FeatureCollection) (domain.Mesh, error) {
	n := len(fc.Features)
	points := make([]orb.Point, n)
	seen := make([]bool, n)

	for i, f := range fc.Features {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			return domain.Mesh{}, fmt.Errorf("%w: feature %d is %T, want Point", domain.ErrInputShape, i, f.Geometry)
		}

		idx := i
		if v, ok := f.Properties[NodeProperty]; ok {
			num, ok := v.(float64)
			if !ok || num != math.Trunc(num) || num < 0 || num >= float64(n) {
				return domain.Mesh{}, fmt.Errorf("%w: feature %d has node %v, mesh has %d nodes", domain.ErrIndexRange, i, v, n)
			}
			idx = int(num)
		}
		if seen[idx] {
			return domain.Mesh{}, fmt.Errorf("%w: node %d defined twice", domain.ErrInputShape, idx)
		}
		seen[idx] = true
		points[idx] = p
	}

	mesh := domain.NewMesh(points)
	if err := domain.CheckMesh(mesh); err != nil {
		return domain.Mesh{}, err
	}
	return mesh, nil
}

// WriteMesh writes mesh as a GeoJSON FeatureCollection with explicit node indexes.
func WriteMesh(path string, mesh domain.Mesh) error {
	fc := geojson.NewFeatureCollection()
	for i, p := range mesh.Points {
		f := geojson.NewFeature(p)
		f.Properties[NodeProperty] = i
		fc.Append(f)
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode mesh: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadAdjacency reads a CSV edge list of "i,j" or "i,j,weight" rows into a
// symmetric n×n matrix. Missing weights are 1. A header row and lines starting
// with '#' are skipped.
func LoadAdjacency(path string, n int) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open adjacency: %w", err)
	}
	defer f.Close()

	adj, err := ReadAdjacency(f, n)
	if err != nil {
		return nil, fmt.Errorf("adjacency %s: %w", path, err)
	}
	return adj, nil
}

// ReadAdjacency parses an edge list from r. See LoadAdjacency.
func ReadAdjacency(r io.Reader, n int) (*mat.Dense, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: adjacency needs at least one node", domain.ErrInputShape)
	}
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	adj := mat.NewDense(n, n, nil)
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 2 || len(rec) > 3 {
			return nil, fmt.Errorf("line %d: want 2 or 3 fields, got %d", line, len(rec))
		}

		i, errI := strconv.Atoi(strings.TrimSpace(rec[0]))
		j, errJ := strconv.Atoi(strings.TrimSpace(rec[1]))
		if errI != nil || errJ != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: node indexes must be integers", line)
		}
		if i < 0 || i >= n || j < 0 || j >= n {
			return nil, fmt.Errorf("%w: line %d: edge (%d, %d) outside %d nodes", domain.ErrIndexRange, line, i, j, n)
		}

		w := 1.0
		if len(rec) == 3 {
			w, err = strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: weight: %w", line, err)
			}
		}
		adj.Set(i, j, w)
		adj.Set(j, i, w)
	}
	return adj, nil
}

// WriteAdjacency writes the upper triangle of adj as an "i,j,weight" edge list.
func WriteAdjacency(path string, adj mat.Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create adjacency: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"i", "j", "weight"}); err != nil {
		return err
	}
	r, c := adj.Dims()
	for i := 0; i < r; i++ {
		for j := i; j < c; j++ {
			v := adj.At(i, j)
			if v == 0 {
				continue
			}
			row := []string{strconv.Itoa(i), strconv.Itoa(j), strconv.FormatFloat(v, 'g', -1, 64)}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}
	w.Flush()
	return w.Error()
}
