package domain

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ValidateGrid checks that a field's value, latitude, and longitude arrays are
// non-empty, rectangular, identically shaped, and that every cell position is
// finite. It returns the grid's row and column counts.
func ValidateGrid(f GriddedField) (rows, cols int, err error) {
	rows = len(f.Values)
	if rows == 0 || len(f.Values[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: empty grid", ErrInputShape)
	}
	cols = len(f.Values[0])

	if len(f.Lats) != rows || len(f.Lons) != rows {
		return 0, 0, fmt.Errorf("%w: values have %d rows, lats %d, lons %d",
			ErrInputShape, rows, len(f.Lats), len(f.Lons))
	}
	for r := 0; r < rows; r++ {
		if len(f.Values[r]) != cols || len(f.Lats[r]) != cols || len(f.Lons[r]) != cols {
			return 0, 0, fmt.Errorf("%w: row %d is not %d columns wide in all arrays",
				ErrInputShape, r, cols)
		}
		for c := 0; c < cols; c++ {
			if !isFinite(f.Lats[r][c]) || !isFinite(f.Lons[r][c]) {
				return 0, 0, fmt.Errorf("%w: non-finite position at cell (%d, %d)", ErrInputShape, r, c)
			}
		}
	}
	return rows, cols, nil
}

// CheckAdjacency verifies that adj is an n×n matrix.
func CheckAdjacency(adj mat.Matrix, n int) error {
	if adj == nil {
		return fmt.Errorf("%w: adjacency is nil", ErrInputShape)
	}
	r, c := adj.Dims()
	if r != n || c != n {
		return fmt.Errorf("%w: adjacency is %dx%d, mesh has %d nodes", ErrInputShape, r, c, n)
	}
	return nil
}

// CheckMesh rejects empty meshes and non-finite node coordinates.
func CheckMesh(m Mesh) error {
	if m.Len() == 0 {
		return fmt.Errorf("%w: mesh has no nodes", ErrInputShape)
	}
	for i, p := range m.Points {
		if !isFinite(p.X()) || !isFinite(p.Y()) {
			return fmt.Errorf("%w: non-finite coordinate at node %d", ErrInputShape, i)
		}
	}
	return nil
}

// MeshGrid expands 1-D latitude and longitude axes into the parallel 2-D arrays
// of a GriddedField, rows following lats and columns following lons.
func MeshGrid(lats, lons []float64) (latGrid, lonGrid [][]float64) {
	latGrid = make([][]float64, len(lats))
	lonGrid = make([][]float64, len(lats))
	for r, lat := range lats {
		latGrid[r] = make([]float64, len(lons))
		lonGrid[r] = make([]float64, len(lons))
		for c, lon := range lons {
			latGrid[r][c] = lat
			lonGrid[r][c] = lon
		}
	}
	return latGrid, lonGrid
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
