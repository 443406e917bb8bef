package domain

import (
	"fmt"
	"math"
)

// Projector maps a gridded field onto mesh nodes. Implementations must assign
// every node the value of the grid cell at minimum squared distance
// (lat - y)^2 + (lon - x)^2, breaking ties by the first cell in row-major order.
type Projector interface {
	Project(field GriddedField, mesh Mesh) ([]float64, error)
}

// BruteForceProjector scans every grid cell for every node. It is O(N·G) and
// serves as the reference the indexed projector is tested against.
type BruteForceProjector struct{}

// Project implements Projector.
func (BruteForceProjector) Project(field GriddedField, mesh Mesh) ([]float64, error) {
	rows, cols, err := ValidateGrid(field)
	if err != nil {
		return nil, err
	}
	if err := CheckMesh(mesh); err != nil {
		return nil, err
	}

	out := make([]float64, mesh.Len())
	for i, p := range mesh.Points {
		best := math.Inf(1)
		bestR, bestC := 0, 0
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				// Strict less-than keeps the first minimum in scan order.
				if d := sqDistance(field.Lats[r][c], field.Lons[r][c], p.Y(), p.X()); d < best {
					best, bestR, bestC = d, r, c
				}
			}
		}
		out[i] = field.Values[bestR][bestC]
	}
	return out, nil
}

// NewProjector returns the projector registered under kind: "brute" or "kdtree".
func NewProjector(kind string) (Projector, error) {
	switch kind {
	case "brute":
		return BruteForceProjector{}, nil
	case "kdtree", "":
		return NewKDTreeProjector(), nil
	default:
		return nil, fmt.Errorf("unknown projector %q", kind)
	}
}

// sqDistance is the squared planar distance between a grid cell and a node.
// Both projectors go through this one function so their results agree bit for bit.
func sqDistance(cellLat, cellLon, y, x float64) float64 {
	dy := cellLat - y
	dx := cellLon - x
	return dy*dy + dx*dx
}
