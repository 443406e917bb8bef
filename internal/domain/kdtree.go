package domain

import (
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// KDTreeProjector answers nearest-cell queries from a k-d tree over the grid.
// The tree is rebuilt only when the grid geometry changes, which for a daily
// reanalysis product is never after the first day.
type KDTreeProjector struct {
	mu   sync.Mutex
	lats [][]float64
	lons [][]float64
	tree *kdtree.Tree
}

// NewKDTreeProjector creates a projector with an empty tree cache.
func NewKDTreeProjector() *KDTreeProjector {
	return &KDTreeProjector{}
}

// Project implements Projector with the same tie-breaking as BruteForceProjector:
// every cell at the minimum distance is collected and the lowest row-major
// index wins.
func (p *KDTreeProjector) Project(field GriddedField, mesh Mesh) ([]float64, error) {
	_, cols, err := ValidateGrid(field)
	if err != nil {
		return nil, err
	}
	if err := CheckMesh(mesh); err != nil {
		return nil, err
	}

	tree := p.treeFor(field, cols)

	out := make([]float64, mesh.Len())
	for i, pt := range mesh.Points {
		q := gridCell{lat: pt.Y(), lon: pt.X()}
		idx := nearestCell(tree, q)
		out[i] = field.Values[idx/cols][idx%cols]
	}
	return out, nil
}

// treeFor returns the cached tree when field shares the cached geometry, and
// builds a new one otherwise.
func (p *KDTreeProjector) treeFor(field GriddedField, cols int) *kdtree.Tree {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tree != nil && sameGrid(p.lats, field.Lats) && sameGrid(p.lons, field.Lons) {
		return p.tree
	}

	cells := make(gridCells, 0, len(field.Lats)*cols)
	for r := range field.Lats {
		for c := 0; c < cols; c++ {
			cells = append(cells, gridCell{lat: field.Lats[r][c], lon: field.Lons[r][c], idx: r*cols + c})
		}
	}
	p.tree = kdtree.New(cells, false)
	p.lats, p.lons = field.Lats, field.Lons
	return p.tree
}

// nearestCell returns the row-major index of the closest cell to q, choosing
// the lowest index among cells at exactly the minimum distance.
func nearestCell(tree *kdtree.Tree, q gridCell) int {
	nearest, dist := tree.Nearest(q)
	best := nearest.(gridCell).idx

	keep := kdtree.NewDistKeeper(dist)
	tree.NearestSet(keep, q)
	for _, c := range keep.Heap {
		if c.Comparable == nil || c.Dist > dist {
			continue
		}
		if idx := c.Comparable.(gridCell).idx; idx < best {
			best = idx
		}
	}
	return best
}

func sameGrid(a, b [][]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for r := range a {
		if len(a[r]) != len(b[r]) {
			return false
		}
		for c := range a[r] {
			if a[r][c] != b[r][c] {
				return false
			}
		}
	}
	return true
}

// gridCell is a cell position in the tree; idx is its row-major index.
type gridCell struct {
	lat, lon float64
	idx      int
}

// Compare implements kdtree.Comparable. Dimension 0 is latitude, 1 longitude.
func (c gridCell) Compare(o kdtree.Comparable, d kdtree.Dim) float64 {
	q := o.(gridCell)
	if d == 0 {
		return c.lat - q.lat
	}
	return c.lon - q.lon
}

// Dims implements kdtree.Comparable.
func (c gridCell) Dims() int { return 2 }

// Distance implements kdtree.Comparable as the squared distance used by
// BruteForceProjector.
func (c gridCell) Distance(o kdtree.Comparable) float64 {
	q := o.(gridCell)
	return sqDistance(c.lat, c.lon, q.lat, q.lon)
}

type gridCells []gridCell

func (p gridCells) Index(i int) kdtree.Comparable { return p[i] }
func (p gridCells) Len() int { return len(p) }
func (p gridCells) Pivot(d kdtree.Dim) int { return cellPlane{gridCells: p, dim: d}.Pivot() }
func (p gridCells) Slice(start, end int) kdtree.Interface { return p[start:end] }

// cellPlane sorts cells along one dimension for median partitioning.
type cellPlane struct {
	gridCells
	dim kdtree.Dim
}

func (p cellPlane) Less(i, j int) bool {
	if p.dim == 0 {
		return p.gridCells[i].lat < p.gridCells[j].lat
	}
	return p.gridCells[i].lon < p.gridCells[j].lon
}

func (p cellPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p cellPlane) Slice(start, end int) kdtree.SortSlicer {
	p.gridCells = p.gridCells[start:end]
	return p
}

func (p cellPlane) Swap(i, j int) {
	p.gridCells[i], p.gridCells[j] = p.gridCells[j], p.gridCells[i]
}
