package domain

import (
	"fmt"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/mat"
)

// Sample is one supervised pair: a look-back window X (L, N, F), the shared
// adjacency, and the next-step label Y (N, 1).
type Sample struct {
	X         *sparse.DenseArray
	Adjacency mat.Matrix
	Y         *sparse.DenseArray
}

// Dataset is an index-addressable sequence of samples.
type Dataset interface {
	Len() int
	Sample(i int) (Sample, error)
}

// GraphTemporalDataset is a contiguous range [start, end) of a Windows value.
// It holds references to the window tensors and the adjacency; nothing is
// copied until Sample is called.
type GraphTemporalDataset struct {
	windows   Windows
	start     int
	end       int
	adjacency mat.Matrix
}

// NewGraphTemporalDataset wraps samples [start, end) of w.
func NewGraphTemporalDataset(w Windows, start, end int, adjacency mat.Matrix) (*GraphTemporalDataset, error) {
	if start < 0 || end < start || end > w.Len() {
		return nil, fmt.Errorf("%w: range [%d, %d) outside %d samples", ErrIndexRange, start, end, w.Len())
	}
	return &GraphTemporalDataset{windows: w, start: start, end: end, adjacency: adjacency}, nil
}

// Len returns the number of samples in the range.
func (d *GraphTemporalDataset) Len() int { return d.end - d.start }

// Offset returns the index of the first sample within the full window set.
func (d *GraphTemporalDataset) Offset() int { return d.start }

// Sample returns a copy of sample i, counted from the start of the range.
func (d *GraphTemporalDataset) Sample(i int) (Sample, error) {
	if i < 0 || i >= d.Len() {
		return Sample{}, fmt.Errorf("%w: sample %d of %d", ErrIndexRange, i, d.Len())
	}
	l, n, f := d.windows.PastSteps, d.windows.Nodes(), d.windows.Features()
	j := d.start + i

	x := sparse.ZerosDense(l, n, f)
	size := l * n * f
	copy(x.Elements, d.windows.X.Elements[j*size:(j+1)*size])

	y := sparse.ZerosDense(n, 1)
	copy(y.Elements, d.windows.Y.Elements[j*n:(j+1)*n])

	return Sample{X: x, Adjacency: d.adjacency, Y: y}, nil
}
