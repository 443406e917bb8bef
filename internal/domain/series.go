package domain

import (
	"fmt"
	"time"

	"github.com/ctessum/sparse"
)

// Coordinate channels appended by AppendCoordinates, in order. Downstream
// consumers index them positionally: x is channel F, y is channel F+1.
const (
	ChannelX = "x"
	ChannelY = "y"
)

// NodeTimeSeries is the per-day feature tensor X (T, N, F) and label tensor
// Y (T, N, 1). Both arrays are row-major. Days[t] is the calendar day of step t
// and Channels names the feature axis.
type NodeTimeSeries struct {
	X        *sparse.DenseArray
	Y        *sparse.DenseArray
	Days     []time.Time
	Channels []string
}

// NewNodeTimeSeries allocates zeroed tensors for the given days, node count,
// and feature channels.
func NewNodeTimeSeries(days []time.Time, nodes int, channels []string) NodeTimeSeries {
	return NodeTimeSeries{
		X:        sparse.ZerosDense(len(days), nodes, len(channels)),
		Y:        sparse.ZerosDense(len(days), nodes, 1),
		Days:     days,
		Channels: channels,
	}
}

// Steps returns T.
func (s NodeTimeSeries) Steps() int { return s.X.Shape[0] }

// Nodes returns N.
func (s NodeTimeSeries) Nodes() int { return s.X.Shape[1] }

// Features returns F.
func (s NodeTimeSeries) Features() int { return s.X.Shape[2] }

// SetDay writes step t. features holds one length-N vector per channel, in
// channel order; labels is length N.
func (s NodeTimeSeries) SetDay(t int, features [][]float64, labels []float64) error {
	n, f := s.Nodes(), s.Features()
	if len(features) != f {
		return fmt.Errorf("%w: step %d has %d feature vectors, want %d", ErrInputShape, t, len(features), f)
	}
	if len(labels) != n {
		return fmt.Errorf("%w: step %d has %d labels, want %d", ErrInputShape, t, len(labels), n)
	}

	base := t * n * f
	for ch, vec := range features {
		if len(vec) != n {
			return fmt.Errorf("%w: step %d channel %q has %d values, want %d",
				ErrInputShape, t, s.Channels[ch], len(vec), n)
		}
		for i, v := range vec {
			s.X.Elements[base+i*f+ch] = v
		}
	}
	copy(s.Y.Elements[t*n:(t+1)*n], labels)
	return nil
}

// AppendCoordinates returns a new series whose feature axis is X's channels
// followed by the static node coordinates x then y, repeated at every step.
// The input series is not modified.
func AppendCoordinates(s NodeTimeSeries, mesh Mesh) (NodeTimeSeries, error) {
	steps, n, f := s.Steps(), s.Nodes(), s.Features()
	if mesh.Len() != n {
		return NodeTimeSeries{}, fmt.Errorf("%w: series has %d nodes, mesh has %d", ErrInputShape, n, mesh.Len())
	}

	fa := f + 2
	out := sparse.ZerosDense(steps, n, fa)
	for t := 0; t < steps; t++ {
		for i := 0; i < n; i++ {
			src := (t*n + i) * f
			dst := (t*n + i) * fa
			copy(out.Elements[dst:dst+f], s.X.Elements[src:src+f])
			out.Elements[dst+f] = mesh.Points[i].X()
			out.Elements[dst+f+1] = mesh.Points[i].Y()
		}
	}

	channels := make([]string, 0, fa)
	channels = append(channels, s.Channels...)
	channels = append(channels, ChannelX, ChannelY)

	return NodeTimeSeries{X: out, Y: s.Y, Days: s.Days, Channels: channels}, nil
}
