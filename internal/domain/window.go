package domain

import (
	"errors"
	"time"

	"github.com/ctessum/sparse"
)

// ErrPastSteps is returned for a look-back length below 1.
var ErrPastSteps = errors.New("past steps must be at least 1")

// Windows are the autoregressive samples cut from a series: X (S, L, N, F)
// holds S look-back windows and Y (S, N, 1) the label one step after each.
// TargetDays[s] is the day whose labels Y[s] holds.
type Windows struct {
	X          *sparse.DenseArray
	Y          *sparse.DenseArray
	PastSteps  int
	TargetDays []time.Time
	Channels   []string
}

// Len returns the sample count S.
func (w Windows) Len() int { return w.X.Shape[0] }

// Nodes returns N.
func (w Windows) Nodes() int { return w.X.Shape[2] }

// Features returns F.
func (w Windows) Features() int { return w.X.Shape[3] }

// Window slices a series into samples: for every t in [L, T), sample t-L pairs
// X[t-L:t] with Y[t]. A series no longer than L yields zero samples, which is
// not an error here.
func Window(s NodeTimeSeries, pastSteps int) (Windows, error) {
	if pastSteps < 1 {
		return Windows{}, ErrPastSteps
	}

	steps, n, f := s.Steps(), s.Nodes(), s.Features()
	samples := max(steps-pastSteps, 0)

	w := Windows{
		X:         sparse.ZerosDense(samples, pastSteps, n, f),
		Y:         sparse.ZerosDense(samples, n, 1),
		PastSteps: pastSteps,
		Channels:  s.Channels,
	}

	stepSize := n * f
	windowSize := pastSteps * stepSize
	for t := pastSteps; t < steps; t++ {
		i := t - pastSteps
		// The window is one contiguous block of the row-major series.
		copy(w.X.Elements[i*windowSize:(i+1)*windowSize], s.X.Elements[i*stepSize:t*stepSize])
		copy(w.Y.Elements[i*n:(i+1)*n], s.Y.Elements[t*n:(t+1)*n])
		if t < len(s.Days) {
			w.TargetDays = append(w.TargetDays, s.Days[t])
		}
	}
	return w, nil
}
