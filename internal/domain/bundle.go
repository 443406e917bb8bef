package domain

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Split names, in chronological order.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// SplitNames lists the splits in the order they cover the timeline.
var SplitNames = []string{SplitTrain, SplitVal, SplitTest}

// TaskRegression is the label task type for flood depth proxies.
const TaskRegression = "regression"

// DataSplit pairs a split's dataset with an optional companion (nil here).
type DataSplit struct {
	Data      Dataset
	Companion Dataset
}

// FeatureSpec describes the model input.
type FeatureSpec struct {
	InputDim    int
	NumNodes    int
	PastSteps   int
	Channels    []string
	Description string
}

// LabelSpec describes the model target.
type LabelSpec struct {
	NumTargets  int
	TaskType    string
	Description string
}

// Metadata is shared by every split. Adjacency is stored once here and
// referenced, not copied, by each dataset.
type Metadata struct {
	Adjacency  mat.Matrix
	Days       []time.Time
	Variables  []string
	TargetDays []time.Time
	CreatedAt  time.Time
}

// Bundle is the terminal artifact of a run.
type Bundle struct {
	Splits   map[string]DataSplit
	Features FeatureSpec
	Labels   LabelSpec
	Metadata Metadata
}

// SplitBounds returns the train/validation boundaries for n samples:
// floor(0.8n) and floor(0.9n). Integer arithmetic keeps the floors exact.
func SplitBounds(n int) (nTrain, nVal int) {
	if n <= 0 {
		return 0, 0
	}
	return 8 * n / 10, 9 * n / 10
}

// BundleInput carries the run context AssembleBundle records in metadata.
type BundleInput struct {
	Windows   Windows
	Adjacency mat.Matrix
	Days      []time.Time
	Variables []string
}

// AssembleBundle partitions the windows into contiguous, chronologically ordered
// train [0, nTrain), val [nTrain, nVal), and test [nVal, n) datasets. Every split
// must be non-empty.
func AssembleBundle(in BundleInput) (*Bundle, error) {
	w := in.Windows
	n := w.Len()
	if err := CheckAdjacency(in.Adjacency, w.Nodes()); err != nil {
		return nil, err
	}

	nTrain, nVal := SplitBounds(n)
	bounds := [][2]int{{0, nTrain}, {nTrain, nVal}, {nVal, n}}

	splits := make(map[string]DataSplit, len(SplitNames))
	for i, name := range SplitNames {
		start, end := bounds[i][0], bounds[i][1]
		if end == start {
			return nil, fmt.Errorf("%w: %d samples leave split %q empty (train=%d val=%d test=%d)",
				ErrDegenerateSplit, n, name, nTrain, nVal-nTrain, n-nVal)
		}
		ds, err := NewGraphTemporalDataset(w, start, end, in.Adjacency)
		if err != nil {
			return nil, err
		}
		splits[name] = DataSplit{Data: ds}
	}

	return &Bundle{
		Splits: splits,
		Features: FeatureSpec{
			InputDim:    w.Features(),
			NumNodes:    w.Nodes(),
			PastSteps:   w.PastSteps,
			Channels:    w.Channels,
			Description: "meteorology + (x,y)",
		},
		Labels: LabelSpec{
			NumTargets:  1,
			TaskType:    TaskRegression,
			Description: "flood depth proxy",
		},
		Metadata: Metadata{
			Adjacency:  in.Adjacency,
			Days:       in.Days,
			Variables:  in.Variables,
			TargetDays: w.TargetDays,
			CreatedAt:  clock.Now().UTC(),
		},
	}, nil
}

// Dataset returns the named split's dataset, or nil if the split is absent.
func (b *Bundle) Dataset(name string) *GraphTemporalDataset {
	s, ok := b.Splits[name]
	if !ok {
		return nil
	}
	ds, _ := s.Data.(*GraphTemporalDataset)
	return ds
}
