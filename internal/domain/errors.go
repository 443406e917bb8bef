package domain

import "errors"

// Sentinel errors for pipeline failures. All of them abort a run; they are
// wrapped with the offending day or index and matched with errors.Is.
var (
	// ErrDataAlignment means the meteorology and event sources disagree on the day index.
	ErrDataAlignment = errors.New("data alignment")
	// ErrInputShape means a grid or adjacency has the wrong shape.
	ErrInputShape = errors.New("input shape")
	// ErrIndexRange means an event references a node outside [0, N).
	ErrIndexRange = errors.New("node index out of range")
	// ErrDegenerateSplit means there are too few samples for non-empty splits.
	ErrDegenerateSplit = errors.New("degenerate split")
	// ErrDayNotFound is returned by sources asked for a day they do not hold.
	ErrDayNotFound = errors.New("day not found")
)
