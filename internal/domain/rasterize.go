package domain

import "fmt"

// DefaultSeverity is the label value for an event that reports no severity.
const DefaultSeverity = 1.0

// Rasterize turns a day's point events into a dense per-node label vector of
// length n. Each event sets (does not accumulate) its node's value, so when
// several events hit one node the last one in iteration order wins.
func Rasterize(n int, day DayEvents) ([]float64, error) {
	out := make([]float64, n)
	for _, ev := range day.Events {
		idx, ok := day.NodeIndex[ev.ID]
		if !ok {
			return nil, fmt.Errorf("%w: day %s: event %q has no node index",
				ErrIndexRange, DayKey(day.Day), ev.ID)
		}
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("%w: day %s: event %q references node %d, mesh has %d nodes",
				ErrIndexRange, DayKey(day.Day), ev.ID, idx, n)
		}
		out[idx] = ev.SeverityOr(DefaultSeverity)
	}
	return out, nil
}
