package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SplitRange is a split's position within the full window set.
type SplitRange struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	FirstDay string `json:"first_day,omitempty"`
	LastDay  string `json:"last_day,omitempty"`
	Artifact string `json:"artifact,omitempty"`
}

// Manifest is the serializable summary of a bundle. It is what gets published
// to Kafka/NATS and written next to persisted artifacts; the tensors
// themselves travel separately.
type Manifest struct {
	Dataset    string                `json:"dataset"`
	CreatedAt  time.Time             `json:"created_at"`
	StartDate  string                `json:"start_date"`
	EndDate    string                `json:"end_date"`
	Days       int                   `json:"days"`
	Variables  []string              `json:"variables"`
	Channels   []string              `json:"channels"`
	InputDim   int                   `json:"input_dim"`
	NumNodes   int                   `json:"num_nodes"`
	PastSteps  int                   `json:"past_steps"`
	NumTargets int                   `json:"num_targets"`
	TaskType   string                `json:"task_type"`
	Samples    int                   `json:"samples"`
	Splits     map[string]SplitRange `json:"splits"`
}

// Manifest summarizes the bundle under the given dataset name.
func (b *Bundle) Manifest(dataset string) Manifest {
	m := Manifest{
		Dataset:    dataset,
		CreatedAt:  b.Metadata.CreatedAt,
		Days:       len(b.Metadata.Days),
		Variables:  b.Metadata.Variables,
		Channels:   b.Features.Channels,
		InputDim:   b.Features.InputDim,
		NumNodes:   b.Features.NumNodes,
		PastSteps:  b.Features.PastSteps,
		NumTargets: b.Labels.NumTargets,
		TaskType:   b.Labels.TaskType,
		Splits:     make(map[string]SplitRange, len(SplitNames)),
	}
	if days := b.Metadata.Days; len(days) > 0 {
		m.StartDate = DayKey(days[0])
		m.EndDate = DayKey(days[len(days)-1])
	}

	for _, name := range SplitNames {
		ds := b.Dataset(name)
		if ds == nil {
			continue
		}
		r := SplitRange{Start: ds.Offset(), End: ds.Offset() + ds.Len()}
		if td := b.Metadata.TargetDays; r.End > r.Start && r.End <= len(td) {
			r.FirstDay = DayKey(td[r.Start])
			r.LastDay = DayKey(td[r.End-1])
		}
		m.Splits[name] = r
		m.Samples += ds.Len()
	}
	return m
}

// Key returns a stable message key for the manifest.
func (m Manifest) Key() string {
	return fmt.Sprintf("%s/%s..%s/L%d", m.Dataset, m.StartDate, m.EndDate, m.PastSteps)
}

// Marshal serializes the manifest as JSON.
func (m Manifest) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize manifest: %w", err)
	}
	return data, nil
}
