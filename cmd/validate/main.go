// Command validate checks a persisted bundle for internal consistency: the
// manifest against the split artifacts on disk, the chronological split
// arithmetic, tensor shapes, and the coordinate channels.
//
// Usage:
//
//	go run ./cmd/validate -dir data/cache
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/couchcryptid/flood-mesh-etl/internal/adapter/netcdf"
	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dir := flag.String("dir", "", "directory holding manifest.json and the split artifacts")
	flag.Parse()

	if *dir == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*dir); code != 0 {
		os.Exit(code)
	}
}

func run(dir string) int {
	m, err := netcdf.ReadManifest(filepath.Join(dir, netcdf.ManifestFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load manifest: %v\n", err)
		return 1
	}
	fmt.Printf("Loaded manifest %s: %d samples, %d nodes, L=%d, F=%d\n",
		m.Key(), m.Samples, m.NumNodes, m.PastSteps, m.InputDim)

	artifacts := make(map[string]netcdf.Artifact, len(domain.SplitNames))
	loadPhase := &phase{name: "Artifacts"}
	for _, name := range domain.SplitNames {
		r, ok := m.Splits[name]
		if !ok {
			loadPhase.errorf("manifest has no %s split", name)
			continue
		}
		if r.Artifact == "" {
			loadPhase.errorf("%s: manifest names no artifact", name)
			continue
		}
		a, err := netcdf.ReadArtifact(filepath.Join(dir, r.Artifact))
		if err != nil {
			loadPhase.errorf("%s: %v", name, err)
			continue
		}
		artifacts[name] = a
	}
	if _, err := os.Stat(filepath.Join(dir, netcdf.AdjacencyFile)); err != nil {
		loadPhase.errorf("adjacency: %v", err)
	}

	phases := []*phase{
		loadPhase,
		validateSplits(m),
		validateShapes(m, artifacts),
		validateChannels(m, artifacts),
		validateValues(artifacts),
	}

	fmt.Println()
	failed := 0
	for _, p := range phases {
		if p.passed() {
			fmt.Printf("PASS  %s\n", p.name)
			continue
		}
		failed++
		fmt.Printf("FAIL  %s (%d errors)\n", p.name, len(p.errors))
		for i, e := range p.errors {
			if i >= 10 {
				fmt.Printf("      ... and %d more\n", len(p.errors)-10)
				break
			}
			fmt.Printf("      %s\n", e)
		}
	}

	if failed > 0 {
		fmt.Printf("\n%d of %d phases failed\n", failed, len(phases))
		return 1
	}
	fmt.Printf("\nAll %d phases passed\n", len(phases))
	return 0
}

// validateSplits checks that the splits tile [0, samples) in chronological
// order at the floor(0.8n) and floor(0.9n) boundaries.
func validateSplits(m domain.Manifest) *phase {
	p := &phase{name: "Split arithmetic"}
	nTrain, nVal := domain.SplitBounds(m.Samples)
	want := map[string][2]int{
		domain.SplitTrain: {0, nTrain},
		domain.SplitVal:   {nTrain, nVal},
		domain.SplitTest:  {nVal, m.Samples},
	}

	total := 0
	for _, name := range domain.SplitNames {
		r, ok := m.Splits[name]
		if !ok {
			continue
		}
		w := want[name]
		if r.Start != w[0] || r.End != w[1] {
			p.errorf("%s: range [%d, %d), want [%d, %d)", name, r.Start, r.End, w[0], w[1])
		}
		if r.End <= r.Start {
			p.errorf("%s: empty split", name)
		}
		if r.FirstDay != "" && r.LastDay != "" && r.FirstDay > r.LastDay {
			p.errorf("%s: first day %s after last day %s", name, r.FirstDay, r.LastDay)
		}
		total += r.End - r.Start
	}
	if total != m.Samples {
		p.errorf("splits cover %d samples, manifest says %d", total, m.Samples)
	}

	train, val, test := m.Splits[domain.SplitTrain], m.Splits[domain.SplitVal], m.Splits[domain.SplitTest]
	if train.LastDay != "" && val.FirstDay != "" && train.LastDay >= val.FirstDay {
		p.errorf("train ends %s, not before val starts %s", train.LastDay, val.FirstDay)
	}
	if val.LastDay != "" && test.FirstDay != "" && val.LastDay >= test.FirstDay {
		p.errorf("val ends %s, not before test starts %s", val.LastDay, test.FirstDay)
	}
	if want := m.Days - m.PastSteps; m.Days > 0 && m.Samples != want {
		p.errorf("%d days with L=%d should yield %d samples, manifest says %d", m.Days, m.PastSteps, want, m.Samples)
	}
	return p
}

func validateShapes(m domain.Manifest, artifacts map[string]netcdf.Artifact) *phase {
	p := &phase{name: "Tensor shapes"}
	for _, name := range domain.SplitNames {
		a, ok := artifacts[name]
		if !ok {
			continue
		}
		r := m.Splits[name]
		n := r.End - r.Start

		if a.Split != name {
			p.errorf("%s: artifact labelled %q", name, a.Split)
		}
		if a.Offset != r.Start {
			p.errorf("%s: artifact offset %d, manifest start %d", name, a.Offset, r.Start)
		}
		if wantX := []int{n, m.PastSteps, m.NumNodes, m.InputDim}; !slices.Equal(a.XShape, wantX) {
			p.errorf("%s: x shape %v, want %v", name, a.XShape, wantX)
		}
		if wantY := []int{n, m.NumNodes, m.NumTargets}; !slices.Equal(a.YShape, wantY) {
			p.errorf("%s: y shape %v, want %v", name, a.YShape, wantY)
		}
	}
	return p
}

// validateChannels checks the meteorology channels lead and x, y close the
// feature axis.
func validateChannels(m domain.Manifest, artifacts map[string]netcdf.Artifact) *phase {
	p := &phase{name: "Channels"}
	want := append(slices.Clone(m.Variables), domain.ChannelX, domain.ChannelY)
	if !slices.Equal(m.Channels, want) {
		p.errorf("manifest channels %v, want %v", m.Channels, want)
	}
	if len(m.Channels) != m.InputDim {
		p.errorf("%d channels for input dim %d", len(m.Channels), m.InputDim)
	}
	for _, name := range domain.SplitNames {
		a, ok := artifacts[name]
		if !ok {
			continue
		}
		if !slices.Equal(a.Channels, m.Channels) {
			p.errorf("%s: artifact channels %v, manifest %v", name, a.Channels, m.Channels)
		}
	}
	return p
}

// validateValues checks every x value is finite and that the coordinate
// channels are constant across steps for each node.
func validateValues(artifacts map[string]netcdf.Artifact) *phase {
	p := &phase{name: "Feature values"}
	for _, name := range domain.SplitNames {
		a, ok := artifacts[name]
		if !ok || len(a.XShape) != 4 {
			continue
		}
		for i, v := range a.X {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				p.errorf("%s: x[%d] is %v", name, i, v)
			}
		}

		s, l, n, f := a.XShape[0], a.XShape[1], a.XShape[2], a.XShape[3]
		if f < 2 || len(a.X) != s*l*n*f {
			continue
		}
		at := func(si, li, ni, fi int) float64 { return a.X[((si*l+li)*n+ni)*f+fi] }
		for si := 0; si < s; si++ {
			for ni := 0; ni < n; ni++ {
				for li := 1; li < l; li++ {
					for fi := f - 2; fi < f; fi++ {
						if at(si, li, ni, fi) != at(si, 0, ni, fi) {
							p.errorf("%s: sample %d node %d coordinate channel %d varies across steps", name, si, ni, fi)
						}
					}
				}
			}
		}
	}
	return p
}
