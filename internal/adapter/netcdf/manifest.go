package netcdf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
)

// ManifestFile is written next to the split artifacts.
const ManifestFile = "manifest.json"

// WriteManifest records m under dir, with each split's artifact name filled
// in from artifacts. It returns the manifest as written.
func WriteManifest(dir string, m domain.Manifest, artifacts map[string]string) (domain.Manifest, error) {
	splits := make(map[string]domain.SplitRange, len(m.Splits))
	for name, r := range m.Splits {
		r.Artifact = artifacts[name]
		splits[name] = r
	}
	m.Splits = splits

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, fmt.Errorf("serialize manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return m, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (domain.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m domain.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}
