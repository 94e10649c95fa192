package report

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/topicforge/internal/research"
)

// Manifest is the YAML summary written next to a run's reports.
type Manifest struct {
	Run      *research.PipelineRun `yaml:"run"`
	Snapshot string                `yaml:"papers_csv,omitempty"`
}

// WriteManifest writes m as YAML to path.
func WriteManifest(path string, m Manifest) error {
	out, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding manifest: %w", err)
	}
	return m, nil
}
