package matching

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Result is a label-keyed snapshot of one run, suitable for rendering or
// saving. It holds no references into the engine.
type Result struct {
	RunID        string                           `yaml:"runId"`
	Inputs       []string                         `yaml:"inputs"`
	Templates    []string                         `yaml:"templates"`
	Correlations map[string]map[string]float64    `yaml:"correlations"`
	TopK         TopKSet                          `yaml:"topK"`
	Assignment   Assignment                       `yaml:"assignment"`
	MaxOverlap   map[string]map[string]Coordinate `yaml:"maxOverlap"`
	Duplicates   map[string][]string              `yaml:"duplicates,omitempty"`
}

// Result snapshots the current results. ignore selects template labels left
// out of duplicate detection.
func (e *Engine) Result(ignore []*regexp.Regexp) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.table == nil {
		return Result{}, fmt.Errorf("no completed run")
	}

	coords := make(map[string]map[string]Coordinate, len(e.coords))
	for in, row := range e.coords {
		coords[in] = make(map[string]Coordinate, len(row))
		for t, c := range row {
			coords[in][t] = c
		}
	}
	topK := make(TopKSet, len(e.topK))
	for k, v := range e.topK {
		topK[k] = append([]Match(nil), v...)
	}

	return Result{
		RunID:        e.runID,
		Inputs:       e.table.Inputs(),
		Templates:    e.table.Templates(),
		Correlations: e.table.Map(),
		TopK:         topK,
		Assignment:   e.assignment.Copy(),
		MaxOverlap:   coords,
		Duplicates:   DuplicateTemplates(e.assignment, e.params.NullLabel, ignore),
	}, nil
}

// SaveResult writes a result as YAML.
func SaveResult(r Result, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating report directory: %w", err)
	}

	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("error marshaling result: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing result: %w", err)
	}
	return nil
}

// LoadResult reads a result written by SaveResult.
func LoadResult(path string) (Result, error) {
	var r Result
	data, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("error reading result: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("error parsing result: %w", err)
	}
	return r, nil
}
