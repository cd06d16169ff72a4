// Package config provides configuration loading and management for rsnmatch.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"rsnmatch/pkg/interpolation"
	"rsnmatch/pkg/matching"
)

// PrepSettings mirrors matching.PrepareOptions for one side of a comparison
type PrepSettings struct {
	Center     bool    `yaml:"center"`
	Scale      bool    `yaml:"scale"`
	Threshold  float64 `yaml:"threshold"`
	Continuous bool    `yaml:"continuous"`

	// Interpolation is "linear" or "nearest"
	Interpolation string `yaml:"interpolation"`
}

// ImageEntry names one image file. For inputs a 4D file expands into one
// entry per volume, labeled "<label>,<n>". A template entry without a path
// is a placeholder category that is never correlated.
type ImageEntry struct {
	Label string `yaml:"label"`
	Path  string `yaml:"path,omitempty"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Matching parameters
	Matching struct {
		// MinimumCorrelation is the lowest score assigned automatically
		MinimumCorrelation float64 `yaml:"minimumCorrelation"`

		// NullLabel marks inputs left for manual review
		NullLabel string `yaml:"nullLabel"`

		// TopK is the number of ranked templates highlighted per input
		TopK int `yaml:"topK"`

		// Workers splits the correlation sweep; 1 keeps it sequential
		Workers int `yaml:"workers"`
	} `yaml:"matching"`

	// Preparation of inputs (ICA components) and templates (RSN maps)
	Preparation struct {
		Input    PrepSettings `yaml:"input"`
		Template PrepSettings `yaml:"template"`
	} `yaml:"preparation"`

	// Inputs are the ICA component images
	Inputs []ImageEntry `yaml:"inputs"`

	// Templates are the RSN template images and placeholder categories
	Templates []ImageEntry `yaml:"templates"`

	// Duplicate detection parameters
	Duplicates struct {
		// IgnorePatterns are regular expressions for catch-all template labels
		IgnorePatterns []string `yaml:"ignorePatterns"`
	} `yaml:"duplicates"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// ReportFile receives the YAML result snapshot when set
		ReportFile string `yaml:"reportFile"`

		// HeatmapFile receives a PNG of the correlation table when set
		HeatmapFile string `yaml:"heatmapFile"`

		// SlicesDir receives orthogonal slices through each assigned pair when set
		SlicesDir string `yaml:"slicesDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default matching parameters
	cfg.Matching.MinimumCorrelation = 0.3
	cfg.Matching.NullLabel = ""
	cfg.Matching.TopK = 3
	cfg.Matching.Workers = 1

	// Inputs are standardized and only near-zero values suppressed
	cfg.Preparation.Input = PrepSettings{
		Scale:         true,
		Threshold:     1,
		Continuous:    true,
		Interpolation: "linear",
	}

	// Templates are binarized on the input grid
	cfg.Preparation.Template = PrepSettings{
		Threshold:     0.2,
		Interpolation: "linear",
	}

	cfg.Duplicates.IgnorePatterns = []string{"Noise", "Other"}

	cfg.Output.Verbose = false
	cfg.Output.ReportFile = "rsnmatch_report.yaml"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Relative image paths are relative to the config file
	base := filepath.Dir(configPath)
	for i := range cfg.Inputs {
		cfg.Inputs[i].Path = resolve(base, cfg.Inputs[i].Path)
	}
	for i := range cfg.Templates {
		cfg.Templates[i].Path = resolve(base, cfg.Templates[i].Path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// Validate checks tunables and rejects duplicate template labels, which
// would otherwise silently overwrite each other in the correlation table.
func (c *Config) Validate() error {
	if c.Matching.TopK < 1 {
		return fmt.Errorf("matching.topK must be at least 1, got %d", c.Matching.TopK)
	}
	if c.Matching.Workers < 1 {
		return fmt.Errorf("matching.workers must be at least 1, got %d", c.Matching.Workers)
	}
	if c.Matching.MinimumCorrelation < -1 || c.Matching.MinimumCorrelation > 1 {
		return fmt.Errorf("matching.minimumCorrelation must be in [-1, 1], got %f", c.Matching.MinimumCorrelation)
	}

	for _, s := range []PrepSettings{c.Preparation.Input, c.Preparation.Template} {
		if _, err := interpolation.ParseMethod(s.Interpolation); err != nil {
			return err
		}
	}
	if _, err := c.IgnorePatterns(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Templates))
	for _, t := range c.Templates {
		if t.Label == "" {
			return fmt.Errorf("template with path %q has no label", t.Path)
		}
		if seen[t.Label] {
			return fmt.Errorf("%w: template %q", matching.ErrDuplicateLabel, t.Label)
		}
		seen[t.Label] = true
	}
	for _, in := range c.Inputs {
		if in.Path == "" {
			return fmt.Errorf("input %q has no path", in.Label)
		}
	}
	return nil
}

// IgnorePatterns compiles the duplicate-detection ignore patterns
func (c *Config) IgnorePatterns() ([]*regexp.Regexp, error) {
	return matching.CompilePatterns(c.Duplicates.IgnorePatterns)
}

// Params converts the configuration into matching parameters
func (c *Config) Params() (matching.Params, error) {
	in, err := c.Preparation.Input.options()
	if err != nil {
		return matching.Params{}, err
	}
	tmpl, err := c.Preparation.Template.options()
	if err != nil {
		return matching.Params{}, err
	}

	return matching.Params{
		MinimumCorrelation: c.Matching.MinimumCorrelation,
		NullLabel:          c.Matching.NullLabel,
		TopK:               c.Matching.TopK,
		Workers:            c.Matching.Workers,
		Preparation: matching.Preparation{
			Input:    in,
			Template: tmpl,
		},
	}, nil
}

func (s PrepSettings) options() (matching.PrepareOptions, error) {
	method, err := interpolation.ParseMethod(s.Interpolation)
	if err != nil {
		return matching.PrepareOptions{}, err
	}
	return matching.PrepareOptions{
		Center:        s.Center,
		Scale:         s.Scale,
		Threshold:     s.Threshold,
		Continuous:    s.Continuous,
		Interpolation: method,
	}, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
