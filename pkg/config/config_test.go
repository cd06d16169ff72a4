package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rsnmatch/internal/models"
	"rsnmatch/pkg/interpolation"
	"rsnmatch/pkg/matching"
	"rsnmatch/pkg/nifti"
)

func TestDefaultConfigParams(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}

	params, err := cfg.Params()
	if err != nil {
		t.Fatalf("Params failed: %v", err)
	}
	if diff := cmp.Diff(matching.DefaultParams(), params, cmp.Comparer(func(a, b *models.Volume) bool { return a == b })); diff != "" {
		t.Errorf("Default config does not match default params (-want +got):\n%s", diff)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Matching.TopK != 3 || cfg.Matching.MinimumCorrelation != 0.3 {
		t.Errorf("Expected defaults, got %+v", cfg.Matching)
	}
}

func TestSaveLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg", "rsnmatch.yaml")

	cfg := DefaultConfig()
	cfg.Matching.MinimumCorrelation = 0.25
	cfg.Matching.NullLabel = "unassigned"
	cfg.Preparation.Template.Interpolation = "nearest"
	cfg.Inputs = []ImageEntry{{Label: "ica", Path: "ica.nii.gz"}}
	cfg.Templates = []ImageEntry{
		{Label: "DMN", Path: "/abs/dmn.nii"},
		{Label: "Noise_artifact"},
	}

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Matching.MinimumCorrelation != 0.25 || loaded.Matching.NullLabel != "unassigned" {
		t.Errorf("Matching settings not preserved: %+v", loaded.Matching)
	}
	if got, want := loaded.Inputs[0].Path, filepath.Join(filepath.Dir(path), "ica.nii.gz"); got != want {
		t.Errorf("Expected relative input path resolved to %s, got %s", want, got)
	}
	if got := loaded.Templates[0].Path; got != "/abs/dmn.nii" {
		t.Errorf("Absolute path changed: %s", got)
	}
	if loaded.Templates[1].Path != "" {
		t.Errorf("Placeholder gained a path: %q", loaded.Templates[1].Path)
	}

	params, err := loaded.Params()
	if err != nil {
		t.Fatalf("Params failed: %v", err)
	}
	if params.Preparation.Template.Interpolation != interpolation.Nearest {
		t.Errorf("Expected nearest interpolation for templates, got %v", params.Preparation.Template.Interpolation)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero topK", func(c *Config) { c.Matching.TopK = 0 }},
		{"zero workers", func(c *Config) { c.Matching.Workers = 0 }},
		{"minimum out of range", func(c *Config) { c.Matching.MinimumCorrelation = 1.5 }},
		{"bad interpolation", func(c *Config) { c.Preparation.Input.Interpolation = "cubic" }},
		{"bad pattern", func(c *Config) { c.Duplicates.IgnorePatterns = []string{"["} }},
		{"unlabeled template", func(c *Config) { c.Templates = []ImageEntry{{Path: "x.nii"}} }},
		{"input without path", func(c *Config) { c.Inputs = []ImageEntry{{Label: "ica"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Templates = []ImageEntry{{Label: "DMN", Path: "a.nii"}, {Label: "DMN", Path: "b.nii"}}
	if err := cfg.Validate(); !errors.Is(err, matching.ErrDuplicateLabel) {
		t.Errorf("Expected ErrDuplicateLabel, got %v", err)
	}
}

func TestLoadVolumes(t *testing.T) {
	dir := t.TempDir()

	series := []*models.Volume{
		models.NewVolume(4, 4, 4, models.IdentityAffine()),
		models.NewVolume(4, 4, 4, models.IdentityAffine()),
	}
	series[0].Set(1, 1, 1, 3)
	series[1].Set(2, 2, 2, 3)
	if err := nifti.Write(filepath.Join(dir, "melodic_IC.nii.gz"), series...); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	single := models.NewVolume(4, 4, 4, models.IdentityAffine())
	single.Set(0, 0, 0, 1)
	if err := nifti.Write(filepath.Join(dir, "IC_extra.nii"), single); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := nifti.Write(filepath.Join(dir, "rsn", "dmn.nii"), single); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	cfgPath := filepath.Join(dir, "rsnmatch.yaml")
	content := `
inputs:
  - path: melodic_IC.nii.gz
    label: ica
  - path: IC_extra.nii
templates:
  - label: DMN
    path: rsn/dmn.nii
  - label: Noise_artifact
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	inputs, err := cfg.LoadInputs()
	if err != nil {
		t.Fatalf("LoadInputs failed: %v", err)
	}
	var labels []string
	for _, in := range inputs {
		labels = append(labels, in.Label)
	}
	if diff := cmp.Diff([]string{"ica,1", "ica,2", "IC_extra"}, labels); diff != "" {
		t.Errorf("Input labels mismatch (-want +got):\n%s", diff)
	}
	if inputs[1].Volume.At(2, 2, 2) != 3 {
		t.Error("Second component has the wrong data")
	}

	templates, err := cfg.LoadTemplates()
	if err != nil {
		t.Fatalf("LoadTemplates failed: %v", err)
	}
	if len(templates) != 2 || templates[0].Volume == nil || templates[1].Volume != nil {
		t.Errorf("Expected one map and one placeholder, got %+v", templates)
	}

	cfg.Templates = append(cfg.Templates, ImageEntry{Label: "Missing", Path: filepath.Join(dir, "missing.nii")})
	if _, err := cfg.LoadTemplates(); err == nil {
		t.Error("Expected error for a missing template file")
	}
}

func TestLabelFromPath(t *testing.T) {
	tests := map[string]string{
		"/data/ica/IC_01.nii.gz": "IC_01",
		"rsn/DMN.nii":            "DMN",
		"pair/Visual.hdr":        "Visual",
		"pair/Visual.img.gz":     "Visual",
	}
	for in, want := range tests {
		if got := LabelFromPath(in); got != want {
			t.Errorf("LabelFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}
