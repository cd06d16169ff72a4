package config

import (
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"rsnmatch/pkg/matching"
	"rsnmatch/pkg/nifti"
)

// LoadInputs reads every input image. A 4D image yields one labeled volume
// per component, numbered from 1.
func (c *Config) LoadInputs() ([]matching.LabeledVolume, error) {
	var out []matching.LabeledVolume
	for _, entry := range c.Inputs {
		img, err := nifti.ReadFile(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("loading input %q: %w", entry.Label, err)
		}

		label := entry.Label
		if label == "" {
			label = LabelFromPath(entry.Path)
		}

		if img.NumVolumes() == 1 {
			out = append(out, matching.LabeledVolume{Label: label, Volume: img.Volumes[0]})
			continue
		}
		for t, vol := range img.Volumes {
			out = append(out, matching.LabeledVolume{
				Label:  fmt.Sprintf("%s,%d", label, t+1),
				Volume: vol,
			})
		}
		log.WithFields(log.Fields{
			"path":       entry.Path,
			"components": img.NumVolumes(),
		}).Info("Split 4D input into components")
	}
	return out, nil
}

// LoadTemplates reads every template image. Entries without a path become
// placeholders with a nil volume.
func (c *Config) LoadTemplates() ([]matching.LabeledVolume, error) {
	out := make([]matching.LabeledVolume, 0, len(c.Templates))
	for _, entry := range c.Templates {
		if entry.Path == "" {
			out = append(out, matching.LabeledVolume{Label: entry.Label})
			continue
		}
		vol, err := nifti.LoadVolume(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("loading template %q: %w", entry.Label, err)
		}
		out = append(out, matching.LabeledVolume{Label: entry.Label, Volume: vol})
	}
	return out, nil
}

// LabelFromPath derives a label from an image file name, dropping the
// directory and any .nii/.nii.gz/.hdr/.img extension.
func LabelFromPath(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".gz")
	for _, ext := range []string{".nii", ".hdr", ".img"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}
