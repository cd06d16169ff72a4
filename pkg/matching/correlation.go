package matching

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"rsnmatch/internal/models"
)

// LabeledVolume pairs a volume with the label it is known by. A template
// with a nil Volume is a placeholder category (e.g. "Noise") that takes no
// part in correlation.
type LabeledVolume struct {
	Label  string
	Volume *models.Volume
}

// Preparation holds the preparation applied to each side of a comparison.
type Preparation struct {
	Input    PrepareOptions `yaml:"input"`
	Template PrepareOptions `yaml:"template"`
}

// DefaultPreparation standardizes inputs and suppresses values below 1,
// and binarizes templates at 0.2 on the input's grid.
func DefaultPreparation() Preparation {
	return Preparation{
		Input: PrepareOptions{
			Scale:      true,
			Threshold:  1,
			Continuous: true,
		},
		Template: PrepareOptions{
			Threshold: 0.2,
		},
	}
}

// ProgressCallback receives sweep progress. The first call announces the
// sweep with completed 0 and a message; later calls carry counts only.
type ProgressCallback func(completed, total int, message string)

// SpatialCorrelations computes the Pearson correlation between every input
// and every template that has a spatial map, sequentially. Templates with a
// nil volume are left out of the table.
func SpatialCorrelations(inputs, templates []LabeledVolume, prep Preparation) (*Table, error) {
	return sweep(inputs, templates, prep, 1, nil)
}

// spatialTemplates drops placeholder templates.
func spatialTemplates(templates []LabeledVolume) []LabeledVolume {
	out := make([]LabeledVolume, 0, len(templates))
	for _, t := range templates {
		if t.Volume != nil {
			out = append(out, t)
		}
	}
	return out
}

func labels(vols []LabeledVolume) []string {
	out := make([]string, len(vols))
	for i, v := range vols {
		out[i] = v.Label
	}
	return out
}

// sweep fills the correlation table, splitting input rows across workers.
// Each row is computed by exactly one worker, so the result does not depend
// on the number of workers.
func sweep(inputs, templates []LabeledVolume, prep Preparation, workers int, progress ProgressCallback) (*Table, error) {
	templates = spatialTemplates(templates)

	table, err := NewTable(labels(inputs), labels(templates))
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 || len(templates) == 0 {
		return table, nil
	}

	if workers < 1 {
		workers = 1
	}
	if workers > len(inputs) {
		workers = len(inputs)
	}

	type rowResult struct {
		index  int
		scores []float64
		err    error
	}

	jobs := make(chan int)
	resultChan := make(chan rowResult)
	for w := 0; w < workers; w++ {
		go func() {
			for i := range jobs {
				scores, err := correlateRow(inputs[i], templates, prep)
				resultChan <- rowResult{index: i, scores: scores, err: err}
			}
		}()
	}
	if progress != nil {
		progress(0, len(inputs), fmt.Sprintf("Correlating %d inputs with %d templates", len(inputs), len(templates)))
	}

	go func() {
		for i := range inputs {
			jobs <- i
		}
		close(jobs)
	}()

	var firstErr error
	for completed := 1; completed <= len(inputs); completed++ {
		res := <-resultChan
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		table.setRow(res.index, res.scores)
		if progress != nil {
			progress(completed, len(inputs), "")
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	log.WithFields(log.Fields{
		"inputs":    len(inputs),
		"templates": len(templates),
		"workers":   workers,
	}).Debug("Computed spatial correlations")
	return table, nil
}

// correlateRow scores one input against every template.
func correlateRow(input LabeledVolume, templates []LabeledVolume, prep Preparation) ([]float64, error) {
	if input.Volume == nil {
		return nil, fmt.Errorf("input %q: %w: no volume", input.Label, ErrInvalidImage)
	}
	inArr, err := Prepare(input.Volume, prep.Input)
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", input.Label, err)
	}

	tOpts := prep.Template
	tOpts.Reference = input.Volume

	scores := make([]float64, len(templates))
	for j, tmpl := range templates {
		tArr, err := Prepare(tmpl.Volume, tOpts)
		if err != nil {
			return nil, fmt.Errorf("template %q against input %q: %w", tmpl.Label, input.Label, err)
		}
		scores[j] = Pearson(tArr, inArr)
	}
	return scores, nil
}

// Pearson returns the correlation coefficient of x and y, clipped to
// [-1, 1]. A constant vector gives NaN.
func Pearson(x, y []float64) float64 {
	if len(x) != len(y) || len(x) == 0 {
		return math.NaN()
	}
	r := stat.Correlation(x, y, nil)
	return math.Max(-1, math.Min(1, r))
}
