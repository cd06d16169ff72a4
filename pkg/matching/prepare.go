// Package matching ranks ICA component maps against RSN template maps by
// spatial correlation, assigns confident matches and locates the voxel of
// maximal overlap for a component/template pair.
package matching

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"rsnmatch/internal/models"
	"rsnmatch/pkg/interpolation"
)

var (
	// ErrInvalidImage is returned when neither a usable volume nor a
	// usable reference is available for preparation.
	ErrInvalidImage = errors.New("invalid image")

	// ErrDuplicateLabel is returned when two inputs or two templates share a label.
	ErrDuplicateLabel = errors.New("duplicate label")

	// ErrUnknownLabel is returned for lookups of labels the engine does not hold.
	ErrUnknownLabel = errors.New("unknown label")

	// ErrStaleRun is returned by Run when the engine was reconfigured while
	// the run was in flight.
	ErrStaleRun = errors.New("engine changed during run")
)

// PrepareOptions controls how a volume is turned into a flat comparison array.
type PrepareOptions struct {
	// Reference, when set, is the grid the volume is resampled onto. If the
	// volume itself is nil the reference is used in its place.
	Reference *models.Volume `yaml:"-"`

	// Center subtracts the mean of the nonzero entries from each nonzero entry
	Center bool `yaml:"center"`

	// Scale divides nonzero entries by their sample standard deviation
	Scale bool `yaml:"scale"`

	// Threshold is disabled when 0
	Threshold float64 `yaml:"threshold"`

	// Continuous keeps supra-threshold values as they are instead of
	// binarizing them to 1
	Continuous bool `yaml:"continuous"`

	// Interpolation used when resampling onto Reference
	Interpolation interpolation.Method `yaml:"-"`
}

// Prepare returns a flattened copy of vol (or of opts.Reference when vol is
// nil) after resampling, centering, scaling and thresholding as requested.
// Background voxels (exact zeros) are never shifted by centering or scaling.
// The source volume is not modified.
func Prepare(vol *models.Volume, opts PrepareOptions) ([]float64, error) {
	src := vol
	if src == nil {
		src = opts.Reference
	}
	if src == nil {
		return nil, fmt.Errorf("%w: no volume and no reference", ErrInvalidImage)
	}
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	var data []float64
	if ref := opts.Reference; ref != nil && ref != src {
		if err := ref.Validate(); err != nil {
			return nil, fmt.Errorf("%w: reference: %v", ErrInvalidImage, err)
		}
		resampled, err := interpolation.NewResampler(opts.Interpolation).Resample(src, ref)
		if err != nil {
			return nil, fmt.Errorf("resampling onto reference grid: %w", err)
		}
		data = resampled.Data
	} else {
		data = make([]float64, len(src.Data))
		copy(data, src.Data)
	}

	if opts.Center {
		Center(data)
	}
	if opts.Scale {
		Scale(data)
	}
	if opts.Threshold != 0 {
		Threshold(data, opts.Threshold, !opts.Continuous)
	}
	return data, nil
}

// nonzero returns the indices and values of entries that are not exactly 0.
// NaN counts as nonzero.
func nonzero(data []float64) ([]int, []float64) {
	idx := make([]int, 0, len(data))
	vals := make([]float64, 0, len(data))
	for i, v := range data {
		if v != 0 {
			idx = append(idx, i)
			vals = append(vals, v)
		}
	}
	return idx, vals
}

// Center subtracts the mean of the nonzero entries from every nonzero entry, in place.
func Center(data []float64) {
	idx, vals := nonzero(data)
	if len(idx) == 0 {
		return
	}
	mean := stat.Mean(vals, nil)
	for _, i := range idx {
		data[i] -= mean
	}
}

// Scale divides every nonzero entry by the sample standard deviation (n-1)
// of the nonzero entries, in place. A single nonzero entry yields NaN.
func Scale(data []float64) {
	idx, vals := nonzero(data)
	if len(idx) == 0 {
		return
	}
	sd := stat.StdDev(vals, nil)
	for _, i := range idx {
		data[i] /= sd
	}
}

// Threshold zeroes entries below t, in place. With binary set, entries at or
// above t become 1. NaN entries fail both comparisons and are left as NaN.
func Threshold(data []float64, t float64, binary bool) {
	for i, v := range data {
		switch {
		case v < t:
			data[i] = 0
		case binary && v >= t:
			data[i] = 1
		}
	}
}
