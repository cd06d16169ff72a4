// Package interpolation resamples volumes from one voxel grid onto another
// so that maps acquired at different resolutions can be compared voxel by voxel.
package interpolation

import (
	"fmt"
	"math"

	"rsnmatch/internal/models"
)

// Method selects how values between grid points are estimated.
type Method int

const (
	// Linear uses trilinear interpolation of the 8 surrounding voxels.
	Linear Method = iota
	// Nearest takes the value of the closest voxel.
	Nearest
)

// String returns the method name used in configuration files.
func (m Method) String() string {
	switch m {
	case Linear:
		return "linear"
	case Nearest:
		return "nearest"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod converts a configuration name into a Method.
func ParseMethod(name string) (Method, error) {
	switch name {
	case "", "linear", "continuous", "trilinear":
		return Linear, nil
	case "nearest":
		return Nearest, nil
	default:
		return Linear, fmt.Errorf("unknown interpolation method %q", name)
	}
}

// edgeTolerance lets sample points that fall a rounding error outside the
// source grid still pick up the edge voxel.
const edgeTolerance = 1e-6

// Resampler maps a source volume onto a reference grid.
type Resampler struct {
	method Method
}

// NewResampler creates a resampler using the given interpolation method.
func NewResampler(method Method) *Resampler {
	return &Resampler{method: method}
}

// Resample returns a new volume on ref's grid (shape and affine) whose values
// are sampled from src in world space. Reference voxels that map outside the
// source grid are 0. If the grids already match, a copy of src is returned.
// src is never modified.
func (r *Resampler) Resample(src, ref *models.Volume) (*models.Volume, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source volume: %w", err)
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reference volume: %w", err)
	}

	if src.SameGrid(ref) {
		return src.Clone(), nil
	}

	srcInv, err := src.Affine.Inverse()
	if err != nil {
		return nil, fmt.Errorf("source affine: %w", err)
	}
	// reference voxel -> world -> source voxel
	toSrc := srcInv.Mul(ref.Affine)

	out := models.NewVolume(ref.Width, ref.Height, ref.Depth, ref.Affine)
	for k := 0; k < ref.Depth; k++ {
		for j := 0; j < ref.Height; j++ {
			for i := 0; i < ref.Width; i++ {
				fi, fj, fk := toSrc.Apply(float64(i), float64(j), float64(k))
				out.Data[out.Index(i, j, k)] = r.sample(src, fi, fj, fk)
			}
		}
	}
	return out, nil
}

// sample estimates src at the fractional voxel position (fi, fj, fk).
func (r *Resampler) sample(src *models.Volume, fi, fj, fk float64) float64 {
	if !inside(fi, src.Width) || !inside(fj, src.Height) || !inside(fk, src.Depth) {
		return 0
	}

	if r.method == Nearest {
		return src.At(int(math.Round(fi)), int(math.Round(fj)), int(math.Round(fk)))
	}
	return trilinear(src, fi, fj, fk)
}

func inside(f float64, n int) bool {
	return f >= -edgeTolerance && f <= float64(n-1)+edgeTolerance
}

// trilinear interpolates the 8 voxels surrounding (fi, fj, fk). Corners
// outside the grid only occur with zero weight.
func trilinear(src *models.Volume, fi, fj, fk float64) float64 {
	fi = clamp(fi, src.Width)
	fj = clamp(fj, src.Height)
	fk = clamp(fk, src.Depth)

	i0, j0, k0 := int(math.Floor(fi)), int(math.Floor(fj)), int(math.Floor(fk))
	di, dj, dk := fi-float64(i0), fj-float64(j0), fk-float64(k0)

	var value float64
	for _, c := range [8][3]int{
		{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
	} {
		w := weight(di, c[0]) * weight(dj, c[1]) * weight(dk, c[2])
		if w == 0 {
			continue
		}
		value += w * src.At(i0+c[0], j0+c[1], k0+c[2])
	}
	return value
}

func weight(d float64, upper int) float64 {
	if upper == 1 {
		return d
	}
	return 1 - d
}

func clamp(f float64, n int) float64 {
	if f < 0 {
		return 0
	}
	if hi := float64(n - 1); f > hi {
		return hi
	}
	return f
}
