package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Affine maps voxel indices (i, j, k) to world coordinates (x, y, z).
// The last row is expected to be [0 0 0 1].
type Affine [4][4]float64

// IdentityAffine returns the affine that maps voxel (i, j, k) to world (i, j, k).
func IdentityAffine() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// ScalingAffine returns a diagonal affine with the given voxel size and origin.
func ScalingAffine(dx, dy, dz float64, origin [3]float64) Affine {
	return Affine{
		{dx, 0, 0, origin[0]},
		{0, dy, 0, origin[1]},
		{0, 0, dz, origin[2]},
		{0, 0, 0, 1},
	}
}

// Apply transforms a (possibly fractional) voxel coordinate into world space.
func (a Affine) Apply(i, j, k float64) (x, y, z float64) {
	x = a[0][0]*i + a[0][1]*j + a[0][2]*k + a[0][3]
	y = a[1][0]*i + a[1][1]*j + a[1][2]*k + a[1][3]
	z = a[2][0]*i + a[2][1]*j + a[2][2]*k + a[2][3]
	return x, y, z
}

// Inverse returns the world-to-voxel transform.
func (a Affine) Inverse() (Affine, error) {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, a[r][c])
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Affine{}, fmt.Errorf("affine is not invertible: %w", err)
	}

	var out Affine
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r][c] = inv.At(r, c)
		}
	}
	return out, nil
}

// Mul returns a*b, i.e. the transform that applies b first and then a.
func (a Affine) Mul(b Affine) Affine {
	var out Affine
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[r][k] * b[k][c]
			}
			out[r][c] = sum
		}
	}
	return out
}

// Equal reports whether every element of a and b differs by at most tol.
func (a Affine) Equal(b Affine, tol float64) bool {
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			if math.Abs(a[r][c]-b[r][c]) > tol {
				return false
			}
		}
	}
	return true
}

// Volume represents a single 3D statistical map, e.g. one ICA component
// or one RSN template.
type Volume struct {
	// Data is the 3D volume data as a 1D array with x varying fastest:
	// idx = k*Width*Height + j*Width + i
	Data []float64

	// Width, Height, Depth are the grid dimensions along i, j, k
	Width  int
	Height int
	Depth  int

	// Affine maps voxel indices to world (MNI) coordinates
	Affine Affine
}

// NewVolume allocates a zero-filled volume with the given grid.
func NewVolume(width, height, depth int, affine Affine) *Volume {
	return &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
		Affine: affine,
	}
}

// Shape returns the grid dimensions as (nx, ny, nz).
func (v *Volume) Shape() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Len is the number of voxels described by the shape.
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the flat index of voxel (i, j, k).
func (v *Volume) Index(i, j, k int) int {
	return k*v.Width*v.Height + j*v.Width + i
}

// Unravel is the inverse of Index.
func (v *Volume) Unravel(idx int) (i, j, k int) {
	plane := v.Width * v.Height
	k = idx / plane
	rem := idx % plane
	j = rem / v.Width
	i = rem % v.Width
	return i, j, k
}

// At returns the value at voxel (i, j, k), or 0 outside the grid.
func (v *Volume) At(i, j, k int) float64 {
	if i < 0 || j < 0 || k < 0 || i >= v.Width || j >= v.Height || k >= v.Depth {
		return 0
	}
	return v.Data[v.Index(i, j, k)]
}

// Set stores a value at voxel (i, j, k). Out-of-grid writes are ignored.
func (v *Volume) Set(i, j, k int, value float64) {
	if i < 0 || j < 0 || k < 0 || i >= v.Width || j >= v.Height || k >= v.Depth {
		return
	}
	v.Data[v.Index(i, j, k)] = value
}

// Validate checks that the volume has a positive grid and that the data
// length matches it.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("volume is nil")
	}
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid shape %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("data length %d does not match shape %dx%dx%d",
			len(v.Data), v.Width, v.Height, v.Depth)
	}
	return nil
}

// SameGrid reports whether v and o share shape and affine, so their flat
// arrays are voxel-aligned without resampling.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth &&
		v.Affine.Equal(o.Affine, 1e-6)
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume{
		Data:   data,
		Width:  v.Width,
		Height: v.Height,
		Depth:  v.Depth,
		Affine: v.Affine,
	}
}

// VoxelToWorld maps integer voxel coordinates through the affine.
func (v *Volume) VoxelToWorld(i, j, k int) (x, y, z float64) {
	return v.Affine.Apply(float64(i), float64(j), float64(k))
}
