package matching

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"rsnmatch/internal/models"
)

// Coordinate is the location of maximal overlap between an input and a
// template: world (MNI) coordinates plus the voxel on the input grid.
type Coordinate struct {
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	Z     float64 `yaml:"z"`
	Voxel [3]int  `yaml:"voxel,flow"`
}

// String formats the world coordinate.
func (c Coordinate) String() string {
	return fmt.Sprintf("(%.1f, %.1f, %.1f)", c.X, c.Y, c.Z)
}

// FindMaxCoords locates, for each input/template pair, the voxel where the
// prepared input and the binarized template have the largest product, and
// maps it to world coordinates through the input affine. When restrict is
// non-nil only the pairs it lists are computed. A template with a nil volume
// falls back to the input itself.
func FindMaxCoords(inputs, templates []LabeledVolume, restrict TopKSet, prep Preparation) (map[string]map[string]Coordinate, error) {
	coords := make(map[string]map[string]Coordinate, len(inputs))
	for _, input := range inputs {
		if restrict != nil {
			if _, ok := restrict[input.Label]; !ok {
				continue
			}
		}

		inArr, err := prepareInput(input, prep)
		if err != nil {
			return nil, err
		}

		row := make(map[string]Coordinate)
		for _, tmpl := range templates {
			if restrict != nil && !restrict.Contains(input.Label, tmpl.Label) {
				continue
			}
			c, err := maxOverlap(input, inArr, tmpl, prep)
			if err != nil {
				return nil, err
			}
			row[tmpl.Label] = c
		}
		coords[input.Label] = row
	}
	return coords, nil
}

func prepareInput(input LabeledVolume, prep Preparation) ([]float64, error) {
	if input.Volume == nil {
		return nil, fmt.Errorf("input %q: %w: no volume", input.Label, ErrInvalidImage)
	}
	arr, err := Prepare(input.Volume, prep.Input)
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", input.Label, err)
	}
	return arr, nil
}

// maxOverlap finds the peak of the product of the prepared input array and
// the template prepared on the input's grid.
func maxOverlap(input LabeledVolume, inArr []float64, tmpl LabeledVolume, prep Preparation) (Coordinate, error) {
	tOpts := prep.Template
	tOpts.Reference = input.Volume
	tArr, err := Prepare(tmpl.Volume, tOpts)
	if err != nil {
		return Coordinate{}, fmt.Errorf("template %q against input %q: %w", tmpl.Label, input.Label, err)
	}

	product := make([]float64, len(inArr))
	floats.MulTo(product, inArr, tArr)

	return voxelCoordinate(input.Volume, argmax(product, input.Volume.Shape())), nil
}

// argmax returns the flat index of the maximum of s laid out on a grid of
// the given shape. A NaN counts as the maximum. Ties go to the voxel that
// comes first when the grid is walked with z fastest, i*ny*nz + j*nz + k.
func argmax(s []float64, shape [3]int) int {
	if len(s) == 0 {
		return 0
	}
	best := 0
	for idx := 1; idx < len(s); idx++ {
		switch c := compareScores(s[idx], s[best]); {
		case c > 0:
			best = idx
		case c == 0 && zFastestOrder(idx, shape) < zFastestOrder(best, shape):
			best = idx
		}
	}
	return best
}

// compareScores orders a above b when it is larger, with NaN above every
// number and equal to another NaN.
func compareScores(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// zFastestOrder converts an x-fastest flat index into its position in
// z-fastest order.
func zFastestOrder(idx int, shape [3]int) int {
	nx, ny, nz := shape[0], shape[1], shape[2]
	i := idx % nx
	j := (idx / nx) % ny
	k := idx / (nx * ny)
	return i*ny*nz + j*nz + k
}

func voxelCoordinate(vol *models.Volume, idx int) Coordinate {
	i, j, k := vol.Unravel(idx)
	x, y, z := vol.VoxelToWorld(i, j, k)
	return Coordinate{X: x, Y: y, Z: z, Voxel: [3]int{i, j, k}}
}
