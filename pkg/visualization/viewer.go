package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"rsnmatch/internal/models"
)

// Viewer renders 2D slices of a component volume, optionally with a
// template mask drawn over it.
type Viewer struct {
	volume *models.Volume

	// mask marks voxels drawn in the overlay colour; nil disables the overlay
	mask []float64

	// display window mapped to black..white
	low, high float64
}

// NewViewer creates a viewer whose display window spans the finite range of
// the volume.
func NewViewer(volume *models.Volume) *Viewer {
	low, high := math.Inf(1), math.Inf(-1)
	for _, x := range volume.Data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		low = math.Min(low, x)
		high = math.Max(high, x)
	}
	if low > high {
		low, high = 0, 0
	}
	return &Viewer{volume: volume, low: low, high: high}
}

// SetMask sets the overlay. The mask must have the same shape as the volume;
// any nonzero voxel is drawn.
func (v *Viewer) SetMask(mask *models.Volume) error {
	if mask == nil {
		v.mask = nil
		return nil
	}
	if mask.Shape() != v.volume.Shape() {
		return fmt.Errorf("mask shape %v does not match volume shape %v", mask.Shape(), v.volume.Shape())
	}
	v.mask = mask.Data
	return nil
}

// intensity maps a voxel value into [0, 1] using the display window.
func (v *Viewer) intensity(x float64) float64 {
	if math.IsNaN(x) || v.high <= v.low {
		return 0
	}
	return math.Max(0, math.Min(1, (x-v.low)/(v.high-v.low)))
}

// plane returns the image size of a slice and the voxel index behind each
// pixel.
func (v *Viewer) plane(axis string, position int) (int, int, func(px, py int) int, error) {
	if position < 0 {
		return 0, 0, nil, fmt.Errorf("position must be non-negative")
	}
	w, h, d := v.volume.Width, v.volume.Height, v.volume.Depth

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= w {
			return 0, 0, nil, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		return d, h, func(px, py int) int { return v.volume.Index(position, py, px) }, nil
	case "y", "Y":
		// XZ plane
		if position >= h {
			return 0, 0, nil, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		return w, d, func(px, py int) int { return v.volume.Index(px, position, py) }, nil
	case "z", "Z":
		// XY plane
		if position >= d {
			return 0, 0, nil, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		return w, h, func(px, py int) int { return v.volume.Index(px, py, position) }, nil
	default:
		return 0, 0, nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a 2D slice along the given axis. Without a mask the
// result is Gray16; with one it is RGBA with masked voxels tinted red.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	cols, rows, index, err := v.plane(axis, position)
	if err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, cols, rows)

	if v.mask == nil {
		img := image.NewGray16(rect)
		for py := 0; py < rows; py++ {
			for px := 0; px < cols; px++ {
				value := uint16(v.intensity(v.volume.Data[index(px, py)]) * 65535)
				img.SetGray16(px, py, color.Gray16{Y: value})
			}
		}
		return img, nil
	}

	img := image.NewRGBA(rect)
	for py := 0; py < rows; py++ {
		for px := 0; px < cols; px++ {
			idx := index(px, py)
			g := uint8(v.intensity(v.volume.Data[idx]) * 255)
			c := color.RGBA{R: g, G: g, B: g, A: 255}
			if m := v.mask[idx]; m != 0 && !math.IsNaN(m) {
				c.R = uint8(127 + uint16(g)/2)
				c.G = g / 2
				c.B = g / 2
			}
			img.SetRGBA(px, py, c)
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveOrthogonal writes the three orthogonal slices through voxel to
// outputDir as <prefix>_<axis>.jpg and returns the written paths.
func (v *Viewer) SaveOrthogonal(voxel [3]int, outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var paths []string
	for i, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, voxel[i])
		if err != nil {
			return paths, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
