package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"rsnmatch/internal/models"
)

// Write saves one or more volumes on a shared grid as a single-file
// float32 NIfTI-1 image. Several volumes are stacked along the 4th
// dimension. A path ending in .gz is gzip-compressed.
func Write(path string, vols ...*models.Volume) error {
	if len(vols) == 0 {
		return fmt.Errorf("no volumes to write")
	}
	for i, v := range vols {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("volume %d: %w", i, err)
		}
		if !v.SameGrid(vols[0]) {
			return fmt.Errorf("volume %d does not share the grid of volume 0", i)
		}
	}

	h := newHeader(vols[0], len(vols))

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("error encoding header: %w", err)
	}
	// empty extension block up to vox_offset
	buf.Write(make([]byte, minDataOffset-headerSize))
	for _, v := range vols {
		for _, x := range v.Data {
			if err := binary.Write(&buf, binary.LittleEndian, float32(x)); err != nil {
				return fmt.Errorf("error encoding voxels: %w", err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	out := buf.Bytes()
	if strings.HasSuffix(path, ".gz") {
		var zbuf bytes.Buffer
		zw := gzip.NewWriter(&zbuf)
		if _, err := zw.Write(out); err != nil {
			return fmt.Errorf("error compressing image: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("error compressing image: %w", err)
		}
		out = zbuf.Bytes()
	}

	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("error writing image: %w", err)
	}

	log.WithFields(log.Fields{
		"path":    path,
		"volumes": len(vols),
	}).Debug("Wrote nifti1 image")
	return nil
}

func newHeader(v *models.Volume, nt int) Header {
	h := Header{
		SizeOfHdr: headerSize,
		DataType:  DTFloat32,
		BitPix:    32,
		VoxOffset: minDataOffset,
		SclSlope:  1,
		SFormCode: XFormMNI152,
		Magic:     magicSingle,
	}

	h.Dim[0] = 3
	h.Dim[1], h.Dim[2], h.Dim[3] = int16(v.Width), int16(v.Height), int16(v.Depth)
	for i := 4; i < 8; i++ {
		h.Dim[i] = 1
	}
	if nt > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(nt)
	}

	h.PixDim[0] = 1
	for c := 0; c < 3; c++ {
		var norm float64
		for r := 0; r < 3; r++ {
			norm += v.Affine[r][c] * v.Affine[r][c]
		}
		h.PixDim[c+1] = float32(math.Sqrt(norm))
	}
	h.PixDim[4] = 1

	for c := 0; c < 4; c++ {
		h.SRowX[c] = float32(v.Affine[0][c])
		h.SRowY[c] = float32(v.Affine[1][c])
		h.SRowZ[c] = float32(v.Affine[2][c])
	}
	return h
}
