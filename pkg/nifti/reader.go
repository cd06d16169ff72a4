package nifti

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"rsnmatch/internal/models"
)

// Image is a decoded NIfTI-1 file: its header plus one 3D volume per
// time point (or per component, for ICA outputs stored as 4D series).
type Image struct {
	Header  Header
	Path    string
	Volumes []*models.Volume
}

// NumVolumes returns how many 3D volumes the image holds.
func (img *Image) NumVolumes() int {
	return len(img.Volumes)
}

// Volume returns the t-th 3D volume.
func (img *Image) Volume(t int) (*models.Volume, error) {
	if t < 0 || t >= len(img.Volumes) {
		return nil, fmt.Errorf("volume index %d out of range [0, %d)", t, len(img.Volumes))
	}
	return img.Volumes[t], nil
}

// ReadFile loads a .nii, .nii.gz or .hdr/.img pair.
func ReadFile(path string) (*Image, error) {
	raw, err := readMaybeGzip(headerPath(path))
	if err != nil {
		return nil, err
	}

	h, order, err := decodeHeader(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	data := raw
	if !h.SingleFile() {
		imgPath, err := pairedImagePath(path)
		if err != nil {
			return nil, err
		}
		if data, err = readMaybeGzip(imgPath); err != nil {
			return nil, err
		}
	}

	vols, err := decodeVolumes(h, order, data[min(h.dataOffset(), len(data)):])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"path":    path,
		"volumes": len(vols),
		"shape":   vols[0].Shape(),
	}).Debug("Loaded nifti1 image")

	return &Image{Header: h, Path: path, Volumes: vols}, nil
}

// LoadVolume reads a file expected to hold a single 3D volume.
func LoadVolume(path string) (*models.Volume, error) {
	img, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if img.NumVolumes() != 1 {
		return nil, fmt.Errorf("%s: expected a 3D image, found %d volumes", path, img.NumVolumes())
	}
	return img.Volumes[0], nil
}

// LoadSeries reads every 3D volume of a (possibly 4D) file.
func LoadSeries(path string) ([]*models.Volume, error) {
	img, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return img.Volumes, nil
}

func readMaybeGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	magic := make([]byte, 2)
	n, _ := io.ReadFull(f, magic)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("error reading image: %w", err)
	}
	if n == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading image: %w", err)
	}
	return data, nil
}

// headerPath maps foo.img(.gz) to its foo.hdr(.gz) header; other paths
// are returned unchanged.
func headerPath(path string) string {
	gz := strings.HasSuffix(path, ".gz")
	base := strings.TrimSuffix(path, ".gz")
	if filepath.Ext(base) != ".img" {
		return path
	}
	hdr := strings.TrimSuffix(base, ".img") + ".hdr"
	if gz {
		if _, err := os.Stat(hdr + ".gz"); err == nil {
			return hdr + ".gz"
		}
	}
	return hdr
}

// pairedImagePath maps foo.hdr(.gz) to the foo.img(.gz) data file.
func pairedImagePath(path string) (string, error) {
	base := path
	gz := strings.HasSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".gz")

	ext := filepath.Ext(base)
	if ext != ".hdr" && ext != ".img" {
		return "", fmt.Errorf("%s: header declares a .hdr/.img pair but the file is %q", path, ext)
	}
	imgPath := strings.TrimSuffix(base, ext) + ".img"
	if gz {
		if _, err := os.Stat(imgPath + ".gz"); err == nil {
			return imgPath + ".gz", nil
		}
	}
	return imgPath, nil
}

// decodeVolumes converts raw voxel bytes into float64 volumes, applying
// scl_slope/scl_inter when set.
func decodeVolumes(h Header, order binary.ByteOrder, b []byte) ([]*models.Volume, error) {
	bpv, err := h.bytesPerVoxel()
	if err != nil {
		return nil, err
	}

	nx, ny, nz, nt := h.Grid()
	perVolume := nx * ny * nz
	need := perVolume * nt * bpv
	if len(b) < need {
		return nil, fmt.Errorf("%w: truncated data, have %d bytes, need %d", ErrInvalidHeader, len(b), need)
	}

	slope, inter, scaled := h.scaling()
	affine := h.Affine()

	vols := make([]*models.Volume, nt)
	for t := 0; t < nt; t++ {
		vol := models.NewVolume(nx, ny, nz, affine)
		off := t * perVolume * bpv
		for i := 0; i < perVolume; i++ {
			v := decodeVoxel(h.DataType, order, b[off+i*bpv:off+(i+1)*bpv])
			if scaled {
				v = v*slope + inter
			}
			vol.Data[i] = v
		}
		vols[t] = vol
	}
	return vols, nil
}

func decodeVoxel(dt int16, order binary.ByteOrder, b []byte) float64 {
	switch dt {
	case DTUint8:
		return float64(b[0])
	case DTInt8:
		return float64(int8(b[0]))
	case DTInt16:
		return float64(int16(order.Uint16(b)))
	case DTUint16:
		return float64(order.Uint16(b))
	case DTInt32:
		return float64(int32(order.Uint32(b)))
	case DTUint32:
		return float64(order.Uint32(b))
	case DTFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case DTInt64:
		return float64(int64(order.Uint64(b)))
	case DTUint64:
		return float64(order.Uint64(b))
	case DTFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}
