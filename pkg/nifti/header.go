// Package nifti reads and writes NIfTI-1 images.
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"rsnmatch/internal/models"
)

var (
	// ErrInvalidHeader is returned when the header cannot be decoded.
	ErrInvalidHeader = errors.New("invalid nifti1 header")

	// ErrUnsupportedDataType is returned for voxel types we cannot convert.
	ErrUnsupportedDataType = errors.New("unsupported nifti1 datatype")
)

// Header defines the structure of the Nifti1 header.
//
// Type translation from nifti1 C header to golang:
//
// C     Go
// -------------
// int   int32
// float float32
// short int16
// char  int8/byte
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "ni1\0" or "n+1\0"
}

const (
	headerSize    = 348
	minDataOffset = 352
)

// NIFTI datatype codes
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
	DTInt64   = 1024
	DTUint64  = 1280
)

// NIFTI_XFORM_* codes
const (
	XFormUnknown     = 0
	XFormScannerAnat = 1
	XFormAlignedAnat = 2
	XFormTalairach   = 3
	XFormMNI152      = 4
)

var (
	magicSingle = [4]byte{'n', '+', '1', 0}
	magicPair   = [4]byte{'n', 'i', '1', 0}
)

// decodeHeader reads a header and returns the byte order of the file. The
// byte order is inferred from sizeof_hdr, which must read as 348.
func decodeHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < headerSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(b), headerSize)
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		var h Header
		if err := binary.Read(bytes.NewReader(b[:headerSize]), order, &h); err != nil {
			return Header{}, nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		if h.SizeOfHdr != headerSize {
			continue
		}
		if h.Dim[0] < 1 || h.Dim[0] > 7 {
			return Header{}, nil, fmt.Errorf("%w: dim[0]=%d not in [1, 7]", ErrInvalidHeader, h.Dim[0])
		}

		log.WithFields(log.Fields{
			"byteOrder": order,
			"dim":       h.Dim,
			"datatype":  h.DataType,
		}).Debug("Decoded nifti1 header")
		return h, order, nil
	}

	return Header{}, nil, fmt.Errorf("%w: sizeof_hdr is not %d in either byte order", ErrInvalidHeader, headerSize)
}

// SingleFile reports whether header and data share one .nii file.
func (h Header) SingleFile() bool {
	return h.Magic == magicSingle
}

// dataOffset returns where voxel data starts in the data file.
func (h Header) dataOffset() int {
	if !h.SingleFile() {
		return int(h.VoxOffset)
	}
	if h.VoxOffset < minDataOffset {
		return minDataOffset
	}
	return int(h.VoxOffset)
}

// Grid returns the spatial dimensions and the number of 3D volumes stacked
// along dims 4..7.
func (h Header) Grid() (nx, ny, nz, nt int) {
	dim := func(i int) int {
		if i > int(h.Dim[0]) || h.Dim[i] < 1 {
			return 1
		}
		return int(h.Dim[i])
	}

	nt = 1
	for i := 4; i <= 7; i++ {
		nt *= dim(i)
	}
	return dim(1), dim(2), dim(3), nt
}

// Affine returns the voxel-to-world transform. The sform is preferred when
// present, then the qform, then the base affine.
func (h Header) Affine() models.Affine {
	switch {
	case h.SFormCode > XFormUnknown:
		return models.Affine{
			{float64(h.SRowX[0]), float64(h.SRowX[1]), float64(h.SRowX[2]), float64(h.SRowX[3])},
			{float64(h.SRowY[0]), float64(h.SRowY[1]), float64(h.SRowY[2]), float64(h.SRowY[3])},
			{float64(h.SRowZ[0]), float64(h.SRowZ[1]), float64(h.SRowZ[2]), float64(h.SRowZ[3])},
			{0, 0, 0, 1},
		}
	case h.QFormCode > XFormUnknown:
		return h.quaternionAffine()
	default:
		return h.baseAffine()
	}
}

// baseAffine scales by pixdim, flips x and puts the world origin at the
// centre of the grid, the way nibabel treats headers without any transform.
func (h Header) baseAffine() models.Affine {
	dx, dy, dz := h.spacing()
	nx, ny, nz, _ := h.Grid()
	centre := func(n int, d float64) float64 { return float64(n-1) / 2 * d }
	return models.ScalingAffine(-dx, dy, dz, [3]float64{
		centre(nx, dx),
		-centre(ny, dy),
		-centre(nz, dz),
	})
}

func (h Header) spacing() (dx, dy, dz float64) {
	pick := func(v float32) float64 {
		if v <= 0 || math.IsNaN(float64(v)) {
			return 1
		}
		return float64(v)
	}
	return pick(h.PixDim[1]), pick(h.PixDim[2]), pick(h.PixDim[3])
}

// quaternionAffine follows nifti_quatern_to_mat44 from nifti1_io.c.
func (h Header) quaternionAffine() models.Affine {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)

	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// special case: 180 degree rotation, renormalize (b, c, d)
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = a*b, a*c, a*d
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	xd, yd, zd := h.spacing()
	if h.PixDim[0] < 0 {
		zd = -zd
	}

	return models.Affine{
		{(a*a + b*b - c*c - d*d) * xd, 2 * (b*c - a*d) * yd, 2 * (b*d + a*c) * zd, float64(h.QOffsetX)},
		{2 * (b*c + a*d) * xd, (a*a + c*c - b*b - d*d) * yd, 2 * (c*d - a*b) * zd, float64(h.QOffsetY)},
		{2 * (b*d - a*c) * xd, 2 * (c*d + a*b) * yd, (a*a + d*d - c*c - b*b) * zd, float64(h.QOffsetZ)},
		{0, 0, 0, 1},
	}
}

// bytesPerVoxel returns the storage size of one voxel for the header's datatype.
func (h Header) bytesPerVoxel() (int, error) {
	switch h.DataType {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTInt64, DTUint64, DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedDataType, h.DataType)
	}
}

// scaling returns the slope and intercept to apply, or ok=false when the
// stored values are used as is.
func (h Header) scaling() (slope, inter float64, ok bool) {
	slope, inter = float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 1, 0, false
	}
	if math.IsNaN(inter) || math.IsInf(inter, 0) {
		inter = 0
	}
	if slope == 1 && inter == 0 {
		return 1, 0, false
	}
	return slope, inter, true
}
