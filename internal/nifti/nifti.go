// Package nifti reads and writes NIfTI-1 volumes (.nii and .nii.gz).
//
// Only the little-endian single-file variant ("n+1") is supported, which is
// what every common neuroimaging exporter produces. Voxel data is converted
// to float32 on read with scl_slope/scl_inter applied.
package nifti

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

const headerSize = 348

// NIfTI-1 datatype codes.
const (
	typeUint8   = 2
	typeInt16   = 4
	typeInt32   = 8
	typeFloat32 = 16
	typeFloat64 = 64
	typeInt8    = 256
	typeUint16  = 512
)

// header mirrors the on-disk nifti_1_header struct, 348 bytes packed.
type header struct {
	SizeofHdr      int32
	DataType       [10]byte
	DBName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XyztUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	Glmax          int32
	Glmin          int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QoffsetX       float32
	QoffsetY       float32
	QoffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

// Image is a channel-first volumetric image. Data is laid out as
// [channel][i][j][k] with k varying fastest; Affine maps voxel indices
// (i, j, k) to world coordinates.
type Image struct {
	Channels int
	Dims     [3]int
	Affine   [4][4]float64
	Data     []float32
}

// At returns the voxel value at (c, i, j, k). No bounds checking.
func (im *Image) At(c, i, j, k int) float32 {
	return im.Data[((c*im.Dims[0]+i)*im.Dims[1]+j)*im.Dims[2]+k]
}

// VoxelCount returns the number of voxels in one channel.
func (im *Image) VoxelCount() int {
	return im.Dims[0] * im.Dims[1] * im.Dims[2]
}

// Spacing returns the physical size of a voxel along each axis, derived from
// the affine column norms.
func (im *Image) Spacing() [3]float64 {
	var s [3]float64
	for j := 0; j < 3; j++ {
		s[j] = math.Sqrt(im.Affine[0][j]*im.Affine[0][j] +
			im.Affine[1][j]*im.Affine[1][j] +
			im.Affine[2][j]*im.Affine[2][j])
	}
	return s
}

func openReader(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	return &gzipReadCloser{gz: gz, f: f}, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (r *gzipReadCloser) Read(p []byte) (int, error) { return r.gz.Read(p) }

func (r *gzipReadCloser) Close() error {
	gzErr := r.gz.Close()
	fErr := r.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

// Read loads a NIfTI-1 file. 3D volumes get a single leading channel; for 4D
// volumes the fourth dimension becomes the leading channel axis.
func Read(path string) (*Image, error) {
	r, err := openReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr.SizeofHdr != headerSize {
		return nil, fmt.Errorf("corrupt or big-endian header (sizeof_hdr=%d)", hdr.SizeofHdr)
	}
	if hdr.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, fmt.Errorf("unsupported magic %q, only single-file NIfTI-1 is supported", hdr.Magic[:3])
	}

	ndim := int(hdr.Dim[0])
	if ndim != 3 && ndim != 4 {
		return nil, fmt.Errorf("unsupported dimensionality %d, expected a 3D or 4D volume", ndim)
	}
	nx, ny, nz := int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])
	channels := 1
	if ndim == 4 {
		channels = int(hdr.Dim[4])
	}
	if nx <= 0 || ny <= 0 || nz <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid volume shape (%d, %d, %d, %d)", nx, ny, nz, channels)
	}

	// Skip any extension bytes between the header and the voxel data.
	offset := int64(hdr.VoxOffset)
	if offset < headerSize {
		offset = headerSize + 4
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, fmt.Errorf("seek to voxel data: %w", err)
	}

	raw := nx * ny * nz * channels
	data, err := readVoxels(r, hdr.Datatype, raw)
	if err != nil {
		return nil, err
	}
	if hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		for i := range data {
			data[i] = data[i]*hdr.SclSlope + hdr.SclInter
		}
	}

	img := &Image{
		Channels: channels,
		Dims:     [3]int{nx, ny, nz},
		Affine:   resolveAffine(&hdr),
		Data:     make([]float32, raw),
	}
	// File order stores i fastest; convert to the k-fastest layout.
	for c := 0; c < channels; c++ {
		for k := 0; k < nz; k++ {
			for j := 0; j < ny; j++ {
				for i := 0; i < nx; i++ {
					src := i + nx*(j+ny*(k+nz*c))
					dst := ((c*nx+i)*ny+j)*nz + k
					img.Data[dst] = data[src]
				}
			}
		}
	}
	return img, nil
}

func readVoxels(r io.Reader, datatype int16, n int) ([]float32, error) {
	out := make([]float32, n)
	switch datatype {
	case typeFloat32:
		if err := binary.Read(r, binary.LittleEndian, out); err != nil {
			return nil, fmt.Errorf("read voxels: %w", err)
		}
	case typeFloat64:
		buf := make([]float64, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, fmt.Errorf("read voxels: %w", err)
		}
		for i, v := range buf {
			out[i] = float32(v)
		}
	case typeUint8:
		buf := make([]uint8, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, fmt.Errorf("read voxels: %w", err)
		}
		for i, v := range buf {
			out[i] = float32(v)
		}
	case typeInt8:
		buf := make([]int8, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, fmt.Errorf("read voxels: %w", err)
		}
		for i, v := range buf {
			out[i] = float32(v)
		}
	case typeInt16:
		buf := make([]int16, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, fmt.Errorf("read voxels: %w", err)
		}
		for i, v := range buf {
			out[i] = float32(v)
		}
	case typeUint16:
		buf := make([]uint16, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, fmt.Errorf("read voxels: %w", err)
		}
		for i, v := range buf {
			out[i] = float32(v)
		}
	case typeInt32:
		buf := make([]int32, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, fmt.Errorf("read voxels: %w", err)
		}
		for i, v := range buf {
			out[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype code %d", datatype)
	}
	return out, nil
}

// resolveAffine follows the NIfTI-1 precedence: sform, then qform, then a
// plain pixdim scaling.
func resolveAffine(hdr *header) [4][4]float64 {
	var a [4][4]float64
	a[3][3] = 1
	if hdr.SformCode > 0 {
		for j := 0; j < 4; j++ {
			a[0][j] = float64(hdr.SrowX[j])
			a[1][j] = float64(hdr.SrowY[j])
			a[2][j] = float64(hdr.SrowZ[j])
		}
		return a
	}
	if hdr.QformCode > 0 {
		return qformAffine(hdr)
	}
	for j := 0; j < 3; j++ {
		a[j][j] = float64(hdr.Pixdim[j+1])
	}
	return a
}

func qformAffine(hdr *header) [4][4]float64 {
	b := float64(hdr.QuaternB)
	c := float64(hdr.QuaternC)
	d := float64(hdr.QuaternD)
	aa := 1.0 - b*b - c*c - d*d
	if aa < 0 {
		aa = 0
	}
	q := math.Sqrt(aa)

	r := [3][3]float64{
		{q*q + b*b - c*c - d*d, 2*b*c - 2*q*d, 2*b*d + 2*q*c},
		{2*b*c + 2*q*d, q*q + c*c - b*b - d*d, 2*c*d - 2*q*b},
		{2*b*d - 2*q*c, 2*c*d + 2*q*b, q*q + d*d - c*c - b*b},
	}

	qfac := float64(hdr.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	spacing := [3]float64{float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3]) * qfac}

	var a [4][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a[i][j] = r[i][j] * spacing[j]
		}
	}
	a[0][3] = float64(hdr.QoffsetX)
	a[1][3] = float64(hdr.QoffsetY)
	a[2][3] = float64(hdr.QoffsetZ)
	a[3][3] = 1
	return a
}

func openWriter(path string) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	return &gzipWriteCloser{gz: gzip.NewWriter(f), f: f}, nil
}

type gzipWriteCloser struct {
	gz *gzip.Writer
	f  *os.File
}

func (w *gzipWriteCloser) Write(p []byte) (int, error) { return w.gz.Write(p) }

func (w *gzipWriteCloser) Close() error {
	gzErr := w.gz.Close()
	fErr := w.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

func baseHeader(dims [3]int, affine [4][4]float64) header {
	var hdr header
	hdr.SizeofHdr = headerSize
	hdr.Regular = 'r'
	hdr.Pixdim[0] = 1
	for j := 0; j < 3; j++ {
		s := math.Sqrt(affine[0][j]*affine[0][j] + affine[1][j]*affine[1][j] + affine[2][j]*affine[2][j])
		hdr.Pixdim[j+1] = float32(s)
	}
	hdr.VoxOffset = headerSize + 4
	hdr.SclSlope = 1
	hdr.XyztUnits = 2 // millimeters
	hdr.SformCode = 1
	hdr.QformCode = 0
	for j := 0; j < 4; j++ {
		hdr.SrowX[j] = float32(affine[0][j])
		hdr.SrowY[j] = float32(affine[1][j])
		hdr.SrowZ[j] = float32(affine[2][j])
	}
	hdr.Magic = [4]byte{'n', '+', '1', 0}
	hdr.Dim[1] = int16(dims[0])
	hdr.Dim[2] = int16(dims[1])
	hdr.Dim[3] = int16(dims[2])
	return hdr
}

func writeVolume(path string, hdr header, payload func(io.Writer) error) error {
	w, err := openWriter(path)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		w.Close()
		return fmt.Errorf("write header: %w", err)
	}
	// Four zero bytes: empty extension flag.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		w.Close()
		return err
	}
	if err := payload(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Write serializes an Image as float32 voxels. Single-channel images are
// written 3D, multi-channel images 4D with channels in the fourth dimension.
func Write(path string, img *Image) error {
	hdr := baseHeader(img.Dims, img.Affine)
	hdr.Datatype = typeFloat32
	hdr.Bitpix = 32
	if img.Channels == 1 {
		hdr.Dim[0] = 3
	} else {
		hdr.Dim[0] = 4
		hdr.Dim[4] = int16(img.Channels)
	}

	nx, ny, nz := img.Dims[0], img.Dims[1], img.Dims[2]
	return writeVolume(path, hdr, func(w io.Writer) error {
		buf := make([]float32, len(img.Data))
		for c := 0; c < img.Channels; c++ {
			for k := 0; k < nz; k++ {
				for j := 0; j < ny; j++ {
					for i := 0; i < nx; i++ {
						buf[i+nx*(j+ny*(k+nz*c))] = img.At(c, i, j, k)
					}
				}
			}
		}
		if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
			return fmt.Errorf("write voxels: %w", err)
		}
		return nil
	})
}

// WriteLabelVolume serializes a 3D integer label mask as uint8 voxels,
// preserving the given affine. Data layout matches Image (k fastest).
func WriteLabelVolume(path string, labels []uint8, dims [3]int, affine [4][4]float64) error {
	if len(labels) != dims[0]*dims[1]*dims[2] {
		return fmt.Errorf("label buffer size %d does not match dims %v", len(labels), dims)
	}
	hdr := baseHeader(dims, affine)
	hdr.Dim[0] = 3
	hdr.Datatype = typeUint8
	hdr.Bitpix = 8

	nx, ny, nz := dims[0], dims[1], dims[2]
	return writeVolume(path, hdr, func(w io.Writer) error {
		buf := make([]uint8, len(labels))
		for k := 0; k < nz; k++ {
			for j := 0; j < ny; j++ {
				for i := 0; i < nx; i++ {
					buf[i+nx*(j+ny*k)] = labels[(i*ny+j)*nz+k]
				}
			}
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write voxels: %w", err)
		}
		return nil
	})
}
